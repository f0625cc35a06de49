package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	appErrors "github.com/unclebandit/smsleopard-relay/internal/errors"
	"github.com/unclebandit/smsleopard-relay/internal/service"
)

func tickCommand(app *relayApp) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one dispatch tick and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := app.tick(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tick %s: fetched=%d marked=%d failed=%d\n",
				report.TickID, report.Fetched, report.Marked, report.Failed)
			return nil
		},
	}
}

// tick runs a single synchronous tick. It fails when the configuration does
// not load or when the store could not be read at all.
func (app *relayApp) tick(ctx context.Context) (service.TickReport, error) {
	dispatcher, pub := app.newDispatcher()
	if pub != nil {
		defer pub.Close()
	}
	defer dispatcher.Stop(context.Background())

	if err := dispatcher.Prepare(ctx); err != nil {
		return service.TickReport{}, err
	}

	report := dispatcher.RunOnce(ctx)
	if report.Err != nil && appErrors.Is(report.Err, appErrors.StoreConnectivity) {
		return report, fmt.Errorf("tick %s: %w", report.TickID, report.Err)
	}
	return report, nil
}
