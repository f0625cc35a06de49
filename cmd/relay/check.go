package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/unclebandit/smsleopard-relay/internal/db"
	"github.com/unclebandit/smsleopard-relay/internal/repository"
)

func checkCommand(app *relayApp) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load the configuration, ping the store and report the backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.check(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (app *relayApp) check(ctx context.Context, out io.Writer) error {
	cnf, err := app.loadConfiguration()
	if err != nil {
		return err
	}
	if _, err := cnf.GenerateConnectionString(); err != nil {
		return err
	}
	fmt.Fprintf(out, "configuration: %s (%s)\n", app.settings.ConfigPath, cnf.Kind)

	repo, err := app.openOutbox(cnf)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := db.Ping(ctx, repo.DB, app.settings.OperationTimeout); err != nil {
		return err
	}
	fmt.Fprintln(out, "store: reachable")

	n, err := repo.CountBacklog(ctx)
	switch {
	case errors.Is(err, repository.ErrBacklogUnavailable):
		fmt.Fprintln(out, "backlog: unknown (no tableName configured)")
	case err != nil:
		return err
	default:
		fmt.Fprintf(out, "backlog: %d\n", n)
	}
	return nil
}
