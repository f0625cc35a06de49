package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/smsleopard-relay/internal/controller"
	"github.com/unclebandit/smsleopard-relay/internal/handler"
)

const shutdownTimeout = 30 * time.Second

func runCommand(app *relayApp) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the dispatch loop and the lifecycle HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.run(ctx)
		},
	}
}

// run hosts the loop until ctx is canceled. A start failure is logged and the
// HTTP endpoints stay up so the host can fix the configuration and POST /start.
func (app *relayApp) run(ctx context.Context) error {
	dispatcher, pub := app.newDispatcher()
	if pub != nil {
		defer pub.Close()
	}

	ctrl := controller.NewServiceController(dispatcher, app.logger)
	_ = ctrl.Start(ctx)

	srv := &http.Server{
		Addr:              app.settings.HTTPAddr,
		Handler:           handler.NewRouter(handler.NewServiceHandler(ctrl, app.registry, app.logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Infof("Lifecycle endpoints listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := ctrl.Stop(shutdownCtx); err != nil {
			app.logger.WithError(err).Error("dispatch loop did not stop in time")
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
