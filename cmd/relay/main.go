package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
	"github.com/spf13/cobra"

	"github.com/unclebandit/smsleopard-relay/internal/config"
	"github.com/unclebandit/smsleopard-relay/internal/db"
	"github.com/unclebandit/smsleopard-relay/internal/journal"
	"github.com/unclebandit/smsleopard-relay/internal/metrics"
	"github.com/unclebandit/smsleopard-relay/internal/queue"
	"github.com/unclebandit/smsleopard-relay/internal/repository"
	"github.com/unclebandit/smsleopard-relay/internal/service"
)

// relayApp carries what every subcommand needs once the settings are read.
type relayApp struct {
	settings *config.Settings
	logger   *logrus.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun reads .env and SMSRELAY_* settings, then sets up logging with the
// journal hook attached.
func preRun(app *relayApp, configPath *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil {
			logrus.Debug("No .env file found, relying on OS environment variables")
		}

		settings, err := config.LoadSettings()
		if err != nil {
			return fmt.Errorf("error loading settings: %w", err)
		}
		if f := cmd.Flag("config"); f != nil && f.Changed {
			settings.ConfigPath = *configPath
		}

		logger, err := newLogger(settings)
		if err != nil {
			return err
		}

		app.settings = settings
		app.logger = logger
		app.registry = prometheus.NewRegistry()
		app.metrics = metrics.New(app.registry)
		return nil
	}
}

func newLogger(settings *config.Settings) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(settings.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", settings.LogLevel, err)
	}

	// the journal needs every Info entry whatever the console level, so the
	// logger never drops below Info and stderr gets its own level filter
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(max(level, logrus.InfoLevel))
	logger.AddHook(&writer.Hook{Writer: os.Stderr, LogLevels: logrus.AllLevels[:level+1]})
	logger.AddHook(journal.NewHook(settings.JournalPath))
	return logger, nil
}

// loadConfiguration reads the store configuration from the configured path.
func (app *relayApp) loadConfiguration() (*config.Configuration, error) {
	return config.Load(app.settings.ConfigPath, app.logger)
}

// openRepository builds the pool and the store adapter for cnf.
func (app *relayApp) openRepository(cnf *config.Configuration) (repository.OutboxRepositoryInterface, error) {
	repo, err := app.openOutbox(cnf)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func (app *relayApp) openOutbox(cnf *config.Configuration) (*repository.OutboxRepository, error) {
	sqlDB, err := db.Open(cnf, app.settings.MaxOpenConns, app.logger)
	if err != nil {
		return nil, err
	}
	repo, err := repository.New(cnf, sqlDB, app.settings.OperationTimeout)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return repo, nil
}

// newDispatcher wires the loop with the optional AMQP relay.
func (app *relayApp) newDispatcher() (*service.Dispatcher, queue.Publisher) {
	opts := []service.Option{
		service.WithLogger(app.logger),
		service.WithMetrics(app.metrics),
	}

	var pub queue.Publisher
	if app.settings.AMQPURL != "" {
		pub = queue.NewAMQPPublisher(app.settings.AMQPURL, app.settings.AMQPQueue)
		opts = append(opts, service.WithPublisher(pub))
		app.logger.Infof("Relaying dispatched messages to queue %s", app.settings.AMQPQueue)
	}

	d := service.NewDispatcher(app.loadConfiguration, app.openRepository, app.settings.PollInterval, opts...)
	return d, pub
}

// NewCLI creates the relay command tree.
func NewCLI() *cobra.Command {
	var configPath string
	app := &relayApp{}

	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Push pending SMS outbox records and mark them transmitted",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "dbconfig.json", "Database configuration file (overrides SMSRELAY_CONFIG_PATH)")
	rootCmd.PersistentPreRunE = preRun(app, &configPath)

	rootCmd.AddCommand(runCommand(app))
	rootCmd.AddCommand(tickCommand(app))
	rootCmd.AddCommand(checkCommand(app))
	rootCmd.AddCommand(seedCommand(app))

	return rootCmd
}

func main() {
	defer recoverPanic()

	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
