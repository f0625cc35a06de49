package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/smsleopard-relay/internal/config"
	appErrors "github.com/unclebandit/smsleopard-relay/internal/errors"
	"github.com/unclebandit/smsleopard-relay/internal/journal"
	"github.com/unclebandit/smsleopard-relay/internal/metrics"
	"github.com/unclebandit/smsleopard-relay/internal/model"
	"github.com/unclebandit/smsleopard-relay/internal/queue"
	"github.com/unclebandit/smsleopard-relay/internal/repository"
)

// State of the dispatch loop.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

var (
	errNotConfigured    = errors.New("configuration not loaded. Cannot start SMS processing")
	errLoopStillRunning = errors.New("previous dispatch loop has not exited yet")
)

// ConfigLoader returns the configuration the loop should run with.
type ConfigLoader func() (*config.Configuration, error)

// RepositoryFactory builds the store adapter for a loaded configuration.
type RepositoryFactory func(cnf *config.Configuration) (repository.OutboxRepositoryInterface, error)

// Status is a point-in-time view of the dispatcher.
type Status struct {
	State        State      `json:"state"`
	ConfigLoaded bool       `json:"config_loaded"`
	DatabaseType string     `json:"database_type,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
	LastTickAt   *time.Time `json:"last_tick_at,omitempty"`
	Ticks        int64      `json:"ticks"`
}

// TickReport summarises one tick.
type TickReport struct {
	TickID     string
	Fetched    int
	Dispatched int
	Marked     int
	Failed     int
	Err        error
}

// Dispatcher polls the outbox on a fixed interval, logs each pending record
// and marks it transmitted. Failures inside a tick never leave the tick.
type Dispatcher struct {
	loadConfig    ConfigLoader
	newRepository RepositoryFactory
	interval      time.Duration
	publisher     queue.Publisher
	metrics       *metrics.Metrics
	logger        logrus.FieldLogger
	now           func() time.Time

	mu         sync.Mutex
	state      State
	cnf        *config.Configuration
	repo       repository.OutboxRepositoryInterface
	lastErr    string
	lastErrAt  time.Time
	lastTickAt time.Time
	ticks      int64
	stopCh     chan struct{}
	done       chan struct{}
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithPublisher relays every dispatched record before it is marked transmitted.
func WithPublisher(p queue.Publisher) Option {
	return func(d *Dispatcher) {
		d.publisher = p
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates an idle dispatcher.
func NewDispatcher(load ConfigLoader, factory RepositoryFactory, interval time.Duration, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		loadConfig:    load,
		newRepository: factory,
		interval:      interval,
		logger:        logrus.StandardLogger(),
		now:           time.Now,
		state:         StateIdle,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Prepare loads the configuration and builds the store adapter without
// starting the loop. Start calls it; one-off ticks use it directly.
func (d *Dispatcher) Prepare(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prepareLocked(ctx)
}

func (d *Dispatcher) prepareLocked(ctx context.Context) error {
	if d.repo != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return d.failStartLocked(appErrors.New(appErrors.CancellationRequested, "start", err))
	}

	cnf, err := d.loadConfig()
	if err != nil {
		return d.failStartLocked(err)
	}
	// never hand an empty connection string to a driver
	if _, err := cnf.GenerateConnectionString(); err != nil {
		return d.failStartLocked(err)
	}

	repo, err := d.newRepository(cnf)
	if err != nil {
		return d.failStartLocked(err)
	}

	d.cnf = cnf
	d.repo = repo
	d.logger.Infof("Configuration loaded successfully (%s).", cnf.Kind)
	return nil
}

func (d *Dispatcher) failStartLocked(err error) error {
	if appErrors.Is(err, appErrors.ConfigurationMissing) {
		d.recordErrorLocked("Database configuration is missing. Please configure the database first.")
	} else {
		d.recordErrorLocked(fmt.Sprintf("An error occurred while starting the service: %v", err))
	}
	d.logger.WithError(err).Error(d.lastErr)
	return err
}

func (d *Dispatcher) recordErrorLocked(msg string) {
	d.lastErr = msg
	d.lastErrAt = d.now()
}

// Start loads the configuration and begins ticking. When the configuration
// cannot be loaded the dispatcher stays where it was, the reason is kept in
// Status().LastError and no store call is made. Starting a running
// dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateRunning {
		return nil
	}
	if d.done != nil {
		select {
		case <-d.done:
		default:
			return errLoopStillRunning
		}
	}

	d.logger.Info("Push SMS service starting...")
	if err := d.prepareLocked(ctx); err != nil {
		return err
	}

	d.state = StateRunning
	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stopCh, d.done)

	d.logger.Infof("Push SMS job is running, polling every %s.", d.interval)
	return nil
}

func (d *Dispatcher) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			d.logger.Info("Cancellation requested, dispatch loop exiting.")
			return
		case <-ticker.C:
			// the tick is not tied to stopCh: a batch in flight runs to completion
			d.RunOnce(context.Background())
		}
	}
}

// Stop ends the loop. A tick in progress finishes its batch first; Stop
// waits for it or for ctx. Stopping an idle or stopped dispatcher is fine.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateRunning {
		d.state = StateStopped
		repo := d.repo
		d.repo = nil
		d.mu.Unlock()
		d.closeRepository(repo)
		return nil
	}

	d.state = StateStopped
	close(d.stopCh)
	done := d.done
	repo := d.repo
	d.mu.Unlock()

	d.logger.Info("Push SMS service stopping...")

	select {
	case <-done:
	case <-ctx.Done():
		// the next Start reloads the configuration; the pool goes once the tick ends
		d.releaseRepository(repo)
		go func() {
			<-done
			d.closeRepository(repo)
		}()
		return ctx.Err()
	}

	d.releaseRepository(repo)
	d.closeRepository(repo)

	d.logger.Info("Push SMS service stopped.")
	return nil
}

func (d *Dispatcher) releaseRepository(repo repository.OutboxRepositoryInterface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.repo == repo {
		d.repo = nil
	}
}

func (d *Dispatcher) closeRepository(repo repository.OutboxRepositoryInterface) {
	if repo == nil {
		return
	}
	if err := repo.Close(); err != nil {
		d.logger.WithError(err).Warn("failed to close outbox store")
	}
}

// Status returns a snapshot of the dispatcher state.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Status{
		State:        d.state,
		ConfigLoaded: d.cnf != nil,
		LastError:    d.lastErr,
		Ticks:        d.ticks,
	}
	if d.cnf != nil {
		s.DatabaseType = string(d.cnf.Kind)
	}
	if !d.lastErrAt.IsZero() {
		t := d.lastErrAt
		s.LastErrorAt = &t
	}
	if !d.lastTickAt.IsZero() {
		t := d.lastTickAt
		s.LastTickAt = &t
	}
	return s
}

// RunOnce runs a single tick synchronously.
func (d *Dispatcher) RunOnce(ctx context.Context) (report TickReport) {
	d.mu.Lock()
	cnf, repo := d.cnf, d.repo
	d.mu.Unlock()

	report.TickID = uuid.NewString()
	log := d.logger.WithField("tick", report.TickID)
	start := d.now()

	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Errorf("panic during tick: %v", r)
			log.Errorf("Error while processing SMS messages: %v", r)
		}
		d.finishTick(ctx, log, repo, start, report)
	}()

	if repo == nil {
		report.Err = errNotConfigured
		log.Error(errNotConfigured.Error())
		return report
	}

	if _, err := cnf.GenerateConnectionString(); err != nil {
		report.Err = err
		log.WithError(err).Error("Error processing SMS messages")
		return report
	}

	for rec, err := range repo.FetchPending(ctx) {
		if err != nil {
			if appErrors.Is(err, appErrors.RecordProcessing) {
				report.Failed++
				if d.metrics != nil {
					d.metrics.IncRecordFailures()
				}
				log.WithError(err).Error("Skipping unreadable SMS record")
				continue
			}
			report.Err = err
			log.WithError(err).Error("Error processing SMS messages")
			continue
		}

		report.Fetched++
		d.dispatch(ctx, log, repo, rec, &report)
	}

	return report
}

// dispatch handles one record: journal line, optional relay, mark transmitted.
func (d *Dispatcher) dispatch(ctx context.Context, log logrus.FieldLogger, repo repository.OutboxRepositoryInterface, rec model.OutboxRecord, report *TickReport) {
	defer func() {
		if r := recover(); r != nil {
			report.Failed++
			log.Errorf("Error processing SMS record %d: %v", rec.ID, r)
		}
	}()

	if strings.TrimSpace(rec.Recipient) == "" {
		err := appErrors.NewRecord(appErrors.RecordProcessing, "dispatch", rec.ID, errors.New("record has no recipient"))
		report.Failed++
		if d.metrics != nil {
			d.metrics.IncRecordFailures()
		}
		log.WithError(err).Errorf("Skipping SMS record %d", rec.ID)
		return
	}

	at := d.now()
	log.WithField("sms_id", rec.ID).
		Infof("Message ID %d sent to %s at %s: %s", rec.ID, rec.Recipient, at.Format(journal.TimestampFormat), rec.Body)
	report.Dispatched++

	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, rec.Dispatched(at)); err != nil {
			report.Failed++
			if d.metrics != nil {
				d.metrics.IncRecordFailures()
			}
			log.WithError(err).Errorf("Error relaying SMS record %d", rec.ID)
			return
		}
	}

	if err := repo.MarkTransmitted(ctx, rec.ID); err != nil {
		report.Failed++
		if d.metrics != nil {
			d.metrics.IncMarkFailures()
		}
		log.WithError(err).Errorf("Error updating SMS record %d", rec.ID)
		return
	}

	report.Marked++
	if d.metrics != nil {
		d.metrics.IncDispatched()
	}
}

func (d *Dispatcher) finishTick(ctx context.Context, log logrus.FieldLogger, repo repository.OutboxRepositoryInterface, start time.Time, report TickReport) {
	d.mu.Lock()
	d.ticks++
	d.lastTickAt = start
	if report.Err != nil {
		d.recordErrorLocked(fmt.Sprintf("Error while processing SMS messages: %v", report.Err))
	}
	d.mu.Unlock()

	if report.Fetched > 0 || report.Failed > 0 {
		log.Debugf("tick done: fetched=%d marked=%d failed=%d", report.Fetched, report.Marked, report.Failed)
	}

	if d.metrics == nil {
		return
	}
	d.metrics.IncTicks()
	d.metrics.ObserveTickDuration(d.now().Sub(start).Seconds())
	d.metrics.ObserveBatchSize(report.Fetched)
	if report.Err != nil {
		d.metrics.IncTickFailures()
		return
	}
	if repo == nil {
		return
	}
	n, err := repo.CountBacklog(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrBacklogUnavailable) {
			log.WithError(err).Debug("failed to refresh backlog gauge")
		}
		return
	}
	d.metrics.SetBacklog(n)
}
