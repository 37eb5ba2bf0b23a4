// Package renewal runs the periodic sweep that renews expired certificates.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/ironpki/internal/metrics"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/storage"
)

// DefaultInterval is the sweep period when neither an interval nor a cron
// expression is configured.
const DefaultInterval = 24 * time.Hour

// Renewer re-signs a certificate. engine.CertificateEngine satisfies it.
type Renewer interface {
	Renew(ctx context.Context, cert model.Certificate) (*model.Certificate, error)
}

// Config controls when sweeps run.
type Config struct {
	Interval   time.Duration `koanf:"interval" json:"interval"`
	Cron       string        `koanf:"cron" json:"cron"`
	RunOnStart bool          `koanf:"run_on_start" json:"run_on_start"`
	Retry      RetryPolicy   `koanf:"retry" json:"retry"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock for sweeps and the underlying gocron scheduler.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler sweeps the store for expired certificates on a schedule and
// renews each one. Failures are isolated per certificate.
type Scheduler struct {
	store   storage.LifecycleStore
	renewer Renewer
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Collector

	cron gocron.Scheduler
	job  gocron.Job

	sweepMu sync.Mutex

	mu       sync.Mutex
	failures map[string]failure
	renewing map[string]struct{}
	last     *SweepReport
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds a Scheduler. The job is registered immediately so a bad cron
// expression is reported here rather than at Start.
func New(store storage.LifecycleStore, renewer Renewer, cfg Config, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		store:    store,
		renewer:  renewer,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		failures: make(map[string]failure),
		renewing: make(map[string]struct{}),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "renewal")

	var def gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		def = gocron.CronJob(cfg.Cron, false)
	case cfg.Interval > 0:
		def = gocron.DurationJob(cfg.Interval)
	case cfg.Interval == 0:
		def = gocron.DurationJob(DefaultInterval)
	default:
		return nil, fmt.Errorf("renewal interval must be positive, got %s", cfg.Interval)
	}

	cron, err := gocron.NewScheduler(
		gocron.WithClock(s.clock),
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	jobOpts := []gocron.JobOption{
		gocron.WithName("renewal-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if cfg.RunOnStart {
		jobOpts = append(jobOpts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	job, err := cron.NewJob(def, gocron.NewTask(s.run), jobOpts...)
	if err != nil {
		_ = cron.Shutdown()
		return nil, fmt.Errorf("registering renewal job: %w", err)
	}
	s.cron = cron
	s.job = job
	return s, nil
}

// Start begins scheduled sweeps. Sweeps run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.logger.Info("starting renewal scheduler", "interval", s.cfg.Interval, "cron", s.cfg.Cron)
	s.cron.Start()
}

// Stop cancels an in-flight sweep and waits for the scheduler to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("stopping renewal scheduler")
	if err := s.cron.Shutdown(); err != nil && !errors.Is(err, gocron.ErrStopSchedulerTimedOut) {
		return fmt.Errorf("stopping renewal scheduler: %w", err)
	}
	return nil
}

// NextRun returns when the next sweep is scheduled.
func (s *Scheduler) NextRun() (time.Time, error) {
	return s.job.NextRun()
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("renewal sweep failed", "error", err)
	}
}

// Sweep renews every certificate whose expiry is at or before now, one at a
// time. A failing certificate is recorded and the sweep moves on. The
// returned error covers only the listing step and cancellation.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	started := s.clock.Now().UTC()
	report := SweepReport{StartedAt: started, Renewed: []string{}, Skipped: []string{}, Failed: []Failure{}}

	due, err := s.store.ListCertificatesExpiringBy(ctx, started)
	if err != nil {
		return report, fmt.Errorf("listing expired certificates: %w", err)
	}
	report.Due = len(due)
	s.logger.Info("renewal sweep started", "due", len(due))

	for _, cert := range due {
		if err := ctx.Err(); err != nil {
			s.finish(&report, started)
			return report, err
		}
		s.renewOne(ctx, cert, &report)
	}
	s.finish(&report, started)
	s.logger.Info("renewal sweep finished",
		"due", report.Due,
		"renewed", len(report.Renewed),
		"failed", len(report.Failed),
		"skipped", len(report.Skipped),
	)
	return report, nil
}

func (s *Scheduler) renewOne(ctx context.Context, cert model.Certificate, report *SweepReport) {
	log := s.logger.With("certificate_id", cert.ID, "common_name", cert.CommonName)
	now := s.clock.Now().UTC()

	s.mu.Lock()
	hist := s.failures[cert.ID]
	if !s.cfg.Retry.allow(hist, now) {
		s.mu.Unlock()
		log.Debug("renewal skipped by retry policy", "attempts", hist.attempts, "last_error", hist.err)
		report.Skipped = append(report.Skipped, cert.ID)
		s.metrics.ObserveRenewal(metrics.ResultSkipped)
		return
	}
	s.renewing[cert.ID] = struct{}{}
	s.mu.Unlock()

	renewed, err := s.renewer.Renew(ctx, cert)

	s.mu.Lock()
	delete(s.renewing, cert.ID)
	if err != nil {
		hist.attempts++
		hist.last = s.clock.Now().UTC()
		hist.err = err.Error()
		s.failures[cert.ID] = hist
	} else {
		delete(s.failures, cert.ID)
	}
	s.mu.Unlock()

	if err != nil {
		log.Error("renewal failed", "attempts", hist.attempts, "error", err)
		report.Failed = append(report.Failed, Failure{
			CertificateID: cert.ID,
			CommonName:    cert.CommonName,
			Attempts:      hist.attempts,
			Error:         err.Error(),
		})
		s.metrics.ObserveRenewal(metrics.ResultFailure)
		return
	}
	log.Info("certificate renewed", "expiry_date", renewed.ExpiryDate())
	report.Renewed = append(report.Renewed, cert.ID)
	s.metrics.ObserveRenewal(metrics.ResultSuccess)
}

func (s *Scheduler) finish(report *SweepReport, started time.Time) {
	report.FinishedAt = s.clock.Now().UTC()
	s.metrics.ObserveSweep(report.FinishedAt, report.FinishedAt.Sub(started), report.Due)
	s.mu.Lock()
	r := *report
	s.last = &r
	s.mu.Unlock()
}

// LastReport returns the most recent sweep report, if any.
func (s *Scheduler) LastReport() (SweepReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return SweepReport{}, false
	}
	return *s.last, true
}

// State reports Renewing while cert is being renewed by a sweep and derives
// Valid or Expired from its expiry otherwise.
func (s *Scheduler) State(cert model.Certificate) model.State {
	s.mu.Lock()
	_, renewing := s.renewing[cert.ID]
	s.mu.Unlock()
	if renewing {
		return model.StateRenewing
	}
	return cert.StateAt(s.clock.Now().UTC())
}
