// Package bootstrap wires stores, toolchain, engines and the renewal
// scheduler from a loaded configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	bolt "go.etcd.io/bbolt"

	"github.com/jmcleod/ironpki/config"
	"github.com/jmcleod/ironpki/engine"
	"github.com/jmcleod/ironpki/internal/metrics"
	"github.com/jmcleod/ironpki/pki"
	"github.com/jmcleod/ironpki/renewal"
	"github.com/jmcleod/ironpki/storage"
	"github.com/jmcleod/ironpki/storage/bbolt"
	"github.com/jmcleod/ironpki/storage/memory"
	"github.com/jmcleod/ironpki/storage/mongo"
	"github.com/jmcleod/ironpki/storage/postgres"
)

// Runtime holds everything a process needs. Build it once with New and
// release it with Close.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	Backend storage.Backend
	// Blobs is Backend, wrapped in a SealedBlobStore when sealing is enabled.
	Blobs storage.BlobStore

	Env          *engine.Env
	CAs          *engine.CAEngine
	Certificates *engine.CertificateEngine
	Intake       *engine.Intake
	Renewal      *renewal.Scheduler
}

// Option configures New.
type Option func(*options)

type options struct {
	clock clockwork.Clock
}

// WithClock replaces the real clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// New builds a Runtime from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Clock:    o.clock,
		Registry: reg,
		Metrics:  m,
		Backend:  backend,
		Blobs:    backend,
	}

	if cfg.Storage.Sealing.Enabled {
		salt, err := cfg.SealingSalt()
		if err != nil {
			rt.Close() //nolint:errcheck
			return nil, fmt.Errorf("decoding sealing salt: %w", err)
		}
		sealed, err := storage.NewSealedBlobStoreFromPassphrase(backend, cfg.Storage.Sealing.Passphrase, salt, cfg.Storage.Sealing.Argon2id)
		if err != nil {
			rt.Close() //nolint:errcheck
			return nil, err
		}
		rt.Blobs = sealed
	}

	envOpts := []engine.Option{
		engine.WithClock(o.clock),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithCASubject(cfg.CA.Subject),
		engine.WithCAValidityDays(cfg.CA.ValidityDays),
		engine.WithCRLDays(cfg.CA.CRLDays),
	}
	if cfg.CA.Intermediate.Enabled {
		envOpts = append(envOpts, engine.WithIntermediateSubject(cfg.CA.Intermediate.Subject))
	}
	env, err := engine.NewEnv(backend, rt.Blobs, newToolchain(cfg, o.clock, logger), cfg.WorkDir(), envOpts...)
	if err != nil {
		rt.Close() //nolint:errcheck
		return nil, err
	}
	rt.Env = env
	rt.CAs = engine.NewCAEngine(env)
	rt.Certificates = engine.NewCertificateEngine(env)
	rt.Intake = engine.NewIntake(env, rt.Certificates)

	rt.Renewal, err = renewal.New(backend, rt.Certificates, cfg.Renewal,
		renewal.WithClock(o.clock),
		renewal.WithLogger(logger),
		renewal.WithMetrics(m),
	)
	if err != nil {
		rt.Close() //nolint:errcheck
		return nil, err
	}

	logger.Debug("runtime ready",
		"backend", cfg.Storage.Backend,
		"toolchain", cfg.Toolchain.Kind,
		"sealed", cfg.Storage.Sealing.Enabled,
		"workdir", env.Workspace.Root(),
	)
	return rt, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	var (
		backend storage.Backend
		err     error
	)
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		backend = memory.NewRepository()
	case config.BackendBolt:
		backend, err = bbolt.NewRepositoryFromFile(cfg.BoltPath(), &bolt.Options{Timeout: cfg.Storage.Bolt.Timeout})
	case config.BackendPostgres:
		backend, err = postgres.NewRepositoryFromDSN(ctx, cfg.Storage.Postgres.DSN)
	case config.BackendMongo:
		backend, err = mongo.Open(ctx, mongo.Options{
			URI:      cfg.Storage.Mongo.URI,
			Database: cfg.Storage.Mongo.Database,
			Bucket:   cfg.Storage.Mongo.Bucket,
		})
	default:
		err = fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Storage.Backend, err)
	}
	return backend, nil
}

func newToolchain(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) pki.SigningToolchain {
	if cfg.Toolchain.Kind == config.ToolchainOpenSSL {
		o := cfg.Toolchain.OpenSSL
		return pki.NewOpenSSLToolchain(o.Binary, o.Timeout, o.RSABits, logger.With("component", "openssl"))
	}
	return pki.NewNativeToolchain(pki.WithClock(clock))
}

// Close stops the scheduler and closes the backend.
func (r *Runtime) Close() error {
	var errs []error
	if r.Renewal != nil {
		errs = append(errs, r.Renewal.Stop())
	}
	if r.Backend != nil {
		errs = append(errs, r.Backend.Close())
	}
	return errors.Join(errs...)
}
