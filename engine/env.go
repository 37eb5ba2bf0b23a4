// Package engine implements the PKI lifecycle: creating certificate
// authorities, issuing and renewing leaf certificates, and authorising
// signing requests. All process-wide dependencies travel in an Env.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/ironpki/internal/metrics"
	"github.com/jmcleod/ironpki/pki"
	"github.com/jmcleod/ironpki/storage"
)

const (
	// DefaultCAValidityDays is the lifetime of a newly created root CA.
	DefaultCAValidityDays = 3650
	// DefaultCRLDays is the next-update window of the CRL generated with a CA.
	DefaultCRLDays = 30
)

// Env carries the dependencies shared by every engine. Build it once per
// process with NewEnv.
type Env struct {
	Store     storage.LifecycleStore
	Blobs     storage.BlobStore
	Toolchain pki.SigningToolchain
	Workspace *Workspace
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Collector

	// CASubject supplies the non-CN fields of CA and leaf subjects.
	CASubject pki.Subject
	// IntermediateSubject enables the intermediate CSR step of CA creation.
	IntermediateSubject *pki.Subject
	CAValidityDays      int
	CRLDays             int

	locks *KeyedMutex
}

// Option configures an Env.
type Option func(*Env)

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(e *Env) {
		e.Clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Env) {
		e.Logger = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Env) {
		e.Metrics = m
	}
}

// WithCASubject sets the default subject fields.
func WithCASubject(s pki.Subject) Option {
	return func(e *Env) {
		e.CASubject = s
	}
}

// WithIntermediateSubject turns on the intermediate CSR step.
func WithIntermediateSubject(s pki.Subject) Option {
	return func(e *Env) {
		e.IntermediateSubject = &s
	}
}

// WithCAValidityDays sets the CA certificate lifetime.
func WithCAValidityDays(days int) Option {
	return func(e *Env) {
		e.CAValidityDays = days
	}
}

// WithCRLDays sets the CRL next-update window.
func WithCRLDays(days int) Option {
	return func(e *Env) {
		e.CRLDays = days
	}
}

// NewEnv builds an Env rooted at workdir.
func NewEnv(store storage.LifecycleStore, blobs storage.BlobStore, toolchain pki.SigningToolchain, workdir string, opts ...Option) (*Env, error) {
	if store == nil || blobs == nil || toolchain == nil {
		return nil, fmt.Errorf("store, blobs and toolchain are required")
	}
	ws, err := NewWorkspace(workdir)
	if err != nil {
		return nil, err
	}
	e := &Env{
		Store:          store,
		Blobs:          blobs,
		Toolchain:      toolchain,
		Workspace:      ws,
		Clock:          clockwork.NewRealClock(),
		Logger:         slog.Default(),
		CASubject:      pki.DefaultSubject(),
		CAValidityDays: DefaultCAValidityDays,
		CRLDays:        DefaultCRLDays,
		locks:          NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.CAValidityDays < 1 || e.CRLDays < 1 {
		return nil, fmt.Errorf("CA validity and CRL days must be positive")
	}
	return e, nil
}

// now returns the current UTC time at second precision.
func (e *Env) now() time.Time {
	return e.Clock.Now().UTC().Truncate(time.Second)
}

// lock serialises operations on one common name.
func (e *Env) lock(commonName string) func() {
	return e.locks.Lock(commonName)
}

// upload stores the file at path under name.
func (e *Env) upload(ctx context.Context, name, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: opening %s: %w", ErrStorageFailure, name, err)
	}
	defer f.Close()
	id, err := e.Blobs.Put(ctx, name, f)
	if err != nil {
		return "", fmt.Errorf("%w: uploading %s: %w", ErrStorageFailure, name, err)
	}
	return id, nil
}

// download writes artifact id to path.
func (e *Env) download(ctx context.Context, id, path string) error {
	rc, err := e.Blobs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: downloading artifact %s: %w", ErrStorageFailure, id, err)
	}
	defer rc.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("%w: writing artifact %s: %w", ErrStorageFailure, id, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing artifact %s: %w", ErrStorageFailure, id, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: writing artifact %s: %w", ErrStorageFailure, id, err)
	}
	return nil
}

// finish removes the arena after success and keeps it for inspection after
// a failure.
func (e *Env) finish(arena *Arena, op string, err error) {
	if err != nil {
		e.Logger.Warn("operation failed; arena kept", "operation", op, "arena", arena.Dir, "error", err)
		return
	}
	if rmErr := arena.Remove(); rmErr != nil {
		e.Logger.Warn("removing arena", "arena", arena.Dir, "error", rmErr)
	}
}
