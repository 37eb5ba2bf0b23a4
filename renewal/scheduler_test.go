package renewal_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironpki/engine"
	"github.com/jmcleod/ironpki/internal/metrics"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/pki"
	"github.com/jmcleod/ironpki/renewal"
	"github.com/jmcleod/ironpki/storage/memory"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// fakeRenewer moves DateAuthorized to now, failing for ids in fail.
type fakeRenewer struct {
	store *memory.Repository
	clock clockwork.Clock

	mu      sync.Mutex
	calls   []string
	fail    map[string]bool
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeRenewer) Renew(ctx context.Context, cert model.Certificate) (*model.Certificate, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cert.ID)
	fail := f.fail[cert.ID]
	f.mu.Unlock()

	if f.block != nil {
		f.entered <- struct{}{}
		<-f.block
	}
	if fail {
		return nil, fmt.Errorf("%w: toolchain exploded", engine.ErrSigningFailure)
	}
	now := f.clock.Now().UTC()
	return f.store.UpdateCertificate(ctx, cert.ID, model.CertificateUpdate{DateAuthorized: &now})
}

func (f *fakeRenewer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func seed(t *testing.T, repo *memory.Repository, cn string, authorized time.Time, days int) *model.Certificate {
	t.Helper()
	cert := &model.Certificate{
		CommonName:       cn,
		IssuedBy:         "ca-1",
		ArtifactID:       "artifact-" + cn,
		Requester:        model.RequesterIdentity{Username: "alice", Country: "IN", Organization: "Acme"},
		DateAuthorized:   authorized,
		SubscriptionDays: days,
	}
	require.NoError(t, repo.CreateCertificate(t.Context(), cert))
	return cert
}

func newScheduler(t *testing.T, renewer renewal.Renewer, repo *memory.Repository, clock clockwork.Clock, cfg renewal.Config, opts ...renewal.Option) *renewal.Scheduler {
	t.Helper()
	opts = append([]renewal.Option{renewal.WithClock(clock)}, opts...)
	s, err := renewal.New(repo, renewer, cfg, opts...)
	require.NoError(t, err)
	return s
}

func TestSweepRenewsOnlyExpired(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	repo := memory.NewRepository()
	renewer := &fakeRenewer{store: repo, clock: clock}
	reg := prometheus.NewRegistry()
	s := newScheduler(t, renewer, repo, clock, renewal.Config{}, renewal.WithMetrics(metrics.New(reg)))

	expired := map[string]bool{}
	for i, age := range []int{40, 5, 31, 1, 30} {
		cert := seed(t, repo, fmt.Sprintf("leaf%d.example.com", i), epoch.AddDate(0, 0, -age), 30)
		if age >= 30 {
			expired[cert.ID] = true
		}
	}
	require.Len(t, expired, 3)

	report, err := s.Sweep(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Due)
	assert.Len(t, report.Renewed, 3)
	assert.Empty(t, report.Failed)
	for _, id := range report.Renewed {
		assert.True(t, expired[id])
	}

	certs, err := repo.ListCertificates(t.Context())
	require.NoError(t, err)
	for _, c := range certs {
		assert.Equal(t, model.StateValid, c.StateAt(clock.Now()), c.CommonName)
		assert.Equal(t, model.StateValid, s.State(c))
	}

	last, ok := s.LastReport()
	require.True(t, ok)
	assert.Equal(t, report, last)

	again, err := s.Sweep(t.Context())
	require.NoError(t, err)
	assert.Zero(t, again.Due)
	assert.Equal(t, 3, renewer.callCount())
}

func TestSweepIsolatesFailures(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	repo := memory.NewRepository()
	bad := seed(t, repo, "bad.example.com", epoch.AddDate(0, 0, -60), 30)
	good := seed(t, repo, "good.example.com", epoch.AddDate(0, 0, -45), 30)
	renewer := &fakeRenewer{store: repo, clock: clock, fail: map[string]bool{bad.ID: true}}
	s := newScheduler(t, renewer, repo, clock, renewal.Config{})

	report, err := s.Sweep(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{good.ID}, report.Renewed)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, bad.ID, report.Failed[0].CertificateID)
	assert.Equal(t, 1, report.Failed[0].Attempts)
	assert.Contains(t, report.Failed[0].Error, "toolchain exploded")

	stored, err := repo.GetCertificate(t.Context(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, s.State(*stored))

	// Default policy retries on every sweep.
	report, err = s.Sweep(t.Context())
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 2, report.Failed[0].Attempts)
}

func TestSweepRetryPolicy(t *testing.T) {
	t.Run("max attempts", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		repo := memory.NewRepository()
		bad := seed(t, repo, "bad.example.com", epoch.AddDate(0, 0, -60), 30)
		renewer := &fakeRenewer{store: repo, clock: clock, fail: map[string]bool{bad.ID: true}}
		s := newScheduler(t, renewer, repo, clock, renewal.Config{Retry: renewal.RetryPolicy{MaxAttempts: 2}})

		for range 2 {
			report, err := s.Sweep(t.Context())
			require.NoError(t, err)
			require.Len(t, report.Failed, 1)
		}
		report, err := s.Sweep(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{bad.ID}, report.Skipped)
		assert.Equal(t, 2, renewer.callCount())
	})

	t.Run("backoff", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(epoch)
		repo := memory.NewRepository()
		bad := seed(t, repo, "bad.example.com", epoch.AddDate(0, 0, -60), 30)
		renewer := &fakeRenewer{store: repo, clock: clock, fail: map[string]bool{bad.ID: true}}
		s := newScheduler(t, renewer, repo, clock, renewal.Config{Retry: renewal.RetryPolicy{
			Backoff: []time.Duration{time.Hour, 6 * time.Hour},
		}})

		_, err := s.Sweep(t.Context())
		require.NoError(t, err)
		report, err := s.Sweep(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{bad.ID}, report.Skipped)

		clock.Advance(time.Hour)
		report, err = s.Sweep(t.Context())
		require.NoError(t, err)
		require.Len(t, report.Failed, 1)
		assert.Equal(t, 2, report.Failed[0].Attempts)

		clock.Advance(5 * time.Hour)
		report, err = s.Sweep(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{bad.ID}, report.Skipped)

		clock.Advance(time.Hour)
		renewer.mu.Lock()
		renewer.fail = nil
		renewer.mu.Unlock()
		report, err = s.Sweep(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{bad.ID}, report.Renewed)
		assert.Equal(t, 3, renewer.callCount())
	})
}

func TestStateRenewing(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	repo := memory.NewRepository()
	cert := seed(t, repo, "leaf1.example.com", epoch.AddDate(0, 0, -31), 30)
	renewer := &fakeRenewer{store: repo, clock: clock, block: make(chan struct{}), entered: make(chan struct{})}
	s := newScheduler(t, renewer, repo, clock, renewal.Config{})

	done := make(chan error)
	go func() {
		_, err := s.Sweep(context.Background())
		done <- err
	}()
	<-renewer.entered
	assert.Equal(t, model.StateRenewing, s.State(*cert))
	close(renewer.block)
	require.NoError(t, <-done)

	stored, err := repo.GetCertificate(t.Context(), cert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateValid, s.State(*stored))
}

func TestSweepCancelled(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	repo := memory.NewRepository()
	seed(t, repo, "leaf1.example.com", epoch.AddDate(0, 0, -31), 30)
	renewer := &fakeRenewer{store: repo, clock: clock}
	s := newScheduler(t, renewer, repo, clock, renewal.Config{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := s.Sweep(ctx)
	require.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, renewer.callCount())
}

func TestNewRejectsBadSchedule(t *testing.T) {
	repo := memory.NewRepository()
	renewer := &fakeRenewer{store: repo, clock: clockwork.NewRealClock()}

	_, err := renewal.New(repo, renewer, renewal.Config{Cron: "every day please"})
	assert.Error(t, err)
	_, err = renewal.New(repo, renewer, renewal.Config{Interval: -time.Minute})
	assert.Error(t, err)

	s, err := renewal.New(repo, renewer, renewal.Config{Cron: "0 0 * * *"})
	require.NoError(t, err)
	require.NoError(t, s.Stop())
}

func TestSchedulerRunOnStart(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	repo := memory.NewRepository()
	seed(t, repo, "leaf1.example.com", epoch.AddDate(0, 0, -31), 30)
	renewer := &fakeRenewer{store: repo, clock: clock}
	reg := prometheus.NewRegistry()
	s := newScheduler(t, renewer, repo, clock, renewal.Config{Interval: time.Hour, RunOnStart: true},
		renewal.WithMetrics(metrics.New(reg)))

	s.Start(t.Context())
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, func() bool {
		_, ok := s.LastReport()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	report, _ := s.LastReport()
	assert.Len(t, report.Renewed, 1)

	count, err := testutil.GatherAndCount(reg, "ironpki_renewal_sweeps_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEndToEndRenewal(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	repo := memory.NewRepository()
	env, err := engine.NewEnv(repo, repo, pki.NewNativeToolchain(pki.WithClock(clock)), t.TempDir(), engine.WithClock(clock))
	require.NoError(t, err)
	ctx := t.Context()

	ca, err := engine.NewCAEngine(env).CreateCA(ctx, "Root-A")
	require.NoError(t, err)
	certs := engine.NewCertificateEngine(env)
	cert, err := certs.Issue(ctx, engine.IssueRequest{
		CommonName:       "leaf1.example.com",
		CAID:             ca.ID,
		Requester:        model.RequesterIdentity{Username: "alice", Country: "India", Organization: "Acme"},
		SubscriptionDays: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, epoch.AddDate(0, 0, 30), cert.ExpiryDate())

	s := newScheduler(t, certs, repo, clock, renewal.Config{})
	report, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Due)

	clock.Advance(31 * 24 * time.Hour)
	now := clock.Now().UTC()
	assert.Equal(t, model.StateExpired, s.State(*cert))

	report, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{cert.ID}, report.Renewed)

	renewed, err := repo.GetCertificate(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, ca.ID, renewed.IssuedBy)
	assert.Equal(t, now, renewed.DateAuthorized)
	assert.Equal(t, now.AddDate(0, 0, 30), renewed.ExpiryDate())
	assert.NotEqual(t, cert.ArtifactID, renewed.ArtifactID)
	assert.Equal(t, model.StateValid, s.State(*renewed))
}
