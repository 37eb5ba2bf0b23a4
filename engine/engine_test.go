package engine_test

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironpki/engine"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/pki"
	"github.com/jmcleod/ironpki/storage"
	"github.com/jmcleod/ironpki/storage/memory"
)

var epoch = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

type harness struct {
	env   *engine.Env
	repo  *memory.Repository
	clock *clockwork.FakeClock
	cas   *engine.CAEngine
	certs *engine.CertificateEngine
}

// stubToolchain wraps the native toolchain and can break SignCSR.
type stubToolchain struct {
	pki.SigningToolchain
	signErr    error
	skipOutput bool
}

func (s *stubToolchain) SignCSR(ctx context.Context, req pki.SignRequest) error {
	if s.signErr != nil {
		return s.signErr
	}
	if s.skipOutput {
		return nil
	}
	return s.SigningToolchain.SignCSR(ctx, req)
}

// failingBlobs rejects every upload.
type failingBlobs struct {
	storage.BlobStore
}

func (failingBlobs) Put(context.Context, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

func newHarness(t *testing.T, wrap func(pki.SigningToolchain) pki.SigningToolchain, opts ...engine.Option) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	var tc pki.SigningToolchain = pki.NewNativeToolchain(pki.WithClock(clock))
	if wrap != nil {
		tc = wrap(tc)
	}
	repo := memory.NewRepository()
	opts = append([]engine.Option{engine.WithClock(clock)}, opts...)
	env, err := engine.NewEnv(repo, repo, tc, t.TempDir(), opts...)
	require.NoError(t, err)
	certs := engine.NewCertificateEngine(env)
	return &harness{env: env, repo: repo, clock: clock, cas: engine.NewCAEngine(env), certs: certs}
}

func requester() model.RequesterIdentity {
	return model.RequesterIdentity{Username: "alice", Country: "India", Organization: "Acme"}
}

func fetchCert(t *testing.T, blobs storage.BlobStore, id string) *x509.Certificate {
	t.Helper()
	rc, err := blobs.Get(t.Context(), id)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	cert, err := pki.ParseCertificate(data)
	require.NoError(t, err)
	return cert
}

func opsEntries(t *testing.T, env *engine.Env) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(env.Workspace.Root(), "ops"))
	require.NoError(t, err)
	return entries
}

func TestCreateCA(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	ca, err := h.cas.CreateCA(ctx, "Root-A")
	require.NoError(t, err)
	assert.NotEmpty(t, ca.ID)
	assert.Equal(t, "Root-A", ca.CommonName)
	assert.Equal(t, epoch, ca.CreatedAt)
	assert.WithinDuration(t, epoch.AddDate(0, 0, engine.DefaultCAValidityDays), ca.NotAfter, time.Second)
	assert.Empty(t, ca.IntermediateArtifactID)

	for _, id := range []string{ca.KeyArtifactID, ca.CertArtifactID, ca.SerialArtifactID, ca.CRLArtifactID} {
		rc, err := h.repo.Get(ctx, id)
		require.NoError(t, err)
		rc.Close()
	}

	caCert := fetchCert(t, h.repo, ca.CertArtifactID)
	assert.True(t, caCert.IsCA)
	assert.Equal(t, "Root-A", caCert.Subject.CommonName)
	assert.Equal(t, []string{"US"}, caCert.Subject.Country)

	for _, name := range []string{pki.CAKeyFile, pki.CACertFile, pki.CASerialFile, pki.CRLFile} {
		assert.FileExists(t, filepath.Join(h.env.Workspace.ArchiveDir("Root-A"), name))
	}
	assert.Empty(t, opsEntries(t, h.env))

	stored, err := h.repo.GetCA(ctx, ca.ID)
	require.NoError(t, err)
	assert.Equal(t, ca, stored)
}

func TestCreateCAArchiveConflict(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()

	require.NoError(t, os.Mkdir(h.env.Workspace.ArchiveDir("Root-A"), 0o700))
	_, err := h.cas.CreateCA(ctx, "Root-A")
	require.ErrorIs(t, err, engine.ErrArchiveConflict)

	cas, err := h.repo.ListCAs(ctx)
	require.NoError(t, err)
	assert.Empty(t, cas)
	assert.Empty(t, opsEntries(t, h.env), "conflict is detected before any signing")

	_, err = h.cas.CreateCA(ctx, "Root-B")
	require.NoError(t, err)
	_, err = h.cas.CreateCA(ctx, "Root-B")
	require.ErrorIs(t, err, engine.ErrArchiveConflict)

	cas, err = h.repo.ListCAs(ctx)
	require.NoError(t, err)
	assert.Len(t, cas, 1)
}

func TestCreateCAValidation(t *testing.T) {
	h := newHarness(t, nil)
	for _, cn := range []string{"", ".", "..", "a/b", `a\b`, "bad\x00name"} {
		_, err := h.cas.CreateCA(t.Context(), cn)
		assert.ErrorIs(t, err, engine.ErrValidationFailure, "cn %q", cn)
	}
}

func TestCreateCAStorageFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	repo := memory.NewRepository()
	env, err := engine.NewEnv(repo, failingBlobs{repo}, pki.NewNativeToolchain(pki.WithClock(clock)), t.TempDir(), engine.WithClock(clock))
	require.NoError(t, err)

	_, err = engine.NewCAEngine(env).CreateCA(t.Context(), "Root-A")
	require.ErrorIs(t, err, engine.ErrStorageFailure)

	cas, err := repo.ListCAs(t.Context())
	require.NoError(t, err)
	assert.Empty(t, cas)
	assert.Len(t, opsEntries(t, env), 1, "arena is kept after a failure")
}

func TestCreateCAArchiveUnreadable(t *testing.T) {
	h := newHarness(t, nil)
	archive := filepath.Join(h.env.Workspace.Root(), "archive")
	require.NoError(t, os.RemoveAll(archive))
	require.NoError(t, os.WriteFile(archive, []byte("not a directory"), 0o600))

	_, err := h.cas.CreateCA(t.Context(), "Root-A")
	require.ErrorIs(t, err, engine.ErrStorageFailure)
	assert.NotErrorIs(t, err, engine.ErrArchiveConflict)

	cas, err := h.repo.ListCAs(t.Context())
	require.NoError(t, err)
	assert.Empty(t, cas)
}

func TestCreateCAIntermediate(t *testing.T) {
	h := newHarness(t, nil, engine.WithIntermediateSubject(pki.Subject{CommonName: "Root-A Intermediate"}))

	ca, err := h.cas.CreateCA(t.Context(), "Root-A")
	require.NoError(t, err)
	require.NotEmpty(t, ca.IntermediateArtifactID)

	root := fetchCert(t, h.repo, ca.CertArtifactID)
	assert.True(t, root.IsCA, "the CA certificate is not replaced by the intermediate step")
	inter := fetchCert(t, h.repo, ca.IntermediateArtifactID)
	assert.Equal(t, "Root-A Intermediate", inter.Subject.CommonName)
	require.NoError(t, inter.CheckSignatureFrom(root))
}

func TestIssue(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()
	ca, err := h.cas.CreateCA(ctx, "Root-A")
	require.NoError(t, err)

	for _, days := range []int{1, 30, 365, 3650} {
		t.Run(fmt.Sprintf("%d days", days), func(t *testing.T) {
			cn := fmt.Sprintf("leaf-%d.example.com", days)
			cert, err := h.certs.Issue(ctx, engine.IssueRequest{
				CommonName:       cn,
				CAID:             ca.ID,
				Requester:        requester(),
				SubscriptionDays: days,
			})
			require.NoError(t, err)
			assert.Equal(t, ca.ID, cert.IssuedBy)
			assert.Equal(t, "Root-A", cert.CAName)
			assert.Equal(t, epoch, cert.DateAuthorized)
			assert.Equal(t, epoch.AddDate(0, 0, days), cert.ExpiryDate())
			assert.Equal(t, model.StateValid, cert.StateAt(h.clock.Now()))

			leaf := fetchCert(t, h.repo, cert.ArtifactID)
			assert.Equal(t, cn, leaf.Subject.CommonName)
			assert.Equal(t, []string{"IN"}, leaf.Subject.Country)
			assert.Equal(t, []string{"Acme"}, leaf.Subject.Organization)
			assert.WithinDuration(t, cert.ExpiryDate(), leaf.NotAfter, time.Second)
			require.NoError(t, leaf.CheckSignatureFrom(fetchCert(t, h.repo, ca.CertArtifactID)))

			rc, err := h.repo.Get(ctx, cert.KeyArtifactID)
			require.NoError(t, err)
			rc.Close()

			stored, err := h.repo.GetCertificate(ctx, cert.ID)
			require.NoError(t, err)
			assert.Equal(t, cert, stored)
		})
	}
	assert.Empty(t, opsEntries(t, h.env))
}

func TestIssueCANotFound(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.certs.Issue(t.Context(), engine.IssueRequest{
		CommonName:       "leaf1.example.com",
		CAID:             "no-such-ca",
		Requester:        requester(),
		SubscriptionDays: 30,
	})
	require.ErrorIs(t, err, engine.ErrCANotFound)

	certs, err := h.repo.ListCertificates(t.Context())
	require.NoError(t, err)
	assert.Empty(t, certs)
	assert.Empty(t, opsEntries(t, h.env))
}

func TestIssueValidation(t *testing.T) {
	h := newHarness(t, nil)
	valid := engine.IssueRequest{CommonName: "leaf1.example.com", CAID: "ca", Requester: requester(), SubscriptionDays: 30}

	tests := map[string]func(*engine.IssueRequest){
		"no common name":  func(r *engine.IssueRequest) { r.CommonName = "" },
		"no CA":           func(r *engine.IssueRequest) { r.CAID = "" },
		"no username":     func(r *engine.IssueRequest) { r.Requester.Username = "" },
		"no country":      func(r *engine.IssueRequest) { r.Requester.Country = "" },
		"no organization": func(r *engine.IssueRequest) { r.Requester.Organization = "" },
		"zero days":       func(r *engine.IssueRequest) { r.SubscriptionDays = 0 },
		"negative days":   func(r *engine.IssueRequest) { r.SubscriptionDays = -5 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			req := valid
			mutate(&req)
			_, err := h.certs.Issue(t.Context(), req)
			require.ErrorIs(t, err, engine.ErrValidationFailure)
		})
	}
}

func TestIssueToolchainFailures(t *testing.T) {
	tests := map[string]struct {
		stub  *stubToolchain
		want  error
		cause error
	}{
		"exit status": {
			stub:  &stubToolchain{signErr: &pki.ExecError{Op: "openssl x509 -req", ExitCode: 1, Stderr: "bad CA key"}},
			want:  engine.ErrSigningFailure,
			cause: pki.ErrToolchain,
		},
		"timeout": {
			stub:  &stubToolchain{signErr: fmt.Errorf("openssl x509 -req after 30s: %w", pki.ErrToolchainTimeout)},
			want:  engine.ErrSigningTimeout,
			cause: pki.ErrToolchainTimeout,
		},
		"missing output": {
			stub:  &stubToolchain{skipOutput: true},
			want:  engine.ErrSigningFailure,
			cause: pki.ErrMissingOutput,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, func(inner pki.SigningToolchain) pki.SigningToolchain {
				tc.stub.SigningToolchain = inner
				return tc.stub
			})
			ctx := t.Context()
			ca, err := h.cas.CreateCA(ctx, "Root-A")
			require.NoError(t, err)

			_, err = h.certs.Issue(ctx, engine.IssueRequest{
				CommonName:       "leaf1.example.com",
				CAID:             ca.ID,
				Requester:        requester(),
				SubscriptionDays: 30,
			})
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, tc.cause)

			certs, err := h.repo.ListCertificates(ctx)
			require.NoError(t, err)
			assert.Empty(t, certs)
		})
	}
}

func TestRenewKeepsIssuer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()
	ca, err := h.cas.CreateCA(ctx, "Root-A")
	require.NoError(t, err)
	cert, err := h.certs.Issue(ctx, engine.IssueRequest{
		CommonName:       "leaf1.example.com",
		CAID:             ca.ID,
		Requester:        requester(),
		SubscriptionDays: 30,
	})
	require.NoError(t, err)

	h.clock.Advance(10 * 24 * time.Hour)
	now := h.clock.Now().UTC()
	require.Equal(t, model.StateValid, cert.StateAt(now))

	renewed, err := h.certs.Renew(ctx, *cert)
	require.NoError(t, err)
	assert.Equal(t, cert.ID, renewed.ID)
	assert.Equal(t, ca.ID, renewed.IssuedBy)
	assert.Equal(t, 30, renewed.SubscriptionDays)
	assert.Equal(t, now, renewed.DateAuthorized)
	assert.Equal(t, now.AddDate(0, 0, 30), renewed.ExpiryDate())
	assert.NotEqual(t, cert.ArtifactID, renewed.ArtifactID)
	assert.NotEqual(t, cert.KeyArtifactID, renewed.KeyArtifactID)
	assert.Equal(t, cert.Requester, renewed.Requester)

	leaf := fetchCert(t, h.repo, renewed.ArtifactID)
	assert.WithinDuration(t, renewed.ExpiryDate(), leaf.NotAfter, time.Second)

	stored, err := h.repo.GetCertificate(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, renewed, stored)
}

func TestRenewCANotFound(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()
	orphan := &model.Certificate{
		CommonName:       "leaf1.example.com",
		IssuedBy:         "deleted-ca",
		ArtifactID:       "old",
		Requester:        requester(),
		DateAuthorized:   epoch.AddDate(0, 0, -40),
		SubscriptionDays: 30,
	}
	require.NoError(t, h.repo.CreateCertificate(ctx, orphan))

	_, err := h.certs.Renew(ctx, *orphan)
	require.ErrorIs(t, err, engine.ErrCANotFound)

	stored, err := h.repo.GetCertificate(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, orphan, stored)
}

func TestConcurrentIssue(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()
	ca, err := h.cas.CreateCA(ctx, "Root-A")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.certs.Issue(ctx, engine.IssueRequest{
				CommonName:       fmt.Sprintf("leaf%d.example.com", i%3),
				CAID:             ca.ID,
				Requester:        requester(),
				SubscriptionDays: 30,
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	certs, err := h.repo.ListCertificates(ctx)
	require.NoError(t, err)
	assert.Len(t, certs, n)
	assert.Empty(t, opsEntries(t, h.env))
}
