package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironpki/engine"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/pki"
	"github.com/jmcleod/ironpki/storage/memory"
)

// flakyCSRStore fails the first UpdateCSR call.
type flakyCSRStore struct {
	*memory.Repository
	failed atomic.Bool
}

func (s *flakyCSRStore) UpdateCSR(ctx context.Context, id string, upd model.CSRUpdate) (*model.CSR, error) {
	if s.failed.CompareAndSwap(false, true) {
		return nil, errors.New("write conflict")
	}
	return s.Repository.UpdateCSR(ctx, id, upd)
}

func TestIntake(t *testing.T) {
	h := newHarness(t, nil)
	ctx := t.Context()
	intake := engine.NewIntake(h.env, h.certs)

	rootA, err := h.cas.CreateCA(ctx, "Root-A")
	require.NoError(t, err)
	rootB, err := h.cas.CreateCA(ctx, "Root-B")
	require.NoError(t, err)

	csr, err := intake.Submit(ctx, engine.SubmitRequest{
		CommonName:   "leaf1.example.com",
		Username:     "alice",
		Organization: "Acme",
		Country:      "India",
		PublicKey:    "ssh-ed25519 AAAA",
		SigningCA:    rootA.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, model.CSRPending, csr.Status)
	assert.Equal(t, model.DefaultSubscriptionDays, csr.SubscriptionDays)
	assert.Equal(t, epoch, csr.CreatedAt)

	t.Run("authorize with submitted CA", func(t *testing.T) {
		cert, err := intake.Authorize(ctx, csr.ID, "")
		require.NoError(t, err)
		assert.Equal(t, rootA.ID, cert.IssuedBy)
		assert.Equal(t, csr.ID, cert.Requester.CSRID)
		assert.Equal(t, "ssh-ed25519 AAAA", cert.Requester.PublicKey)
		assert.Equal(t, model.DefaultSubscriptionDays, cert.SubscriptionDays)

		stored, err := h.repo.GetCSR(ctx, csr.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CSRAuthorized, stored.Status)
		assert.Equal(t, cert.ID, stored.CertificateID)

		_, err = intake.Authorize(ctx, csr.ID, "")
		require.ErrorIs(t, err, engine.ErrCSRAlreadyAuthorized)
	})

	t.Run("authorize with override CA", func(t *testing.T) {
		other, err := intake.Submit(ctx, engine.SubmitRequest{
			CommonName:       "leaf2.example.com",
			Username:         "bob",
			Organization:     "Acme",
			Country:          "GB",
			SubscriptionDays: 90,
		})
		require.NoError(t, err)

		_, err = intake.Authorize(ctx, other.ID, "")
		require.ErrorIs(t, err, engine.ErrValidationFailure)

		cert, err := intake.Authorize(ctx, other.ID, rootB.ID)
		require.NoError(t, err)
		assert.Equal(t, rootB.ID, cert.IssuedBy)
		assert.Equal(t, "Root-B", cert.CAName)
		assert.Equal(t, epoch.AddDate(0, 0, 90), cert.ExpiryDate())
	})

	t.Run("unknown CSR", func(t *testing.T) {
		_, err := intake.Authorize(ctx, "missing", rootA.ID)
		require.ErrorIs(t, err, engine.ErrCSRNotFound)
	})

	t.Run("failed issuance leaves CSR pending", func(t *testing.T) {
		pending, err := intake.Submit(ctx, engine.SubmitRequest{
			CommonName:   "leaf3.example.com",
			Username:     "carol",
			Organization: "Acme",
			Country:      "US",
			SigningCA:    "gone",
		})
		require.NoError(t, err)
		_, err = intake.Authorize(ctx, pending.ID, "")
		require.ErrorIs(t, err, engine.ErrCANotFound)

		stored, err := h.repo.GetCSR(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CSRPending, stored.Status)
	})

	csrs, err := intake.List(ctx)
	require.NoError(t, err)
	assert.Len(t, csrs, 3)
}

func TestIntakeSubmitValidation(t *testing.T) {
	h := newHarness(t, nil)
	intake := engine.NewIntake(h.env, h.certs)

	for name, req := range map[string]engine.SubmitRequest{
		"no common name":  {Username: "a", Organization: "o", Country: "IN"},
		"no username":     {CommonName: "x", Organization: "o", Country: "IN"},
		"no organization": {CommonName: "x", Username: "a", Country: "IN"},
		"no country":      {CommonName: "x", Username: "a", Organization: "o"},
		"negative days":   {CommonName: "x", Username: "a", Organization: "o", Country: "IN", SubscriptionDays: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := intake.Submit(t.Context(), req)
			require.ErrorIs(t, err, engine.ErrValidationFailure)
		})
	}

	csrs, err := intake.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, csrs)
}

func TestIntakeAuthorizeRetryAfterCSRUpdateFailure(t *testing.T) {
	ctx := t.Context()
	clock := clockwork.NewFakeClockAt(epoch)
	repo := memory.NewRepository()
	store := &flakyCSRStore{Repository: repo}
	env, err := engine.NewEnv(store, repo, pki.NewNativeToolchain(pki.WithClock(clock)), t.TempDir(), engine.WithClock(clock))
	require.NoError(t, err)
	certs := engine.NewCertificateEngine(env)
	intake := engine.NewIntake(env, certs)

	ca, err := engine.NewCAEngine(env).CreateCA(ctx, "Root-A")
	require.NoError(t, err)
	csr, err := intake.Submit(ctx, engine.SubmitRequest{
		CommonName:   "leaf1.example.com",
		Username:     "alice",
		Organization: "Acme",
		Country:      "IN",
		SigningCA:    ca.ID,
	})
	require.NoError(t, err)

	first, err := intake.Authorize(ctx, csr.ID, "")
	require.ErrorIs(t, err, engine.ErrMetadataFailure)
	require.NotNil(t, first)

	stored, err := repo.GetCSR(ctx, csr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CSRPending, stored.Status)

	second, err := intake.Authorize(ctx, csr.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := repo.ListCertificates(ctx)
	require.NoError(t, err)
	var issued int
	for _, c := range all {
		if c.Requester.CSRID == csr.ID {
			issued++
		}
	}
	assert.Equal(t, 1, issued)

	stored, err = repo.GetCSR(ctx, csr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CSRAuthorized, stored.Status)
	assert.Equal(t, first.ID, stored.CertificateID)
}
