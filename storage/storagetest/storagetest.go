// Package storagetest holds the behavioural checks every storage backend must
// pass. Backend packages call Run from their own tests.
package storagetest

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/ironpki/internal/uuid"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/storage"
)

// Run exercises newBackend against the storage.Backend contract. Each subtest
// gets a fresh backend.
func Run(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	t.Helper()

	t.Run("BlobRoundTrip", func(t *testing.T) {
		b := newBackend(t)
		ctx := t.Context()

		payload := []byte("-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n")
		id, err := b.Put(ctx, "ca.crt", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if id == "" {
			t.Fatal("Put returned an empty id")
		}

		rc, err := b.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("reading artifact: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("expected %q, got %q", payload, got)
		}

		id2, err := b.Put(ctx, "ca.crt", strings.NewReader("second"))
		if err != nil {
			t.Fatalf("second Put failed: %v", err)
		}
		if id2 == id {
			t.Error("two puts of the same name must get distinct ids")
		}
	})

	t.Run("BlobNotFound", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Get(t.Context(), "000000000000000000000000")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		_, err = b.Get(t.Context(), "not-an-id")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for malformed id, got %v", err)
		}
	})

	t.Run("CertificateAuthorities", func(t *testing.T) {
		b := newBackend(t)
		ctx := t.Context()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		second := &model.CertificateAuthority{ID: uuid.New(), CommonName: "Root-B", KeyArtifactID: "k2", CertArtifactID: "c2", SerialArtifactID: "s2", CreatedAt: base.Add(time.Hour), NotAfter: base.AddDate(10, 0, 0)}
		first := &model.CertificateAuthority{ID: uuid.New(), CommonName: "Root-A", KeyArtifactID: "k1", CertArtifactID: "c1", SerialArtifactID: "s1", CRLArtifactID: "crl1", CreatedAt: base, NotAfter: base.AddDate(10, 0, 0)}
		for _, ca := range []*model.CertificateAuthority{second, first} {
			if err := b.CreateCA(ctx, ca); err != nil {
				t.Fatalf("CreateCA(%s) failed: %v", ca.CommonName, err)
			}
		}

		got, err := b.GetCA(ctx, first.ID)
		if err != nil {
			t.Fatalf("GetCA failed: %v", err)
		}
		if got.CommonName != "Root-A" || got.CRLArtifactID != "crl1" || !got.CreatedAt.Equal(base) {
			t.Errorf("unexpected CA: %+v", got)
		}

		dup := &model.CertificateAuthority{ID: uuid.New(), CommonName: "Root-A", KeyArtifactID: "k", CertArtifactID: "c", SerialArtifactID: "s", CreatedAt: base}
		if err := b.CreateCA(ctx, dup); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("expected ErrConflict for duplicate common name, got %v", err)
		}

		list, err := b.ListCAs(ctx)
		if err != nil {
			t.Fatalf("ListCAs failed: %v", err)
		}
		if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
			t.Errorf("ListCAs not ordered by creation: %+v", list)
		}

		if _, err := b.GetCA(ctx, uuid.New()); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Certificates", func(t *testing.T) {
		b := newBackend(t)
		ctx := t.Context()
		now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		mk := func(cn string, authorized time.Time, days int) *model.Certificate {
			return &model.Certificate{
				ID:               uuid.New(),
				CommonName:       cn,
				IssuedBy:         "ca-1",
				CAName:           "Root-A",
				ArtifactID:       "art-" + cn,
				KeyArtifactID:    "key-" + cn,
				Requester:        model.RequesterIdentity{Username: "alice", Country: "IN", Organization: "Acme"},
				DateAuthorized:   authorized,
				SubscriptionDays: days,
			}
		}
		expired := mk("old.example.com", now.AddDate(0, 0, -40), 30)
		edge := mk("edge.example.com", now.AddDate(0, 0, -30), 30)
		valid := mk("new.example.com", now.AddDate(0, 0, -1), 30)
		for _, c := range []*model.Certificate{valid, expired, edge} {
			if err := b.CreateCertificate(ctx, c); err != nil {
				t.Fatalf("CreateCertificate(%s) failed: %v", c.CommonName, err)
			}
		}

		all, err := b.ListCertificates(ctx)
		if err != nil {
			t.Fatalf("ListCertificates failed: %v", err)
		}
		if len(all) != 3 || all[0].ID != expired.ID || all[2].ID != valid.ID {
			t.Errorf("ListCertificates not ordered by authorisation: %+v", all)
		}

		due, err := b.ListCertificatesExpiringBy(ctx, now)
		if err != nil {
			t.Fatalf("ListCertificatesExpiringBy failed: %v", err)
		}
		if len(due) != 2 || due[0].ID != expired.ID || due[1].ID != edge.ID {
			t.Errorf("expected old and edge certificates due, got %+v", due)
		}

		renewed := now
		art := "art-renewed"
		updated, err := b.UpdateCertificate(ctx, expired.ID, model.CertificateUpdate{ArtifactID: &art, DateAuthorized: &renewed})
		if err != nil {
			t.Fatalf("UpdateCertificate failed: %v", err)
		}
		if updated.ArtifactID != art || !updated.ExpiryDate().Equal(now.AddDate(0, 0, 30)) {
			t.Errorf("unexpected update result: %+v", updated)
		}
		if updated.IssuedBy != "ca-1" || updated.Requester.Country != "IN" || updated.KeyArtifactID != "key-old.example.com" {
			t.Errorf("update touched fields it should not: %+v", updated)
		}

		reloaded, err := b.GetCertificate(ctx, expired.ID)
		if err != nil {
			t.Fatalf("GetCertificate failed: %v", err)
		}
		if reloaded.ArtifactID != art || !reloaded.DateAuthorized.Equal(now) {
			t.Errorf("update not persisted: %+v", reloaded)
		}

		due, err = b.ListCertificatesExpiringBy(ctx, now)
		if err != nil {
			t.Fatalf("ListCertificatesExpiringBy failed: %v", err)
		}
		if len(due) != 1 || due[0].ID != edge.ID {
			t.Errorf("expected only edge certificate due after renewal, got %+v", due)
		}

		if _, err := b.UpdateCertificate(ctx, uuid.New(), model.CertificateUpdate{ArtifactID: &art}); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := b.GetCertificate(ctx, uuid.New()); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentPartialUpdates", func(t *testing.T) {
		b := newBackend(t)
		ctx := t.Context()
		authorized := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		ids := make([]string, 8)
		for i := range ids {
			c := &model.Certificate{
				ID:               uuid.New(),
				CommonName:       "leaf.example.com",
				IssuedBy:         "ca-1",
				ArtifactID:       "art-old",
				KeyArtifactID:    "key-old",
				Requester:        model.RequesterIdentity{Username: "alice", Country: "IN", Organization: "Acme"},
				DateAuthorized:   authorized,
				SubscriptionDays: 30,
			}
			if err := b.CreateCertificate(ctx, c); err != nil {
				t.Fatalf("CreateCertificate failed: %v", err)
			}
			ids[i] = c.ID
		}

		// Each update touches a different field; none may be lost.
		art, key, days := "art-new", "key-new", 90
		renewed := authorized.AddDate(0, 0, 1)
		updates := []model.CertificateUpdate{
			{ArtifactID: &art},
			{KeyArtifactID: &key},
			{DateAuthorized: &renewed},
			{SubscriptionDays: &days},
		}
		var wg sync.WaitGroup
		errs := make(chan error, len(ids)*len(updates))
		for _, id := range ids {
			for _, upd := range updates {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := b.UpdateCertificate(ctx, id, upd); err != nil {
						errs <- err
					}
				}()
			}
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("UpdateCertificate failed: %v", err)
		}

		for _, id := range ids {
			got, err := b.GetCertificate(ctx, id)
			if err != nil {
				t.Fatalf("GetCertificate failed: %v", err)
			}
			if got.ArtifactID != art || got.KeyArtifactID != key || !got.DateAuthorized.Equal(renewed) || got.SubscriptionDays != days {
				t.Errorf("lost update on %s: %+v", id, got)
			}
		}
	})

	t.Run("CSRs", func(t *testing.T) {
		b := newBackend(t)
		ctx := t.Context()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		csr := &model.CSR{ID: uuid.New(), CommonName: "leaf.example.com", Username: "bob", Organization: "Acme", Country: "India", SigningCA: "ca-1", SubscriptionDays: 365, Status: model.CSRPending, CreatedAt: base}
		if err := b.CreateCSR(ctx, csr); err != nil {
			t.Fatalf("CreateCSR failed: %v", err)
		}

		got, err := b.UpdateCSR(ctx, csr.ID, model.CSRUpdate{Status: model.CSRAuthorized, CertificateID: "cert-1"})
		if err != nil {
			t.Fatalf("UpdateCSR failed: %v", err)
		}
		if got.Status != model.CSRAuthorized || got.CertificateID != "cert-1" || got.Username != "bob" {
			t.Errorf("unexpected CSR after update: %+v", got)
		}

		list, err := b.ListCSRs(ctx)
		if err != nil {
			t.Fatalf("ListCSRs failed: %v", err)
		}
		if len(list) != 1 || list[0].Status != model.CSRAuthorized {
			t.Errorf("unexpected CSR list: %+v", list)
		}

		if _, err := b.GetCSR(ctx, uuid.New()); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
