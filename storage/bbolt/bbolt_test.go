package bbolt

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/storage"
	"github.com/jmcleod/ironpki/storage/storagetest"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("failed to open bbolt store: %v", err)
	}
	return s
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		s := openStore(t, filepath.Join(t.TempDir(), "ironpki.db"))
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ironpki.db")
	ctx := t.Context()

	s := openStore(t, path)
	blobID, err := s.Put(ctx, "ca.crt", strings.NewReader("pem"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	ca := &model.CertificateAuthority{CommonName: "Root-A", KeyArtifactID: "k", CertArtifactID: blobID, SerialArtifactID: "s", CreatedAt: time.Now().UTC()}
	if err := s.CreateCA(ctx, ca); err != nil {
		t.Fatalf("CreateCA failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s = openStore(t, path)
	defer s.Close()

	got, err := s.GetCA(ctx, ca.ID)
	if err != nil {
		t.Fatalf("GetCA after reopen failed: %v", err)
	}
	if got.CertArtifactID != blobID {
		t.Errorf("expected cert artifact %s, got %s", blobID, got.CertArtifactID)
	}

	// The common-name index survives too.
	dup := &model.CertificateAuthority{CommonName: "Root-A"}
	if err := s.CreateCA(ctx, dup); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict after reopen, got %v", err)
	}
}

func TestStoreLockedByAnotherHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ironpki.db")
	s := openStore(t, path)
	defer s.Close()

	_, err := NewRepositoryFromFile(path, &bbolt.Options{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, storage.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if !strings.Contains(err.Error(), path) {
		t.Errorf("error should name the database file: %v", err)
	}
}
