package mongo

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jmcleod/ironpki/internal/uuid"
	"github.com/jmcleod/ironpki/storage"
	"github.com/jmcleod/ironpki/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("IRONPKI_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("IRONPKI_TEST_MONGO_URI not set; skipping MongoDB tests")
	}

	// Every test gets its own database so runs never see each other's data.
	dbName := "ironpki_test_" + strings.ReplaceAll(uuid.New(), "-", "")[:12]
	s, err := Open(t.Context(), Options{URI: uri, Database: dbName})
	if err != nil {
		t.Fatalf("could not open mongo store: %v", err)
	}
	t.Cleanup(func() {
		s.db.Drop(context.Background()) //nolint:errcheck
		s.Close()
	})
	return s
}

func TestMongoStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return newTestStore(t)
	})
}

func TestArtifactsLandInConfiguredBucket(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	id, err := s.Put(ctx, "ca.crt", strings.NewReader("pem"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	n, err := s.db.Collection(DefaultBucket+".files").CountDocuments(ctx, map[string]any{"filename": "ca.crt"})
	if err != nil {
		t.Fatalf("CountDocuments failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one file document in %s.files, got %d (id %s)", DefaultBucket, n, id)
	}
}
