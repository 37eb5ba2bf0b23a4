package memory

import (
	"bytes"
	"io"
	"testing"

	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/storage"
	"github.com/jmcleod/ironpki/storage/storagetest"
)

func TestRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return NewRepository()
	})
}

func TestGetDoesNotAlias(t *testing.T) {
	r := NewRepository()
	ctx := t.Context()

	id, err := r.Put(ctx, "ca.srl", bytes.NewReader([]byte("01")))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	rc, _ := r.Get(ctx, id)
	first, _ := io.ReadAll(rc)
	first[0] = 'X'

	rc, _ = r.Get(ctx, id)
	second, _ := io.ReadAll(rc)
	if string(second) != "01" {
		t.Errorf("stored artifact was mutated through a reader: %q", second)
	}
}

func TestCreateAssignsID(t *testing.T) {
	r := NewRepository()
	c := &model.Certificate{CommonName: "leaf"}
	if err := r.CreateCertificate(t.Context(), c); err != nil {
		t.Fatalf("CreateCertificate failed: %v", err)
	}
	if c.ID == "" {
		t.Error("expected an id to be assigned")
	}
}
