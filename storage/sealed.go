package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironpki/internal/util"
)

// SealedBlobStore encrypts artifacts before handing them to the wrapped
// BlobStore. The master key lives in a memguard enclave and is only unsealed
// for the duration of a single Put or Get.
type SealedBlobStore struct {
	inner   BlobStore
	enclave *memguard.Enclave
}

var _ BlobStore = (*SealedBlobStore)(nil)

// NewSealedBlobStore wraps inner. masterKey must be util.AESKeySize bytes and
// is wiped by this call.
func NewSealedBlobStore(inner BlobStore, masterKey []byte) (*SealedBlobStore, error) {
	if len(masterKey) != util.AESKeySize {
		util.WipeBytes(masterKey)
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", util.AESKeySize, len(masterKey))
	}
	return &SealedBlobStore{
		inner:   inner,
		enclave: memguard.NewEnclave(masterKey),
	}, nil
}

// NewSealedBlobStoreFromPassphrase derives the master key with argon2id.
func NewSealedBlobStoreFromPassphrase(inner BlobStore, passphrase string, salt []byte, params util.Argon2idParams) (*SealedBlobStore, error) {
	key, err := util.DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return nil, fmt.Errorf("deriving sealing key: %w", err)
	}
	return NewSealedBlobStore(inner, key)
}

func (s *SealedBlobStore) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading artifact %s: %w", name, err)
	}
	defer util.WipeBytes(plaintext)

	buf, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("opening sealing key: %w", err)
	}
	env, err := SealArtifact(buf.Bytes(), name, plaintext)
	buf.Destroy()
	if err != nil {
		return "", fmt.Errorf("sealing artifact %s: %w", name, err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding envelope: %w", err)
	}
	return s.inner.Put(ctx, name, bytes.NewReader(data))
}

func (s *SealedBlobStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var env Envelope
	if err := json.NewDecoder(rc).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding envelope %s: %w", id, err)
	}

	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening sealing key: %w", err)
	}
	plaintext, err := OpenArtifact(buf.Bytes(), &env)
	buf.Destroy()
	if err != nil {
		return nil, fmt.Errorf("opening artifact %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(plaintext)), nil
}
