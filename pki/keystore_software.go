package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"sync"
)

// ---------------------------------------------------------------------------
// Software key store
// ---------------------------------------------------------------------------

// SoftwareKeyStore generates ECDSA P-256 keys and can import RSA, ECDSA and
// Ed25519 keys, so keys minted by the OpenSSL toolchain remain usable.
//
// Keys in this store are ephemeral. The caller persists them as files via
// ExportPEM and reads them back with ImportPEM.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	keys map[string]crypto.Signer
	rand io.Reader // defaults to crypto/rand.Reader
	seq  int       // monotonic counter for key IDs
}

// Compile-time interface check.
var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys: make(map[string]crypto.Signer),
		rand: rand.Reader,
	}
}

func (s *SoftwareKeyStore) add(k crypto.Signer) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = k
	return id
}

func (s *SoftwareKeyStore) get(keyID string) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return k, nil
}

// GenerateKey creates a new ECDSA P-256 key pair.
func (s *SoftwareKeyStore) GenerateKey() (string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), s.rand)
	if err != nil {
		return "", fmt.Errorf("generating ECDSA P-256 key: %w", err)
	}
	return s.add(priv), nil
}

func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	return s.get(keyID)
}

// ExportPEM encodes EC keys as SEC1 "EC PRIVATE KEY" and everything else as
// PKCS#8 "PRIVATE KEY".
func (s *SoftwareKeyStore) ExportPEM(keyID string) (string, error) {
	k, err := s.get(keyID)
	if err != nil {
		return "", err
	}
	if ec, ok := k.(*ecdsa.PrivateKey); ok {
		der, err := x509.MarshalECPrivateKey(ec)
		if err != nil {
			return "", err
		}
		return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), nil
	}
	der, err := x509.MarshalPKCS8PrivateKey(k)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ImportPEM parses a private key PEM block and stores it.
func (s *SoftwareKeyStore) ImportPEM(pemData string) (string, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return "", fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return "", fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}

	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		return s.add(k), nil
	case *rsa.PrivateKey:
		return s.add(k), nil
	case ed25519.PrivateKey:
		return s.add(k), nil
	default:
		return "", fmt.Errorf("%w: unsupported key type %T", ErrInvalidPEM, key)
	}
}

// Delete removes the key from memory.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
