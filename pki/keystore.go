package pki

import (
	"crypto"
	"errors"
)

// KeyStore abstracts private-key operations for the in-process toolchain.
// A key ID uniquely identifies a key managed by the store; its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque identifier.
	GenerateKey() (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID. It is
	// handed to x509.CreateCertificate, x509.CreateCertificateRequest and
	// x509.CreateRevocationList.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key in PEM form so it can be written to
	// the working directory and archived as an artifact.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads a PEM-encoded private key read back from an artifact.
	ImportPEM(pemData string) (keyID string, err error)

	// Delete forgets the key identified by keyID.
	Delete(keyID string) error
}

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")
