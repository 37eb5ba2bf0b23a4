// Package storage defines the persistence contracts for PKI artifacts and
// lifecycle metadata, together with an envelope format for sealing artifacts
// at rest.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jmcleod/ironpki/model"
)

// ArtifactContentType is the media type artifacts are served with.
const ArtifactContentType = "application/octet-stream"

var (
	// ErrNotFound is returned when an artifact or record id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a create would violate uniqueness, such as
	// a second CA with the same common name.
	ErrConflict = errors.New("already exists")
	// ErrLocked is returned when an embedded store is held open by another
	// process.
	ErrLocked = errors.New("store is locked by another process")
)

// BlobStore holds immutable named binary artifacts (keys, certificates,
// serial files, CRLs). Put assigns the id.
type BlobStore interface {
	Put(ctx context.Context, name string, r io.Reader) (string, error)
	Get(ctx context.Context, id string) (io.ReadCloser, error)
}

// LifecycleStore persists CA, certificate and CSR records. CA records are
// immutable once created. Certificate expiry is derived from the record and
// recomputed on every write.
type LifecycleStore interface {
	CreateCA(ctx context.Context, ca *model.CertificateAuthority) error
	GetCA(ctx context.Context, id string) (*model.CertificateAuthority, error)
	ListCAs(ctx context.Context) ([]model.CertificateAuthority, error)

	CreateCertificate(ctx context.Context, cert *model.Certificate) error
	GetCertificate(ctx context.Context, id string) (*model.Certificate, error)
	ListCertificates(ctx context.Context) ([]model.Certificate, error)
	// ListCertificatesExpiringBy returns certificates whose expiry is at or
	// before t.
	ListCertificatesExpiringBy(ctx context.Context, t time.Time) ([]model.Certificate, error)
	UpdateCertificate(ctx context.Context, id string, upd model.CertificateUpdate) (*model.Certificate, error)

	CreateCSR(ctx context.Context, csr *model.CSR) error
	GetCSR(ctx context.Context, id string) (*model.CSR, error)
	ListCSRs(ctx context.Context) ([]model.CSR, error)
	UpdateCSR(ctx context.Context, id string, upd model.CSRUpdate) (*model.CSR, error)

	Close() error
}

// Backend bundles both stores behind one connection.
type Backend interface {
	LifecycleStore
	BlobStore
}
