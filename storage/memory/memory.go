// Package memory provides a thread-safe in-memory implementation of
// storage.BlobStore and storage.LifecycleStore.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jmcleod/ironpki/internal/util"
	"github.com/jmcleod/ironpki/internal/uuid"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/storage"
)

type blob struct {
	name string
	data []byte
}

// Repository keeps everything in process memory. Suitable for testing, demos,
// and single-process use cases.
type Repository struct {
	mu       sync.RWMutex
	blobs    map[string]blob
	cas      map[string]model.CertificateAuthority
	caByName map[string]string
	certs    map[string]model.Certificate
	csrs     map[string]model.CSR
}

var _ storage.Backend = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		blobs:    make(map[string]blob),
		cas:      make(map[string]model.CertificateAuthority),
		caByName: make(map[string]string),
		certs:    make(map[string]model.Certificate),
		csrs:     make(map[string]model.CSR),
	}
}

func (r *Repository) Close() error { return nil }

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

func (r *Repository) Put(ctx context.Context, name string, src io.Reader) (string, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return "", fmt.Errorf("reading artifact %s: %w", name, err)
	}
	id := uuid.New()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[id] = blob{name: name, data: data}
	return id, nil
}

func (r *Repository) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blobs[id]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, storage.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(util.CopyBytes(b.data))), nil
}

// ---------------------------------------------------------------------------
// Certificate authorities
// ---------------------------------------------------------------------------

func (r *Repository) CreateCA(ctx context.Context, ca *model.CertificateAuthority) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caByName[ca.CommonName]; ok {
		return fmt.Errorf("ca %s: %w", ca.CommonName, storage.ErrConflict)
	}
	if ca.ID == "" {
		ca.ID = uuid.New()
	}
	if _, ok := r.cas[ca.ID]; ok {
		return fmt.Errorf("ca %s: %w", ca.ID, storage.ErrConflict)
	}
	r.cas[ca.ID] = *ca
	r.caByName[ca.CommonName] = ca.ID
	return nil
}

func (r *Repository) GetCA(ctx context.Context, id string) (*model.CertificateAuthority, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ca, ok := r.cas[id]
	if !ok {
		return nil, fmt.Errorf("ca %s: %w", id, storage.ErrNotFound)
	}
	return &ca, nil
}

func (r *Repository) ListCAs(ctx context.Context) ([]model.CertificateAuthority, error) {
	r.mu.RLock()
	out := make([]model.CertificateAuthority, 0, len(r.cas))
	for _, ca := range r.cas {
		out = append(out, ca)
	}
	r.mu.RUnlock()
	storage.SortCAs(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

func (r *Repository) CreateCertificate(ctx context.Context, cert *model.Certificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cert.ID == "" {
		cert.ID = uuid.New()
	}
	if _, ok := r.certs[cert.ID]; ok {
		return fmt.Errorf("certificate %s: %w", cert.ID, storage.ErrConflict)
	}
	r.certs[cert.ID] = *cert
	return nil
}

func (r *Repository) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.certs[id]
	if !ok {
		return nil, fmt.Errorf("certificate %s: %w", id, storage.ErrNotFound)
	}
	return &c, nil
}

func (r *Repository) ListCertificates(ctx context.Context) ([]model.Certificate, error) {
	return r.filterCertificates(func(model.Certificate) bool { return true }), nil
}

func (r *Repository) ListCertificatesExpiringBy(ctx context.Context, t time.Time) ([]model.Certificate, error) {
	return r.filterCertificates(func(c model.Certificate) bool {
		return !c.ExpiryDate().After(t)
	}), nil
}

func (r *Repository) filterCertificates(keep func(model.Certificate) bool) []model.Certificate {
	r.mu.RLock()
	out := make([]model.Certificate, 0, len(r.certs))
	for _, c := range r.certs {
		if keep(c) {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	storage.SortCertificates(out)
	return out
}

func (r *Repository) UpdateCertificate(ctx context.Context, id string, upd model.CertificateUpdate) (*model.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.certs[id]
	if !ok {
		return nil, fmt.Errorf("certificate %s: %w", id, storage.ErrNotFound)
	}
	upd.Apply(&c)
	r.certs[id] = c
	return &c, nil
}

// ---------------------------------------------------------------------------
// CSRs
// ---------------------------------------------------------------------------

func (r *Repository) CreateCSR(ctx context.Context, csr *model.CSR) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if csr.ID == "" {
		csr.ID = uuid.New()
	}
	if _, ok := r.csrs[csr.ID]; ok {
		return fmt.Errorf("csr %s: %w", csr.ID, storage.ErrConflict)
	}
	r.csrs[csr.ID] = *csr
	return nil
}

func (r *Repository) GetCSR(ctx context.Context, id string) (*model.CSR, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.csrs[id]
	if !ok {
		return nil, fmt.Errorf("csr %s: %w", id, storage.ErrNotFound)
	}
	return &c, nil
}

func (r *Repository) ListCSRs(ctx context.Context) ([]model.CSR, error) {
	r.mu.RLock()
	out := make([]model.CSR, 0, len(r.csrs))
	for _, c := range r.csrs {
		out = append(out, c)
	}
	r.mu.RUnlock()
	storage.SortCSRs(out)
	return out, nil
}

func (r *Repository) UpdateCSR(ctx context.Context, id string, upd model.CSRUpdate) (*model.CSR, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.csrs[id]
	if !ok {
		return nil, fmt.Errorf("csr %s: %w", id, storage.ErrNotFound)
	}
	c.Status = upd.Status
	if upd.CertificateID != "" {
		c.CertificateID = upd.CertificateID
	}
	r.csrs[id] = c
	return &c, nil
}
