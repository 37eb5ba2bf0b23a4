// Package bbolt provides a BBolt-backed artifact and lifecycle store. It is the
// default backend: a single file under the data directory.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/jmcleod/ironpki/internal/uuid"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/storage"
)

var (
	bucketArtifacts     = []byte("ca_files")
	bucketArtifactNames = []byte("ca_file_names")
	bucketCAs           = []byte("certificate_authorities")
	bucketCANames       = []byte("ca_common_names")
	bucketCertificates  = []byte("certificates")
	bucketCSRs          = []byte("csr_info")
)

// Store implements storage.Backend on a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Backend = (*Store)(nil)

// NewRepository returns a Store backed by db, creating its buckets.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketArtifacts, bucketArtifactNames, bucketCAs, bucketCANames, bucketCertificates, bucketCSRs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Store.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if errors.Is(err, berrors.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", storage.ErrLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func getJSON(b *bbolt.Bucket, kind, id string, v any) error {
	data := b.Get([]byte(id))
	if data == nil {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func putJSON(b *bbolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func listJSON[T any](db *bbolt.DB, bucket []byte, keep func(T) bool) ([]T, error) {
	var out []T
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			var rec T
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if keep == nil || keep(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

func (s *Store) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading artifact %s: %w", name, err)
	}
	id := uuid.New()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketArtifacts).Put([]byte(id), data); err != nil {
			return err
		}
		return tx.Bucket(bucketArtifactNames).Put([]byte(id), []byte(name))
	})
	if err != nil {
		return "", fmt.Errorf("storing artifact %s: %w", name, err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketArtifacts).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("artifact %s: %w", id, storage.ErrNotFound)
		}
		// v is only valid for the life of the transaction.
		data = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ---------------------------------------------------------------------------
// Certificate authorities
// ---------------------------------------------------------------------------

func (s *Store) CreateCA(ctx context.Context, ca *model.CertificateAuthority) error {
	if ca.ID == "" {
		ca.ID = uuid.New()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketCANames)
		if names.Get([]byte(ca.CommonName)) != nil {
			return fmt.Errorf("ca %s: %w", ca.CommonName, storage.ErrConflict)
		}
		b := tx.Bucket(bucketCAs)
		if b.Get([]byte(ca.ID)) != nil {
			return fmt.Errorf("ca %s: %w", ca.ID, storage.ErrConflict)
		}
		if err := putJSON(b, ca.ID, ca); err != nil {
			return err
		}
		return names.Put([]byte(ca.CommonName), []byte(ca.ID))
	})
}

func (s *Store) GetCA(ctx context.Context, id string) (*model.CertificateAuthority, error) {
	var ca model.CertificateAuthority
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketCAs), "ca", id, &ca)
	})
	if err != nil {
		return nil, err
	}
	return &ca, nil
}

func (s *Store) ListCAs(ctx context.Context) ([]model.CertificateAuthority, error) {
	cas, err := listJSON[model.CertificateAuthority](s.db, bucketCAs, nil)
	if err != nil {
		return nil, fmt.Errorf("listing CAs: %w", err)
	}
	storage.SortCAs(cas)
	return cas, nil
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

func (s *Store) CreateCertificate(ctx context.Context, cert *model.Certificate) error {
	if cert.ID == "" {
		cert.ID = uuid.New()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		if b.Get([]byte(cert.ID)) != nil {
			return fmt.Errorf("certificate %s: %w", cert.ID, storage.ErrConflict)
		}
		return putJSON(b, cert.ID, cert)
	})
}

func (s *Store) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	var c model.Certificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketCertificates), "certificate", id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCertificates(ctx context.Context) ([]model.Certificate, error) {
	certs, err := listJSON[model.Certificate](s.db, bucketCertificates, nil)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	storage.SortCertificates(certs)
	return certs, nil
}

// ListCertificatesExpiringBy scans the bucket; expiry is derived per record.
func (s *Store) ListCertificatesExpiringBy(ctx context.Context, t time.Time) ([]model.Certificate, error) {
	certs, err := listJSON(s.db, bucketCertificates, func(c model.Certificate) bool {
		return !c.ExpiryDate().After(t)
	})
	if err != nil {
		return nil, fmt.Errorf("listing expiring certificates: %w", err)
	}
	storage.SortCertificates(certs)
	return certs, nil
}

func (s *Store) UpdateCertificate(ctx context.Context, id string, upd model.CertificateUpdate) (*model.Certificate, error) {
	var c model.Certificate
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		if err := getJSON(b, "certificate", id, &c); err != nil {
			return err
		}
		upd.Apply(&c)
		return putJSON(b, id, c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ---------------------------------------------------------------------------
// CSRs
// ---------------------------------------------------------------------------

func (s *Store) CreateCSR(ctx context.Context, csr *model.CSR) error {
	if csr.ID == "" {
		csr.ID = uuid.New()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCSRs)
		if b.Get([]byte(csr.ID)) != nil {
			return fmt.Errorf("csr %s: %w", csr.ID, storage.ErrConflict)
		}
		return putJSON(b, csr.ID, csr)
	})
}

func (s *Store) GetCSR(ctx context.Context, id string) (*model.CSR, error) {
	var c model.CSR
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketCSRs), "csr", id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCSRs(ctx context.Context) ([]model.CSR, error) {
	csrs, err := listJSON[model.CSR](s.db, bucketCSRs, nil)
	if err != nil {
		return nil, fmt.Errorf("listing CSRs: %w", err)
	}
	storage.SortCSRs(csrs)
	return csrs, nil
}

func (s *Store) UpdateCSR(ctx context.Context, id string, upd model.CSRUpdate) (*model.CSR, error) {
	var c model.CSR
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCSRs)
		if err := getJSON(b, "csr", id, &c); err != nil {
			return err
		}
		c.Status = upd.Status
		if upd.CertificateID != "" {
			c.CertificateID = upd.CertificateID
		}
		return putJSON(b, id, c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}
