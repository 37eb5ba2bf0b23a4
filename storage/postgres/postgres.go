// Package postgres implements storage.Backend on PostgreSQL.
//
// Artifacts are stored as BYTEA rows in the artifacts table. Certificate rows
// carry an expiry_date column that is recomputed from date_authorized and
// subscription_days on every write, so the renewal sweep can select due
// certificates with an indexed range scan.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironpki/internal/uuid"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/storage"
)

const uniqueViolation = "23505"

// Store implements storage.Backend backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Backend = (*Store)(nil)

// NewRepository returns a Store backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Store.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func mapError(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrConflict)
	}
	return fmt.Errorf("%s/%s: %w", kind, id, err)
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO artifacts (id, name, data) VALUES ($1, $2, $3)`,
		id, name, data)
	if err != nil {
		return "", mapError(err, "artifact", name)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM artifacts WHERE id = $1`, id).Scan(&data)
	if err != nil {
		return nil, mapError(err, "artifact", id)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ---------------------------------------------------------------------------
// Certificate authorities
// ---------------------------------------------------------------------------

const caColumns = `id, common_name, key_artifact_id, cert_artifact_id, serial_artifact_id,
	crl_artifact_id, intermediate_artifact_id, not_after, created_at`

func scanCA(row pgx.Row) (*model.CertificateAuthority, error) {
	var ca model.CertificateAuthority
	err := row.Scan(&ca.ID, &ca.CommonName, &ca.KeyArtifactID, &ca.CertArtifactID, &ca.SerialArtifactID,
		&ca.CRLArtifactID, &ca.IntermediateArtifactID, &ca.NotAfter, &ca.CreatedAt)
	if err != nil {
		return nil, err
	}
	ca.NotAfter = ca.NotAfter.UTC()
	ca.CreatedAt = ca.CreatedAt.UTC()
	return &ca, nil
}

func (s *Store) CreateCA(ctx context.Context, ca *model.CertificateAuthority) error {
	if ca.ID == "" {
		ca.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO certificate_authorities (`+caColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ca.ID, ca.CommonName, ca.KeyArtifactID, ca.CertArtifactID, ca.SerialArtifactID,
		ca.CRLArtifactID, ca.IntermediateArtifactID, ca.NotAfter, ca.CreatedAt)
	return mapError(err, "ca", ca.CommonName)
}

func (s *Store) GetCA(ctx context.Context, id string) (*model.CertificateAuthority, error) {
	ca, err := scanCA(s.pool.QueryRow(ctx,
		`SELECT `+caColumns+` FROM certificate_authorities WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "ca", id)
	}
	return ca, nil
}

func (s *Store) ListCAs(ctx context.Context) ([]model.CertificateAuthority, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+caColumns+` FROM certificate_authorities ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing CAs: %w", err)
	}
	defer rows.Close()

	var out []model.CertificateAuthority
	for rows.Next() {
		ca, err := scanCA(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning CA: %w", err)
		}
		out = append(out, *ca)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

const certColumns = `id, common_name, issued_by, ca_name, artifact_id, key_artifact_id,
	username, country, organization, public_key, csr_id, date_authorized, subscription_days`

func scanCertificate(row pgx.Row) (*model.Certificate, error) {
	var c model.Certificate
	err := row.Scan(&c.ID, &c.CommonName, &c.IssuedBy, &c.CAName, &c.ArtifactID, &c.KeyArtifactID,
		&c.Requester.Username, &c.Requester.Country, &c.Requester.Organization,
		&c.Requester.PublicKey, &c.Requester.CSRID, &c.DateAuthorized, &c.SubscriptionDays)
	if err != nil {
		return nil, err
	}
	c.DateAuthorized = c.DateAuthorized.UTC()
	return &c, nil
}

func (s *Store) queryCertificates(ctx context.Context, sql string, args ...any) ([]model.Certificate, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	defer rows.Close()

	var out []model.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning certificate: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) CreateCertificate(ctx context.Context, cert *model.Certificate) error {
	if cert.ID == "" {
		cert.ID = uuid.New()
	}
	r := cert.Requester
	_, err := s.pool.Exec(ctx,
		`INSERT INTO certificates (`+certColumns+`, expiry_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		cert.ID, cert.CommonName, cert.IssuedBy, cert.CAName, cert.ArtifactID, cert.KeyArtifactID,
		r.Username, r.Country, r.Organization, r.PublicKey, r.CSRID,
		cert.DateAuthorized, cert.SubscriptionDays, cert.ExpiryDate())
	return mapError(err, "certificate", cert.ID)
}

func (s *Store) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	c, err := scanCertificate(s.pool.QueryRow(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "certificate", id)
	}
	return c, nil
}

func (s *Store) ListCertificates(ctx context.Context) ([]model.Certificate, error) {
	return s.queryCertificates(ctx,
		`SELECT `+certColumns+` FROM certificates ORDER BY date_authorized, id`)
}

func (s *Store) ListCertificatesExpiringBy(ctx context.Context, t time.Time) ([]model.Certificate, error) {
	return s.queryCertificates(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE expiry_date <= $1 ORDER BY date_authorized, id`, t)
}

// UpdateCertificate applies upd under a row lock so the recomputed expiry
// always matches the stored authorisation date and subscription.
func (s *Store) UpdateCertificate(ctx context.Context, id string, upd model.CertificateUpdate) (*model.Certificate, error) {
	var out *model.Certificate
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := scanCertificate(tx.QueryRow(ctx,
			`SELECT `+certColumns+` FROM certificates WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		upd.Apply(c)
		_, err = tx.Exec(ctx,
			`UPDATE certificates
			 SET artifact_id = $2, key_artifact_id = $3, date_authorized = $4,
			     subscription_days = $5, expiry_date = $6
			 WHERE id = $1`,
			id, c.ArtifactID, c.KeyArtifactID, c.DateAuthorized, c.SubscriptionDays, c.ExpiryDate())
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, mapError(err, "certificate", id)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// CSRs
// ---------------------------------------------------------------------------

const csrColumns = `id, common_name, username, organization, country, public_key,
	signing_ca, subscription_days, status, certificate_id, created_at`

func scanCSR(row pgx.Row) (*model.CSR, error) {
	var c model.CSR
	var status string
	err := row.Scan(&c.ID, &c.CommonName, &c.Username, &c.Organization, &c.Country, &c.PublicKey,
		&c.SigningCA, &c.SubscriptionDays, &status, &c.CertificateID, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.CSRStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) CreateCSR(ctx context.Context, csr *model.CSR) error {
	if csr.ID == "" {
		csr.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO csrs (`+csrColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		csr.ID, csr.CommonName, csr.Username, csr.Organization, csr.Country, csr.PublicKey,
		csr.SigningCA, csr.SubscriptionDays, string(csr.Status), csr.CertificateID, csr.CreatedAt)
	return mapError(err, "csr", csr.ID)
}

func (s *Store) GetCSR(ctx context.Context, id string) (*model.CSR, error) {
	c, err := scanCSR(s.pool.QueryRow(ctx, `SELECT `+csrColumns+` FROM csrs WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "csr", id)
	}
	return c, nil
}

func (s *Store) ListCSRs(ctx context.Context) ([]model.CSR, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+csrColumns+` FROM csrs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing CSRs: %w", err)
	}
	defer rows.Close()

	var out []model.CSR
	for rows.Next() {
		c, err := scanCSR(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning CSR: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCSR(ctx context.Context, id string, upd model.CSRUpdate) (*model.CSR, error) {
	c, err := scanCSR(s.pool.QueryRow(ctx,
		`UPDATE csrs
		 SET status = $2, certificate_id = COALESCE(NULLIF($3::text, ''), certificate_id)
		 WHERE id = $1
		 RETURNING `+csrColumns,
		id, string(upd.Status), upd.CertificateID))
	if err != nil {
		return nil, mapError(err, "csr", id)
	}
	return c, nil
}
