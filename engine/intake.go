package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/ironpki/internal/uuid"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/storage"
)

// SubmitRequest is a requester's ask for a certificate.
type SubmitRequest struct {
	CommonName       string
	Username         string
	Organization     string
	Country          string
	PublicKey        string
	SigningCA        string
	SubscriptionDays int
}

// Intake records signing requests and turns authorised ones into
// certificates.
type Intake struct {
	env    *Env
	certs  *CertificateEngine
	logger *slog.Logger
}

// NewIntake returns an Intake that issues through certs.
func NewIntake(env *Env, certs *CertificateEngine) *Intake {
	return &Intake{env: env, certs: certs, logger: env.Logger.With("component", "intake")}
}

// Submit validates and stores a pending CSR. A zero SubscriptionDays becomes
// model.DefaultSubscriptionDays.
func (i *Intake) Submit(ctx context.Context, req SubmitRequest) (*model.CSR, error) {
	if req.SubscriptionDays == 0 {
		req.SubscriptionDays = model.DefaultSubscriptionDays
	}
	csr := &model.CSR{
		ID:               uuid.New(),
		CommonName:       req.CommonName,
		Username:         req.Username,
		Organization:     req.Organization,
		Country:          req.Country,
		PublicKey:        req.PublicKey,
		SigningCA:        req.SigningCA,
		SubscriptionDays: req.SubscriptionDays,
		Status:           model.CSRPending,
		CreatedAt:        i.env.now(),
	}
	if err := validateCommonName(csr.CommonName); err != nil {
		return nil, err
	}
	if err := validateRequester(csr.Requester()); err != nil {
		return nil, err
	}
	if err := validateSubscriptionDays(csr.SubscriptionDays); err != nil {
		return nil, err
	}
	if err := i.env.Store.CreateCSR(ctx, csr); err != nil {
		return nil, fmt.Errorf("%w: saving CSR: %w", ErrMetadataFailure, err)
	}
	i.logger.Info("CSR submitted", "csr_id", csr.ID, "common_name", csr.CommonName, "username", csr.Username)
	return csr, nil
}

// Authorize issues the certificate requested by csrID and marks the CSR
// authorised. caID overrides the CA chosen at submission when set.
func (i *Intake) Authorize(ctx context.Context, csrID, caID string) (*model.Certificate, error) {
	if csrID == "" {
		return nil, validationErrorf("CSR id must not be empty")
	}
	unlock := i.env.lock("csr/" + csrID)
	defer unlock()

	csr, err := i.env.Store.GetCSR(ctx, csrID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCSRNotFound, csrID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading CSR %s: %w", ErrMetadataFailure, csrID, err)
	}
	if csr.Status == model.CSRAuthorized {
		return nil, fmt.Errorf("%w: %s issued as %s", ErrCSRAlreadyAuthorized, csrID, csr.CertificateID)
	}
	if caID == "" {
		caID = csr.SigningCA
	}
	if caID == "" {
		return nil, validationErrorf("CSR %s names no signing CA", csrID)
	}

	// A certificate issued by an earlier call whose CSR update failed is
	// adopted rather than issued a second time.
	cert, err := i.issuedFor(ctx, csrID)
	if err != nil {
		return nil, err
	}
	if cert != nil {
		i.logger.Warn("completing CSR with previously issued certificate", "csr_id", csrID, "certificate_id", cert.ID)
	} else {
		cert, err = i.certs.Issue(ctx, IssueRequest{
			CommonName:       csr.CommonName,
			CAID:             caID,
			Requester:        csr.Requester(),
			SubscriptionDays: csr.SubscriptionDays,
		})
		if err != nil {
			return nil, err
		}
	}
	if _, err := i.env.Store.UpdateCSR(ctx, csrID, model.CSRUpdate{
		Status:        model.CSRAuthorized,
		CertificateID: cert.ID,
	}); err != nil {
		return cert, fmt.Errorf("%w: marking CSR %s authorized: %w", ErrMetadataFailure, csrID, err)
	}
	i.logger.Info("CSR authorized", "csr_id", csrID, "certificate_id", cert.ID, "ca_id", cert.IssuedBy)
	return cert, nil
}

// issuedFor returns the certificate already issued for csrID, or nil.
func (i *Intake) issuedFor(ctx context.Context, csrID string) (*model.Certificate, error) {
	certs, err := i.env.Store.ListCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing certificates: %w", ErrMetadataFailure, err)
	}
	for _, c := range certs {
		if c.Requester.CSRID == csrID {
			return &c, nil
		}
	}
	return nil, nil
}

// List returns every CSR, oldest first.
func (i *Intake) List(ctx context.Context) ([]model.CSR, error) {
	csrs, err := i.env.Store.ListCSRs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing CSRs: %w", ErrMetadataFailure, err)
	}
	return csrs, nil
}
