package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/ironpki/internal/uuid"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/pki"
	"github.com/jmcleod/ironpki/storage"
)

// IssueRequest describes a new leaf certificate.
type IssueRequest struct {
	CommonName       string
	CAID             string
	Requester        model.RequesterIdentity
	SubscriptionDays int
}

// CertificateEngine issues and renews leaf certificates against a stored CA.
type CertificateEngine struct {
	env    *Env
	logger *slog.Logger
}

// NewCertificateEngine returns a CertificateEngine bound to env.
func NewCertificateEngine(env *Env) *CertificateEngine {
	return &CertificateEngine{env: env, logger: env.Logger.With("component", "certificate")}
}

// signed holds the artifact ids of a freshly signed leaf.
type signed struct {
	certID string
	keyID  string
	info   *pki.CertificateInfo
}

// Issue signs a new certificate with the CA named by req.CAID and persists
// its record. DateAuthorized is the issuance time.
func (e *CertificateEngine) Issue(ctx context.Context, req IssueRequest) (cert *model.Certificate, err error) {
	start := time.Now()
	defer func() { e.env.Metrics.ObserveOperation("issue", start, err) }()

	if err := validateCommonName(req.CommonName); err != nil {
		return nil, err
	}
	if req.CAID == "" {
		return nil, validationErrorf("CA id must not be empty")
	}
	if err := validateRequester(req.Requester); err != nil {
		return nil, err
	}
	if err := validateSubscriptionDays(req.SubscriptionDays); err != nil {
		return nil, err
	}

	ca, err := e.getCA(ctx, req.CAID)
	if err != nil {
		return nil, err
	}

	unlock := e.env.lock(req.CommonName)
	defer unlock()

	out, err := e.sign(ctx, "issue", ca, req.CommonName, req.Requester, req.SubscriptionDays)
	if err != nil {
		return nil, err
	}

	cert = &model.Certificate{
		ID:               uuid.New(),
		CommonName:       req.CommonName,
		IssuedBy:         ca.ID,
		CAName:           ca.CommonName,
		ArtifactID:       out.certID,
		KeyArtifactID:    out.keyID,
		Requester:        req.Requester,
		DateAuthorized:   e.env.now(),
		SubscriptionDays: req.SubscriptionDays,
	}
	if err := e.env.Store.CreateCertificate(ctx, cert); err != nil {
		return nil, fmt.Errorf("%w: saving certificate %q: %w", ErrMetadataFailure, req.CommonName, err)
	}
	e.logger.Info("certificate issued",
		"certificate_id", cert.ID,
		"common_name", cert.CommonName,
		"ca_id", ca.ID,
		"serial", out.info.SerialNumber,
		"expiry_date", cert.ExpiryDate(),
	)
	return cert, nil
}

// Renew re-signs cert with the CA that issued it and moves DateAuthorized to
// now. The issuer and subscription length are kept. When the CA no longer
// exists the record is left untouched.
func (e *CertificateEngine) Renew(ctx context.Context, cert model.Certificate) (renewed *model.Certificate, err error) {
	start := time.Now()
	defer func() { e.env.Metrics.ObserveOperation("renew", start, err) }()

	if cert.ID == "" {
		return nil, validationErrorf("certificate id must not be empty")
	}
	if err := validateCommonName(cert.CommonName); err != nil {
		return nil, err
	}
	if err := validateSubscriptionDays(cert.SubscriptionDays); err != nil {
		return nil, err
	}

	ca, err := e.getCA(ctx, cert.IssuedBy)
	if err != nil {
		return nil, err
	}

	unlock := e.env.lock(cert.CommonName)
	defer unlock()

	out, err := e.sign(ctx, "renew", ca, cert.CommonName, cert.Requester, cert.SubscriptionDays)
	if err != nil {
		return nil, err
	}

	now := e.env.now()
	renewed, err = e.env.Store.UpdateCertificate(ctx, cert.ID, model.CertificateUpdate{
		ArtifactID:     &out.certID,
		KeyArtifactID:  &out.keyID,
		DateAuthorized: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: updating certificate %s: %w", ErrMetadataFailure, cert.ID, err)
	}
	e.logger.Info("certificate renewed",
		"certificate_id", renewed.ID,
		"common_name", renewed.CommonName,
		"ca_id", renewed.IssuedBy,
		"serial", out.info.SerialNumber,
		"expiry_date", renewed.ExpiryDate(),
	)
	return renewed, nil
}

func (e *CertificateEngine) getCA(ctx context.Context, id string) (*model.CertificateAuthority, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty CA id", ErrCANotFound)
	}
	ca, err := e.env.Store.GetCA(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCANotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading CA %s: %w", ErrMetadataFailure, id, err)
	}
	return ca, nil
}

// sign runs download, CSR, sign and upload in a fresh arena.
func (e *CertificateEngine) sign(ctx context.Context, op string, ca *model.CertificateAuthority, commonName string, requester model.RequesterIdentity, days int) (out signed, err error) {
	arena, err := e.env.Workspace.NewArena()
	if err != nil {
		return signed{}, err
	}
	defer func() { e.env.finish(arena, op, err) }()

	caKey := arena.Path(pki.CAKeyFile)
	caCert := arena.Path(pki.CACertFile)
	if err := e.env.download(ctx, ca.KeyArtifactID, caKey); err != nil {
		return signed{}, err
	}
	if err := e.env.download(ctx, ca.CertArtifactID, caCert); err != nil {
		return signed{}, err
	}

	subject := pki.Subject{
		Country:      pki.NormalizeCountry(requester.Country),
		Organization: requester.Organization,
		CommonName:   commonName,
	}.WithDefaults(e.env.CASubject)

	leafKey := arena.Path(pki.LeafKeyFile)
	leafCSR := arena.Path(pki.LeafCSRFile)
	leafCert := arena.Path(pki.LeafCertFile)
	if err := e.env.Toolchain.CreateCSR(ctx, pki.CSRRequest{
		KeyFile:     leafKey,
		GenerateKey: true,
		Subject:     subject,
		OutFile:     leafCSR,
	}); err != nil {
		return signed{}, toolchainError("creating CSR", err)
	}
	if err := e.env.Toolchain.SignCSR(ctx, pki.SignRequest{
		CSRFile:      leafCSR,
		CACertFile:   caCert,
		CAKeyFile:    caKey,
		SerialFile:   arena.Path(pki.CASerialFile),
		ValidityDays: days,
		OutFile:      leafCert,
	}); err != nil {
		return signed{}, toolchainError("signing CSR", err)
	}
	for _, p := range []string{leafCert, leafKey} {
		if err := pki.RequireOutput(p); err != nil {
			return signed{}, toolchainError("signing CSR", err)
		}
	}
	info, err := pki.InspectCertificateFile(leafCert)
	if err != nil {
		return signed{}, toolchainError("reading signed certificate", err)
	}

	prefix := ca.CommonName + "/" + commonName + "/" + arena.Token + "/"
	certID, err := e.env.upload(ctx, prefix+pki.LeafCertFile, leafCert)
	if err != nil {
		return signed{}, err
	}
	keyID, err := e.env.upload(ctx, prefix+pki.LeafKeyFile, leafKey)
	if err != nil {
		return signed{}, err
	}
	return signed{certID: certID, keyID: keyID, info: info}, nil
}
