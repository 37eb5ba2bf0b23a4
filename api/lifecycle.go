package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironpki/engine"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/storage"
)

const maxRequestBodySize = 64 << 10

// CAService creates certificate authorities. engine.CAEngine satisfies it.
type CAService interface {
	CreateCA(ctx context.Context, commonName string) (*model.CertificateAuthority, error)
}

// CertificateService issues and renews certificates. engine.CertificateEngine
// satisfies it.
type CertificateService interface {
	Issue(ctx context.Context, req engine.IssueRequest) (*model.Certificate, error)
	Renew(ctx context.Context, cert model.Certificate) (*model.Certificate, error)
}

// IntakeService records and authorizes signing requests. engine.Intake
// satisfies it.
type IntakeService interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (*model.CSR, error)
	Authorize(ctx context.Context, csrID, caID string) (*model.Certificate, error)
	List(ctx context.Context) ([]model.CSR, error)
}

// Lifecycle is what the /api/v1 routes serve from. The process that owns
// the store is the only one that can reach an embedded backend while it runs.
type Lifecycle struct {
	CAs          CAService
	Certificates CertificateService
	Intake       IntakeService
	Store        storage.LifecycleStore
	Blobs        storage.BlobStore
}

// WithLifecycle mounts the CA, certificate, CSR and artifact routes under
// /api/v1.
func WithLifecycle(l Lifecycle) Option {
	return func(a *API) {
		a.lifecycle = &l
	}
}

func (a *API) lifecycleRoutes(r chi.Router) {
	r.Get("/cas", a.ListCAs)
	r.Post("/cas", a.CreateCA)
	r.Get("/cas/{caID}", a.GetCA)

	r.Get("/certificates", a.ListCertificates)
	r.Post("/certificates", a.IssueCertificate)
	r.Get("/certificates/{certID}", a.GetCertificate)
	r.Post("/certificates/{certID}/renew", a.RenewCertificate)

	r.Get("/csrs", a.ListCSRs)
	r.Post("/csrs", a.SubmitCSR)
	r.Post("/csrs/{csrID}/authorize", a.AuthorizeCSR)

	r.Get("/artifacts/{artifactID}", a.GetArtifact)
}

// CreateCARequest is the body of POST /cas.
type CreateCARequest struct {
	CommonName string `json:"common_name"`
}

// IssueCertificateRequest is the body of POST /certificates.
type IssueCertificateRequest struct {
	CommonName       string                  `json:"common_name"`
	CAID             string                  `json:"ca_id"`
	Requester        model.RequesterIdentity `json:"requester"`
	SubscriptionDays int                     `json:"subscription_days"`
}

// SubmitCSRRequest is the body of POST /csrs.
type SubmitCSRRequest struct {
	CommonName       string `json:"common_name"`
	Username         string `json:"username"`
	Organization     string `json:"organization"`
	Country          string `json:"country"`
	PublicKey        string `json:"public_key,omitempty"`
	SigningCA        string `json:"signing_ca,omitempty"`
	SubscriptionDays int    `json:"subscription_days,omitempty"`
}

// AuthorizeCSRRequest is the optional body of POST /csrs/{csrID}/authorize.
type AuthorizeCSRRequest struct {
	CAID string `json:"ca_id,omitempty"`
}

// CertificateResponse is a certificate record with its current state.
type CertificateResponse struct {
	model.Certificate
	State model.State `json:"state"`
}

// MarshalJSON keeps the derived expiry_date emitted by model.Certificate.
func (c CertificateResponse) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(c.Certificate)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["state"] = c.State
	return json.Marshal(fields)
}

// decodeBody reads a JSON request body. An empty body is allowed when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (a *API) certificateResponse(c model.Certificate) CertificateResponse {
	if a.renewal == nil {
		return CertificateResponse{Certificate: c, State: c.StateAt(time.Now().UTC())}
	}
	return CertificateResponse{Certificate: c, State: a.renewal.State(c)}
}

// ListCAs handles GET /cas.
func (a *API) ListCAs(w http.ResponseWriter, r *http.Request) {
	cas, err := a.lifecycle.Store.ListCAs(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cas)
}

// CreateCA handles POST /cas.
func (a *API) CreateCA(w http.ResponseWriter, r *http.Request) {
	var req CreateCARequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	ca, err := a.lifecycle.CAs.CreateCA(r.Context(), req.CommonName)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ca)
}

// GetCA handles GET /cas/{caID}.
func (a *API) GetCA(w http.ResponseWriter, r *http.Request) {
	ca, err := a.lifecycle.Store.GetCA(r.Context(), chi.URLParam(r, "caID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ca)
}

// ListCertificates handles GET /certificates.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := a.lifecycle.Store.ListCertificates(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	out := make([]CertificateResponse, 0, len(certs))
	for _, c := range certs {
		out = append(out, a.certificateResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// IssueCertificate handles POST /certificates.
func (a *API) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	var req IssueCertificateRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.SubscriptionDays == 0 {
		req.SubscriptionDays = model.DefaultSubscriptionDays
	}
	cert, err := a.lifecycle.Certificates.Issue(r.Context(), engine.IssueRequest{
		CommonName:       req.CommonName,
		CAID:             req.CAID,
		Requester:        req.Requester,
		SubscriptionDays: req.SubscriptionDays,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.certificateResponse(*cert))
}

// GetCertificate handles GET /certificates/{certID}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.lifecycle.Store.GetCertificate(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.certificateResponse(*cert))
}

// RenewCertificate handles POST /certificates/{certID}/renew.
func (a *API) RenewCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := a.lifecycle.Store.GetCertificate(r.Context(), chi.URLParam(r, "certID"))
	if err != nil {
		mapError(w, err)
		return
	}
	renewed, err := a.lifecycle.Certificates.Renew(r.Context(), *cert)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.certificateResponse(*renewed))
}

// ListCSRs handles GET /csrs.
func (a *API) ListCSRs(w http.ResponseWriter, r *http.Request) {
	csrs, err := a.lifecycle.Intake.List(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, csrs)
}

// SubmitCSR handles POST /csrs.
func (a *API) SubmitCSR(w http.ResponseWriter, r *http.Request) {
	var req SubmitCSRRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	csr, err := a.lifecycle.Intake.Submit(r.Context(), engine.SubmitRequest{
		CommonName:       req.CommonName,
		Username:         req.Username,
		Organization:     req.Organization,
		Country:          req.Country,
		PublicKey:        req.PublicKey,
		SigningCA:        req.SigningCA,
		SubscriptionDays: req.SubscriptionDays,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, csr)
}

// AuthorizeCSR handles POST /csrs/{csrID}/authorize.
func (a *API) AuthorizeCSR(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeCSRRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	cert, err := a.lifecycle.Intake.Authorize(r.Context(), chi.URLParam(r, "csrID"), req.CAID)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.certificateResponse(*cert))
}

// GetArtifact handles GET /artifacts/{artifactID}.
func (a *API) GetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "artifactID")
	rc, err := a.lifecycle.Blobs.Get(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", storage.ArtifactContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn("streaming artifact", "artifact_id", id, "error", err)
	}
}
