// Package model defines the records tracked by the PKI lifecycle: certificate
// authorities, issued certificates and the signing requests that lead to them.
package model

import (
	"encoding/json"
	"time"
)

// DefaultSubscriptionDays is applied to CSRs submitted without a validity.
const DefaultSubscriptionDays = 365

// State is the lifecycle state of an issued certificate.
type State string

const (
	StateValid    State = "valid"
	StateExpired  State = "expired"
	StateRenewing State = "renewing"
)

// CertificateAuthority is an immutable record of a root CA. The referenced
// artifacts are uploaded before the record is persisted.
type CertificateAuthority struct {
	ID                     string    `json:"id"`
	CommonName             string    `json:"common_name"`
	KeyArtifactID          string    `json:"key_artifact_id"`
	CertArtifactID         string    `json:"cert_artifact_id"`
	SerialArtifactID       string    `json:"serial_artifact_id"`
	CRLArtifactID          string    `json:"crl_artifact_id,omitempty"`
	IntermediateArtifactID string    `json:"intermediate_artifact_id,omitempty"`
	NotAfter               time.Time `json:"not_after"`
	CreatedAt              time.Time `json:"created_at"`
}

// RequesterIdentity is the subject information captured at issuance and
// replayed on every renewal.
type RequesterIdentity struct {
	Username     string `json:"username"`
	Country      string `json:"country"`
	Organization string `json:"organization"`
	PublicKey    string `json:"public_key,omitempty"`
	CSRID        string `json:"csr_id,omitempty"`
}

// Certificate is an issued leaf certificate. Its expiry is always derived from
// DateAuthorized and SubscriptionDays; see ExpiryDate.
type Certificate struct {
	ID               string            `json:"id"`
	CommonName       string            `json:"common_name"`
	IssuedBy         string            `json:"issued_by"`
	CAName           string            `json:"ca_name,omitempty"`
	ArtifactID       string            `json:"artifact_id"`
	KeyArtifactID    string            `json:"key_artifact_id,omitempty"`
	Requester        RequesterIdentity `json:"requester"`
	DateAuthorized   time.Time         `json:"date_authorized"`
	SubscriptionDays int               `json:"subscription_days"`
}

// ExpiryFor returns authorized shifted by days calendar days.
func ExpiryFor(authorized time.Time, days int) time.Time {
	return authorized.AddDate(0, 0, days)
}

// ExpiryDate is DateAuthorized + SubscriptionDays days.
func (c Certificate) ExpiryDate() time.Time {
	return ExpiryFor(c.DateAuthorized, c.SubscriptionDays)
}

// StateAt reports Valid while now is before the expiry date, Expired otherwise.
func (c Certificate) StateAt(now time.Time) State {
	if c.ExpiryDate().After(now) {
		return StateValid
	}
	return StateExpired
}

type certificateJSON Certificate

// MarshalJSON adds the derived expiry_date to the encoded record.
func (c Certificate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		certificateJSON
		ExpiryDate time.Time `json:"expiry_date"`
	}{certificateJSON(c), c.ExpiryDate()})
}

// CertificateUpdate is a partial replacement of a certificate record. Nil
// fields are left untouched. Expiry follows from the result.
type CertificateUpdate struct {
	ArtifactID       *string
	KeyArtifactID    *string
	DateAuthorized   *time.Time
	SubscriptionDays *int
}

// Apply writes the non-nil fields of u into c.
func (u CertificateUpdate) Apply(c *Certificate) {
	if u.ArtifactID != nil {
		c.ArtifactID = *u.ArtifactID
	}
	if u.KeyArtifactID != nil {
		c.KeyArtifactID = *u.KeyArtifactID
	}
	if u.DateAuthorized != nil {
		c.DateAuthorized = *u.DateAuthorized
	}
	if u.SubscriptionDays != nil {
		c.SubscriptionDays = *u.SubscriptionDays
	}
}

// CSRStatus tracks a signing request through authorisation.
type CSRStatus string

const (
	CSRPending    CSRStatus = "pending"
	CSRAuthorized CSRStatus = "authorized"
)

// CSR is a requester's ask for a certificate, pending until authorised
// against a CA.
type CSR struct {
	ID               string    `json:"id"`
	CommonName       string    `json:"common_name"`
	Username         string    `json:"username"`
	Organization     string    `json:"organization"`
	Country          string    `json:"country"`
	PublicKey        string    `json:"public_key,omitempty"`
	SigningCA        string    `json:"signing_ca,omitempty"`
	SubscriptionDays int       `json:"subscription_days"`
	Status           CSRStatus `json:"status"`
	CertificateID    string    `json:"certificate_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Requester converts the CSR into the identity carried by the certificate.
func (c CSR) Requester() RequesterIdentity {
	return RequesterIdentity{
		Username:     c.Username,
		Country:      c.Country,
		Organization: c.Organization,
		PublicKey:    c.PublicKey,
		CSRID:        c.ID,
	}
}

// CSRUpdate moves a CSR to a new status, optionally linking the issued
// certificate.
type CSRUpdate struct {
	Status        CSRStatus
	CertificateID string
}
