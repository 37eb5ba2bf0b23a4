package storage

import (
	"cmp"
	"slices"

	"github.com/jmcleod/ironpki/model"
)

// SortCAs orders CAs by creation time, then id.
func SortCAs(cas []model.CertificateAuthority) {
	slices.SortFunc(cas, func(a, b model.CertificateAuthority) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
}

// SortCertificates orders certificates by authorisation time, then id.
func SortCertificates(certs []model.Certificate) {
	slices.SortFunc(certs, func(a, b model.Certificate) int {
		return cmp.Or(a.DateAuthorized.Compare(b.DateAuthorized), cmp.Compare(a.ID, b.ID))
	})
}

// SortCSRs orders CSRs by creation time, then id.
func SortCSRs(csrs []model.CSR) {
	slices.SortFunc(csrs, func(a, b model.CSR) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
}
