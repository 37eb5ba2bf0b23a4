package pki

import (
	"crypto/x509/pkix"
	"strings"
)

// Subject is the distinguished name placed on a certificate or CSR.
type Subject struct {
	Country      string `koanf:"country" json:"country"`
	Province     string `koanf:"province" json:"province"`
	Locality     string `koanf:"locality" json:"locality"`
	Organization string `koanf:"organization" json:"organization"`
	CommonName   string `koanf:"common_name" json:"common_name"`
}

// DefaultSubject holds the placeholder values used when a field is not
// supplied.
func DefaultSubject() Subject {
	return Subject{
		Country:      "US",
		Province:     "State",
		Locality:     "Locality",
		Organization: "Organization",
	}
}

// WithDefaults fills empty fields of s from def.
func (s Subject) WithDefaults(def Subject) Subject {
	if s.Country == "" {
		s.Country = def.Country
	}
	if s.Province == "" {
		s.Province = def.Province
	}
	if s.Locality == "" {
		s.Locality = def.Locality
	}
	if s.Organization == "" {
		s.Organization = def.Organization
	}
	if s.CommonName == "" {
		s.CommonName = def.CommonName
	}
	return s
}

func appendNonEmpty(dst []string, v string) []string {
	if v == "" {
		return dst
	}
	return append(dst, v)
}

// PKIXName converts s for use with crypto/x509.
func (s Subject) PKIXName() pkix.Name {
	return pkix.Name{
		Country:      appendNonEmpty(nil, s.Country),
		Province:     appendNonEmpty(nil, s.Province),
		Locality:     appendNonEmpty(nil, s.Locality),
		Organization: appendNonEmpty(nil, s.Organization),
		CommonName:   s.CommonName,
	}
}

var subjEscaper = strings.NewReplacer(`\`, `\\`, `/`, `\/`, `+`, `\+`)

// OpenSSLString renders s in the "-subj" form, e.g. /C=US/ST=State/CN=example.
func (s Subject) OpenSSLString() string {
	var b strings.Builder
	for _, kv := range [][2]string{
		{"C", s.Country},
		{"ST", s.Province},
		{"L", s.Locality},
		{"O", s.Organization},
		{"CN", s.CommonName},
	} {
		if kv[1] == "" {
			continue
		}
		b.WriteString("/" + kv[0] + "=" + subjEscaper.Replace(kv[1]))
	}
	return b.String()
}

// isHostname reports whether a common name should also be carried as a DNS
// subject alternative name.
func isHostname(cn string) bool {
	if cn == "" || len(cn) > 253 || !strings.Contains(cn, ".") {
		return false
	}
	for _, r := range cn {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '*':
		default:
			return false
		}
	}
	return true
}
