package pki

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectDefaults(t *testing.T) {
	s := Subject{CommonName: "Root-A", Organization: "Acme"}.WithDefaults(DefaultSubject())
	assert.Equal(t, "/C=US/ST=State/L=Locality/O=Acme/CN=Root-A", s.OpenSSLString())

	name := s.PKIXName()
	assert.Equal(t, []string{"US"}, name.Country)
	assert.Equal(t, "Root-A", name.CommonName)
}

func TestSubjectEscapesSlashes(t *testing.T) {
	s := Subject{Organization: "R/D", CommonName: `a\b`}
	assert.Equal(t, `/O=R\/D/CN=a\\b`, s.OpenSSLString())
}

func TestIsHostname(t *testing.T) {
	assert.True(t, isHostname("leaf1.example.com"))
	assert.True(t, isHostname("*.example.com"))
	assert.False(t, isHostname("Root-A"))
	assert.False(t, isHostname("Root CA.example"))
	assert.False(t, isHostname(""))
}
