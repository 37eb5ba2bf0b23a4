package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/ironpki/internal/util"
)

const serialBits = 127

// NativeToolchain implements SigningToolchain in-process with crypto/x509.
// Keys come from a per-operation SoftwareKeyStore and are dropped from memory
// once written to disk.
type NativeToolchain struct {
	clock clockwork.Clock
}

var _ SigningToolchain = (*NativeToolchain)(nil)

// NativeOption configures a NativeToolchain.
type NativeOption func(*NativeToolchain)

// WithClock sets the clock used for NotBefore/NotAfter and CRL timestamps.
func WithClock(c clockwork.Clock) NativeOption {
	return func(t *NativeToolchain) { t.clock = c }
}

// NewNativeToolchain returns a NativeToolchain.
func NewNativeToolchain(opts ...NativeOption) *NativeToolchain {
	t := &NativeToolchain{clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(t)
	}
	return t
}

func encodeCertPEM(derBytes []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
}

func nativeError(op string, err error) error {
	return &ExecError{Op: op, ExitCode: -1, Err: err}
}

// generateKeyFile creates a key, writes it to path and returns its signer.
func generateKeyFile(path string) (crypto.Signer, error) {
	ks := NewSoftwareKeyStore()
	keyID, err := ks.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer ks.Delete(keyID) //nolint:errcheck

	keyPEM, err := ks.ExportPEM(keyID)
	if err != nil {
		return nil, fmt.Errorf("exporting key: %w", err)
	}
	if err := os.WriteFile(path, []byte(keyPEM), 0o600); err != nil {
		return nil, fmt.Errorf("writing key: %w", err)
	}
	return ks.Signer(keyID)
}

func loadKeyFile(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	ks := NewSoftwareKeyStore()
	keyID, err := ks.ImportPEM(string(data))
	if err != nil {
		return nil, err
	}
	defer ks.Delete(keyID) //nolint:errcheck
	return ks.Signer(keyID)
}

func loadCertFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	return ParseCertificate(data)
}

func newSerial() (*big.Int, error) {
	return util.RandomSerial(serialBits)
}

// ---------------------------------------------------------------------------
// SigningToolchain
// ---------------------------------------------------------------------------

func (t *NativeToolchain) GenerateKeyAndSelfSignedCert(ctx context.Context, req SelfSignedRequest) (KeyPair, error) {
	const op = "generate CA"
	if err := contextError(ctx, op); err != nil {
		return KeyPair{}, err
	}
	kp := KeyPair{
		KeyFile:    filepath.Join(req.Dir, CAKeyFile),
		CertFile:   filepath.Join(req.Dir, CACertFile),
		SerialFile: filepath.Join(req.Dir, CASerialFile),
	}

	signer, err := generateKeyFile(kp.KeyFile)
	if err != nil {
		return KeyPair{}, nativeError(op, err)
	}
	serial, err := newSerial()
	if err != nil {
		return KeyPair{}, nativeError(op, err)
	}

	now := t.clock.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               req.Subject.PKIXName(),
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, req.ValidityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	// Self-sign.
	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return KeyPair{}, nativeError(op, fmt.Errorf("creating CA certificate: %w", err))
	}
	if err := os.WriteFile(kp.CertFile, encodeCertPEM(derBytes), 0o644); err != nil {
		return KeyPair{}, nativeError(op, err)
	}
	if err := writeSerial(kp.SerialFile, serial); err != nil {
		return KeyPair{}, nativeError(op, err)
	}
	return kp, nil
}

func (t *NativeToolchain) CreateCSR(ctx context.Context, req CSRRequest) error {
	const op = "create CSR"
	if err := contextError(ctx, op); err != nil {
		return err
	}

	var (
		signer crypto.Signer
		err    error
	)
	if req.GenerateKey {
		signer, err = generateKeyFile(req.KeyFile)
	} else {
		signer, err = loadKeyFile(req.KeyFile)
	}
	if err != nil {
		return nativeError(op, err)
	}

	template := &x509.CertificateRequest{Subject: req.Subject.PKIXName()}
	if isHostname(req.Subject.CommonName) {
		template.DNSNames = []string{req.Subject.CommonName}
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nativeError(op, fmt.Errorf("creating CSR: %w", err))
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	if err := os.WriteFile(req.OutFile, out, 0o644); err != nil {
		return nativeError(op, err)
	}
	return nil
}

func (t *NativeToolchain) SignCSR(ctx context.Context, req SignRequest) error {
	const op = "sign CSR"
	if err := contextError(ctx, op); err != nil {
		return err
	}

	data, err := os.ReadFile(req.CSRFile)
	if err != nil {
		return nativeError(op, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nativeError(op, fmt.Errorf("CSR: %w", ErrInvalidPEM))
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nativeError(op, fmt.Errorf("parsing CSR: %w", err))
	}
	if err := csr.CheckSignature(); err != nil {
		return nativeError(op, fmt.Errorf("CSR signature invalid: %w", err))
	}

	caCert, err := loadCertFile(req.CACertFile)
	if err != nil {
		return nativeError(op, err)
	}
	caSigner, err := loadKeyFile(req.CAKeyFile)
	if err != nil {
		return nativeError(op, err)
	}
	serial, err := newSerial()
	if err != nil {
		return nativeError(op, err)
	}

	now := t.clock.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, req.ValidityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		EmailAddresses:        csr.EmailAddresses,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, caCert, csr.PublicKey, caSigner)
	if err != nil {
		return nativeError(op, fmt.Errorf("signing CSR: %w", err))
	}
	if err := os.WriteFile(req.OutFile, encodeCertPEM(derBytes), 0o644); err != nil {
		return nativeError(op, err)
	}
	if err := writeSerial(req.SerialFile, serial); err != nil {
		return nativeError(op, err)
	}
	return nil
}

func (t *NativeToolchain) GenerateCRL(ctx context.Context, req CRLRequest) error {
	const op = "generate CRL"
	if err := contextError(ctx, op); err != nil {
		return err
	}

	caCert, err := loadCertFile(req.CACertFile)
	if err != nil {
		return nativeError(op, err)
	}
	caSigner, err := loadKeyFile(req.CAKeyFile)
	if err != nil {
		return nativeError(op, err)
	}

	now := t.clock.Now().UTC()
	template := &x509.RevocationList{
		Number:     big.NewInt(now.Unix()),
		ThisUpdate: now,
		NextUpdate: now.AddDate(0, 0, req.Days),
	}
	crlDER, err := x509.CreateRevocationList(rand.Reader, template, caCert, caSigner)
	if err != nil {
		return nativeError(op, fmt.Errorf("creating CRL: %w", err))
	}
	crlPEM := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crlDER})
	if err := os.WriteFile(req.OutFile, crlPEM, 0o644); err != nil {
		return nativeError(op, err)
	}
	return nil
}
