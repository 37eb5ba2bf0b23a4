// Package pki wraps the cryptographic toolchain used to mint CA and leaf
// certificates. Every operation works on files in a caller-owned working
// directory, so the engines above it never touch key material directly.
package pki

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/jmcleod/ironpki/internal/util"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrToolchain is returned when a signing operation fails. Use errors.As
	// with *ExecError to get the exit status and diagnostics.
	ErrToolchain = errors.New("signing toolchain failed")

	// ErrToolchainTimeout is returned when an operation exceeds its deadline.
	ErrToolchainTimeout = errors.New("signing toolchain timed out")

	// ErrMissingOutput is returned when an operation reports success but the
	// expected output file is absent or empty.
	ErrMissingOutput = errors.New("signing toolchain produced no output")
)

// ExecError describes a failed toolchain invocation.
type ExecError struct {
	Op       string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Op)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrToolchain}
	}
	return []error{ErrToolchain, e.Err}
}

// ---------------------------------------------------------------------------
// Working-directory file names
// ---------------------------------------------------------------------------

const (
	CAKeyFile            = "ca.key"
	CACertFile           = "ca.crt"
	CASerialFile         = "ca.srl"
	CRLFile              = "crl.pem"
	IntermediateCSRFile  = "intermediate.csr"
	IntermediateCertFile = "intermediate.crt"
	LeafKeyFile          = "leaf.key"
	LeafCSRFile          = "leaf.csr"
	LeafCertFile         = "leaf.crt"
)

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// SelfSignedRequest asks for a new CA key and self-signed certificate in Dir.
type SelfSignedRequest struct {
	Dir          string
	Subject      Subject
	ValidityDays int
}

// KeyPair lists the files written by GenerateKeyAndSelfSignedCert.
type KeyPair struct {
	KeyFile    string
	CertFile   string
	SerialFile string
}

// CSRRequest asks for a signing request for Subject. When GenerateKey is set
// a fresh key is written to KeyFile first; otherwise KeyFile must exist.
type CSRRequest struct {
	KeyFile     string
	GenerateKey bool
	Subject     Subject
	OutFile     string
}

// SignRequest asks the CA in CACertFile/CAKeyFile to sign CSRFile. The issued
// serial is recorded in SerialFile when set.
type SignRequest struct {
	CSRFile      string
	CACertFile   string
	CAKeyFile    string
	SerialFile   string
	ValidityDays int
	OutFile      string
}

// CRLRequest asks for an (empty) revocation list signed by the CA.
type CRLRequest struct {
	CACertFile string
	CAKeyFile  string
	Days       int
	OutFile    string
}

// SigningToolchain is the capability the CA and certificate engines depend
// on. Implementations are synchronous and report failures as ErrToolchain,
// ErrToolchainTimeout or ErrMissingOutput.
type SigningToolchain interface {
	GenerateKeyAndSelfSignedCert(ctx context.Context, req SelfSignedRequest) (KeyPair, error)
	CreateCSR(ctx context.Context, req CSRRequest) error
	SignCSR(ctx context.Context, req SignRequest) error
	GenerateCRL(ctx context.Context, req CRLRequest) error
}

// RequireOutput returns ErrMissingOutput unless path is a non-empty file.
func RequireOutput(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMissingOutput, path, err)
	}
	if fi.IsDir() || fi.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrMissingOutput, path)
	}
	return nil
}

// writeSerial records serial in openssl's serial file format: upper-case hex
// with an even number of digits.
func writeSerial(path string, serial *big.Int) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(util.HexEncode(serial.Bytes())+"\n"), 0o600)
}

func contextError(ctx context.Context, op string) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrToolchainTimeout)
	default:
		return &ExecError{Op: op, ExitCode: -1, Err: err}
	}
}
