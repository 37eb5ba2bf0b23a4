package pki

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultOpenSSLBinary  = "openssl"
	DefaultOpenSSLTimeout = 30 * time.Second
	DefaultRSABits        = 2048
)

// OpenSSLToolchain implements SigningToolchain by running the openssl binary.
// Each invocation is bounded by Timeout.
type OpenSSLToolchain struct {
	Binary  string
	Timeout time.Duration
	RSABits int
	Logger  *slog.Logger
}

var _ SigningToolchain = (*OpenSSLToolchain)(nil)

// NewOpenSSLToolchain returns a toolchain with defaults for any zero field.
func NewOpenSSLToolchain(binary string, timeout time.Duration, rsaBits int, logger *slog.Logger) *OpenSSLToolchain {
	if binary == "" {
		binary = DefaultOpenSSLBinary
	}
	if timeout <= 0 {
		timeout = DefaultOpenSSLTimeout
	}
	if rsaBits <= 0 {
		rsaBits = DefaultRSABits
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenSSLToolchain{Binary: binary, Timeout: timeout, RSABits: rsaBits, Logger: logger}
}

func (t *OpenSSLToolchain) newKeyArg() string {
	return "rsa:" + strconv.Itoa(t.RSABits)
}

// run executes one openssl command in dir.
func (t *OpenSSLToolchain) run(ctx context.Context, op, dir string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.Binary, args...)
	cmd.Dir = dir
	// Children that inherit the pipes must not keep Wait blocked after a kill.
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	t.Logger.Debug("openssl", "op", op, "args", strings.Join(args, " "), "duration", time.Since(start), "error", err)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("openssl %s after %s: %w", op, t.Timeout, ErrToolchainTimeout)
	}
	if err != nil {
		execErr := &ExecError{Op: "openssl " + op, ExitCode: -1, Stderr: strings.TrimSpace(stderr.String())}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			execErr.ExitCode = exitErr.ExitCode()
		} else {
			execErr.Err = err
		}
		return execErr
	}
	return nil
}

func (t *OpenSSLToolchain) GenerateKeyAndSelfSignedCert(ctx context.Context, req SelfSignedRequest) (KeyPair, error) {
	kp := KeyPair{
		KeyFile:    filepath.Join(req.Dir, CAKeyFile),
		CertFile:   filepath.Join(req.Dir, CACertFile),
		SerialFile: filepath.Join(req.Dir, CASerialFile),
	}
	err := t.run(ctx, "req -x509", req.Dir,
		"req", "-x509", "-sha256",
		"-newkey", t.newKeyArg(), "-nodes",
		"-keyout", kp.KeyFile,
		"-out", kp.CertFile,
		"-days", strconv.Itoa(req.ValidityDays),
		"-subj", req.Subject.OpenSSLString(),
		"-addext", "basicConstraints=critical,CA:TRUE",
		"-addext", "keyUsage=critical,keyCertSign,cRLSign,digitalSignature",
	)
	if err != nil {
		return KeyPair{}, err
	}
	serial, err := newSerial()
	if err != nil {
		return KeyPair{}, &ExecError{Op: "write serial", ExitCode: -1, Err: err}
	}
	if err := writeSerial(kp.SerialFile, serial); err != nil {
		return KeyPair{}, &ExecError{Op: "write serial", ExitCode: -1, Err: err}
	}
	return kp, nil
}

func (t *OpenSSLToolchain) CreateCSR(ctx context.Context, req CSRRequest) error {
	args := []string{"req", "-new", "-sha256"}
	if req.GenerateKey {
		args = append(args, "-newkey", t.newKeyArg(), "-nodes", "-keyout", req.KeyFile)
	} else {
		args = append(args, "-key", req.KeyFile)
	}
	args = append(args, "-out", req.OutFile, "-subj", req.Subject.OpenSSLString())
	return t.run(ctx, "req -new", filepath.Dir(req.OutFile), args...)
}

// SignCSR assigns a random serial with -set_serial; the CA's stored serial
// file is never advanced, so counters would repeat across issuances.
func (t *OpenSSLToolchain) SignCSR(ctx context.Context, req SignRequest) error {
	serial, err := newSerial()
	if err != nil {
		return &ExecError{Op: "openssl x509 -req", ExitCode: -1, Err: err}
	}
	err = t.run(ctx, "x509 -req", filepath.Dir(req.OutFile),
		"x509", "-req", "-sha256",
		"-in", req.CSRFile,
		"-CA", req.CACertFile,
		"-CAkey", req.CAKeyFile,
		"-set_serial", "0x"+serial.Text(16),
		"-days", strconv.Itoa(req.ValidityDays),
		"-out", req.OutFile,
	)
	if err != nil {
		return err
	}
	if err := writeSerial(req.SerialFile, serial); err != nil {
		return &ExecError{Op: "write serial", ExitCode: -1, Err: err}
	}
	return nil
}

const crlConfig = `[ ca ]
default_ca = CA_default

[ CA_default ]
database         = %s
crlnumber        = %s
default_md       = sha256
default_crl_days = %d
`

// GenerateCRL runs "openssl ca -gencrl" against a throwaway database.
func (t *OpenSSLToolchain) GenerateCRL(ctx context.Context, req CRLRequest) error {
	dir, err := os.MkdirTemp(filepath.Dir(req.OutFile), "crl-")
	if err != nil {
		return &ExecError{Op: "openssl ca -gencrl", ExitCode: -1, Err: err}
	}
	defer os.RemoveAll(dir)

	index := filepath.Join(dir, "index.txt")
	number := filepath.Join(dir, "crlnumber")
	conf := filepath.Join(dir, "openssl.cnf")
	files := map[string]string{
		index:  "",
		number: "01\n",
		conf:   fmt.Sprintf(crlConfig, index, number, req.Days),
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return &ExecError{Op: "openssl ca -gencrl", ExitCode: -1, Err: err}
		}
	}

	return t.run(ctx, "ca -gencrl", dir,
		"ca", "-gencrl", "-batch",
		"-config", conf,
		"-keyfile", req.CAKeyFile,
		"-cert", req.CACertFile,
		"-crldays", strconv.Itoa(req.Days),
		"-out", req.OutFile,
	)
}
