package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmcleod/ironpki/internal/uuid"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/pki"
	"github.com/jmcleod/ironpki/storage"
)

// CAEngine creates root certificate authorities.
type CAEngine struct {
	env    *Env
	logger *slog.Logger
}

// NewCAEngine returns a CAEngine bound to env.
func NewCAEngine(env *Env) *CAEngine {
	return &CAEngine{env: env, logger: env.Logger.With("component", "ca")}
}

// caFiles are the archived CA artifacts, in upload order.
type caFiles struct {
	key, cert, serial, crl, intermediate string
}

// CreateCA mints a self-signed root CA, archives its files under
// archive/<commonName>, uploads them and persists the CA record. Nothing is
// persisted unless every step succeeds.
func (e *CAEngine) CreateCA(ctx context.Context, commonName string) (ca *model.CertificateAuthority, err error) {
	start := time.Now()
	defer func() { e.env.Metrics.ObserveOperation("create_ca", start, err) }()

	if err := validateCommonName(commonName); err != nil {
		return nil, err
	}
	unlock := e.env.lock("ca/" + commonName)
	defer unlock()

	exists, err := e.env.Workspace.ArchiveExists(commonName)
	if err != nil {
		return nil, fmt.Errorf("%w: checking archive: %w", ErrStorageFailure, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: CA %q is already archived", ErrArchiveConflict, commonName)
	}

	arena, err := e.env.Workspace.NewArena()
	if err != nil {
		return nil, err
	}
	defer func() { e.env.finish(arena, "create_ca", err) }()
	log := e.logger.With("common_name", commonName, "arena", arena.Token)

	files, notAfter, err := e.mint(ctx, arena, commonName)
	if err != nil {
		return nil, err
	}

	dir, err := e.env.Workspace.CreateArchive(commonName)
	if err != nil {
		return nil, err
	}
	archived, err := archive(files, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: archiving CA files: %w", ErrStorageFailure, err)
	}
	log.Info("CA archived", "dir", dir)

	ca = &model.CertificateAuthority{
		ID:         uuid.New(),
		CommonName: commonName,
		NotAfter:   notAfter,
		CreatedAt:  e.env.now(),
	}
	uploads := []struct {
		path string
		dst  *string
	}{
		{archived.key, &ca.KeyArtifactID},
		{archived.cert, &ca.CertArtifactID},
		{archived.serial, &ca.SerialArtifactID},
		{archived.crl, &ca.CRLArtifactID},
		{archived.intermediate, &ca.IntermediateArtifactID},
	}
	for _, u := range uploads {
		if u.path == "" {
			continue
		}
		id, err := e.env.upload(ctx, commonName+"/"+filepath.Base(u.path), u.path)
		if err != nil {
			return nil, err
		}
		*u.dst = id
	}

	if err := e.env.Store.CreateCA(ctx, ca); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: CA %q: %w", ErrArchiveConflict, commonName, err)
		}
		return nil, fmt.Errorf("%w: saving CA %q: %w", ErrMetadataFailure, commonName, err)
	}
	log.Info("CA created", "ca_id", ca.ID, "not_after", ca.NotAfter)
	return ca, nil
}

// mint runs the toolchain steps in the arena.
func (e *CAEngine) mint(ctx context.Context, arena *Arena, commonName string) (caFiles, time.Time, error) {
	subject := pki.Subject{CommonName: commonName}.WithDefaults(e.env.CASubject)
	kp, err := e.env.Toolchain.GenerateKeyAndSelfSignedCert(ctx, pki.SelfSignedRequest{
		Dir:          arena.Dir,
		Subject:      subject,
		ValidityDays: e.env.CAValidityDays,
	})
	if err != nil {
		return caFiles{}, time.Time{}, toolchainError("generating CA", err)
	}
	for _, p := range []string{kp.KeyFile, kp.CertFile, kp.SerialFile} {
		if err := pki.RequireOutput(p); err != nil {
			return caFiles{}, time.Time{}, toolchainError("generating CA", err)
		}
	}
	info, err := pki.InspectCertificateFile(kp.CertFile)
	if err != nil {
		return caFiles{}, time.Time{}, toolchainError("reading CA certificate", err)
	}
	files := caFiles{key: kp.KeyFile, cert: kp.CertFile, serial: kp.SerialFile}

	if e.env.IntermediateSubject != nil {
		sub := e.env.IntermediateSubject.WithDefaults(subject)
		csrFile := arena.Path(pki.IntermediateCSRFile)
		if err := e.env.Toolchain.CreateCSR(ctx, pki.CSRRequest{KeyFile: kp.KeyFile, Subject: sub, OutFile: csrFile}); err != nil {
			return caFiles{}, time.Time{}, toolchainError("creating intermediate CSR", err)
		}
		files.intermediate = arena.Path(pki.IntermediateCertFile)
		err := e.env.Toolchain.SignCSR(ctx, pki.SignRequest{
			CSRFile:      csrFile,
			CACertFile:   kp.CertFile,
			CAKeyFile:    kp.KeyFile,
			ValidityDays: e.env.CAValidityDays,
			OutFile:      files.intermediate,
		})
		if err == nil {
			err = pki.RequireOutput(files.intermediate)
		}
		if err != nil {
			return caFiles{}, time.Time{}, toolchainError("signing intermediate", err)
		}
	}

	files.crl = arena.Path(pki.CRLFile)
	err = e.env.Toolchain.GenerateCRL(ctx, pki.CRLRequest{
		CACertFile: kp.CertFile,
		CAKeyFile:  kp.KeyFile,
		Days:       e.env.CRLDays,
		OutFile:    files.crl,
	})
	if err == nil {
		err = pki.RequireOutput(files.crl)
	}
	if err != nil {
		return caFiles{}, time.Time{}, toolchainError("generating CRL", err)
	}
	return files, info.NotAfter, nil
}

// archive moves files into dir and returns their new paths.
func archive(files caFiles, dir string) (caFiles, error) {
	var out caFiles
	moves := []struct {
		src string
		dst *string
	}{
		{files.key, &out.key},
		{files.cert, &out.cert},
		{files.serial, &out.serial},
		{files.crl, &out.crl},
		{files.intermediate, &out.intermediate},
	}
	for _, m := range moves {
		if m.src == "" {
			continue
		}
		target := filepath.Join(dir, filepath.Base(m.src))
		if err := os.Rename(m.src, target); err != nil {
			return caFiles{}, err
		}
		*m.dst = target
	}
	return out, nil
}
