package engine

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironpki/pki"
)

var (
	// ErrCANotFound indicates the referenced certificate authority does not exist.
	ErrCANotFound = errors.New("certificate authority not found")
	// ErrSigningFailure indicates the toolchain failed or produced no output.
	ErrSigningFailure = errors.New("signing failed")
	// ErrSigningTimeout indicates a toolchain call exceeded its deadline.
	ErrSigningTimeout = errors.New("signing timed out")
	// ErrArchiveConflict indicates a CA with the same common name is already archived.
	ErrArchiveConflict = errors.New("archive conflict")
	// ErrStorageFailure indicates an artifact upload or download failed.
	ErrStorageFailure = errors.New("artifact storage failed")
	// ErrMetadataFailure indicates a lifecycle record could not be read or written.
	ErrMetadataFailure = errors.New("metadata persistence failed")
	// ErrValidationFailure indicates a request was rejected before any work was done.
	ErrValidationFailure = errors.New("validation failed")
	// ErrCSRNotFound indicates the referenced signing request does not exist.
	ErrCSRNotFound = errors.New("signing request not found")
	// ErrCSRAlreadyAuthorized indicates the signing request has already been issued.
	ErrCSRAlreadyAuthorized = errors.New("signing request already authorized")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidationFailure, fmt.Sprintf(format, args...))
}

// toolchainError classifies a SigningToolchain error.
func toolchainError(step string, err error) error {
	if errors.Is(err, pki.ErrToolchainTimeout) {
		return fmt.Errorf("%w: %s: %w", ErrSigningTimeout, step, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrSigningFailure, step, err)
}
