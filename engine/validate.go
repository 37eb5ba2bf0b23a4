package engine

import (
	"unicode"
	"unicode/utf8"

	"github.com/jmcleod/ironpki/model"
)

// MaxCommonNameLength bounds common names, which double as directory names.
const MaxCommonNameLength = 64

func validateCommonName(cn string) error {
	if cn == "" {
		return validationErrorf("common name must not be empty")
	}
	if len(cn) > MaxCommonNameLength {
		return validationErrorf("common name exceeds maximum length of %d", MaxCommonNameLength)
	}
	if !utf8.ValidString(cn) {
		return validationErrorf("common name contains invalid UTF-8")
	}
	if cn == "." || cn == ".." {
		return validationErrorf("common name %q is reserved", cn)
	}
	for _, r := range cn {
		if r == '/' || r == '\\' {
			return validationErrorf("common name contains forbidden character %q", r)
		}
		if unicode.IsControl(r) {
			return validationErrorf("common name contains control character")
		}
	}
	return nil
}

func validateRequester(r model.RequesterIdentity) error {
	if r.Username == "" {
		return validationErrorf("username must not be empty")
	}
	if r.Country == "" {
		return validationErrorf("country must not be empty")
	}
	if r.Organization == "" {
		return validationErrorf("organization must not be empty")
	}
	return nil
}

func validateSubscriptionDays(days int) error {
	if days < 1 {
		return validationErrorf("subscription days must be at least 1, got %d", days)
	}
	return nil
}
