package pki

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jmcleod/ironpki/internal/util"
)

// countryCodes maps case-folded country names to ISO 3166-1 alpha-2 codes.
var countryCodes = map[string]string{
	"united kingdom":           "GB",
	"great britain":            "GB",
	"india":                    "IN",
	"canada":                   "CA",
	"united states":            "US",
	"united states of america": "US",
	"australia":                "AU",
	"germany":                  "DE",
	"france":                   "FR",
	"japan":                    "JP",
	"singapore":                "SG",
	"ireland":                  "IE",
	"netherlands":              "NL",
	"new zealand":              "NZ",
}

// NormalizeCountry turns a country name or ISO region code into a two-letter
// code for the certificate subject. Inputs it does not recognise are returned
// unchanged.
func NormalizeCountry(country string) string {
	key := cases.Fold().String(util.Normalize(country))
	if key == "" {
		return country
	}
	if code, ok := countryCodes[key]; ok {
		return code
	}
	if len(key) == 2 || len(key) == 3 {
		if region, err := language.ParseRegion(key); err == nil && region.IsCountry() {
			return region.String()
		}
	}
	return country
}
