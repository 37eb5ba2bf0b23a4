package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD and trims surrounding whitespace.
func Normalize(s string) string {
	return strings.TrimSpace(norm.NFKD.String(s))
}

func HexEncode(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimSpace(s))
}
