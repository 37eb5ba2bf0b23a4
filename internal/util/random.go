package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomSerial returns a positive serial number of at most bits bits, suitable
// for X.509 certificates.
func RandomSerial(bits uint) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), bits)
	for {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, fmt.Errorf("generating serial number: %w", err)
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}
