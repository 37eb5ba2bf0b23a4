package storage

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironpki/internal/util"
)

const (
	envelopeVersion = 1
	envelopeScheme  = "aes256gcm-hkdf"
	envelopeSaltLen = 16
	gcmNonceLen     = 12
)

var ErrUnsupportedEnvelope = errors.New("unsupported envelope")

// Envelope is a sealed artifact: AES-256-GCM ciphertext under a key derived
// from the sealing master key with HKDF(salt, name).
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Name       string `json:"name"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func artifactKey(masterKey, salt []byte, name string) ([]byte, error) {
	return util.HKDF(masterKey, salt, []byte("ironpki/artifact/"+name))
}

// SealArtifact encrypts plaintext for the artifact called name. The name is
// bound as additional data, so an envelope cannot be replayed under another
// name.
func SealArtifact(masterKey []byte, name string, plaintext []byte) (*Envelope, error) {
	salt, err := util.RandomBytes(envelopeSaltLen)
	if err != nil {
		return nil, err
	}
	key, err := artifactKey(masterKey, salt, name)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	sealed, err := util.EncryptAESWithAAD(plaintext, key, []byte(name))
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext.
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     envelopeScheme,
		Name:       name,
		Salt:       salt,
		Nonce:      sealed[:gcmNonceLen],
		Ciphertext: sealed[gcmNonceLen:],
	}, nil
}

// OpenArtifact decrypts an Envelope produced by SealArtifact.
func OpenArtifact(masterKey []byte, env *Envelope) ([]byte, error) {
	if env.Ver != envelopeVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedEnvelope, env.Ver)
	}
	if env.Scheme != envelopeScheme {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedEnvelope, env.Scheme)
	}

	key, err := artifactKey(masterKey, env.Salt, env.Name)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	full := make([]byte, len(env.Nonce)+len(env.Ciphertext))
	copy(full, env.Nonce)
	copy(full[len(env.Nonce):], env.Ciphertext)

	return util.DecryptAESWithAAD(full, key, []byte(env.Name))
}
