package encryption

import (
	"fmt"
	"io"

	"pbk-go/internal/config"
	"pbk-go/internal/pbk"
)

// Decrypter turns uploaded ciphertext back into plaintext.
type Decrypter interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// Encryptor is a pbk.Encryptor that can also unlock its private key to
// verify uploads.
type Encryptor interface {
	pbk.Encryptor
	Unlock(passphrase string) (Decrypter, error)
}

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (Encryptor, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
