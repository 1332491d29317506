package pbk

import "io"

// NameHasher derives the remote name hash of a file name under a parent.
// Hashes change when the key material changes, which invalidates every
// previous duplicate classification.
type NameHasher interface {
	NameHash(parentID string, name string) (string, error)
}

// Encryptor produces the ciphertext uploaded for a file.
type Encryptor interface {
	NameHasher

	// Setup performs one-time key generation, protecting the private key
	// with passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// IsConfigured returns true if the key material exists.
	IsConfigured() bool
}
