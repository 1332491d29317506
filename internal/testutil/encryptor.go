package testutil

import (
	"pbk-go/internal/encryption"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}

// NameHash returns the name hash the test encryptor assigns to name under parentID.
func NameHash(parentID, name string) string {
	return encryption.FixtureNameHash(parentID, name)
}
