package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/vbridge/internal/crypto"
)

// TestEncryptionKey is the base64 AES-256 key behind GetTestEncryptor. Tests
// that build a config use it so the server and the test share credentials.
func TestEncryptionKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// GetTestEncryptor returns an encryptor over TestEncryptionKey.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	encryptor, err := crypto.NewEncryptor(TestEncryptionKey())
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}
