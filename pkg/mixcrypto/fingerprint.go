package mixcrypto

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

// Fingerprint returns a short, human-checkable BLAKE2b-256 identifier for a
// public key's PEM encoding, used in log lines and the admin API's /pubkey
// response.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	pemBytes, err := ExportPublicKeyPEM(pub)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(pemBytes)
	return hex.EncodeToString(sum[:]), nil
}

// DeriveDirectoryKey derives a fixed-length key for signing or indexing a
// relay descriptor in the directory service, from the relay's RSA public key
// and a context label, using HKDF-SHA256. This is the one place the hybrid
// layer's "fresh key per use" discipline is implemented via derivation
// rather than pure randomness, since descriptor keys must be deterministic
// across directory peers.
func DeriveDirectoryKey(pub *rsa.PublicKey, label string, length int) ([]byte, error) {
	pemBytes, err := ExportPublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	reader := hkdf.New(sha256.New, pemBytes, nil, []byte(label))
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("mixcrypto: derive directory key: %w", err)
	}
	return out, nil
}
