// Package mixcrypto implements the mixnet's asymmetric and hybrid per-layer
// encryption: RSA-2048 OAEP-SHA256 key wrapping plus an AEAD symmetric layer,
// combined the way every hop in the chain peels one layer.
package mixcrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// KeyBits is the RSA modulus size mandated for every relay, client, and
// collector keypair in the mixnet.
const KeyBits = 2048

// AsymCiphertextLen is the exact length, in bytes, of an OAEP-SHA256
// ciphertext produced under a KeyBits-sized key. It doubles as SymKeyLen
// (the hybrid layer's asymmetric-ciphertext prefix) and as CoreMsgSize (the
// collector's terminal-ciphertext prefix), since both are pinned to this key
// size.
const AsymCiphertextLen = KeyBits / 8

// OAEPMaxMessageLen is the largest plaintext OAEP-SHA256 can wrap under a
// KeyBits-sized key: k - 2*hLen - 2.
const OAEPMaxMessageLen = AsymCiphertextLen - 2*sha256.Size - 2

var ErrInvalidKey = errors.New("mixcrypto: invalid key")

// GenerateKeyPair creates a fresh RSA-2048 keypair.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, KeyBits)
}

// ExportPrivateKeyPEM encodes a private key as a PKCS8 PEM block.
func ExportPrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("mixcrypto: marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// ExportPublicKeyPEM encodes a public key as a SubjectPublicKeyInfo PEM block.
func ExportPublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("mixcrypto: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// ImportPrivateKeyPEM decodes a PKCS8 PEM-encoded RSA private key.
func ImportPrivateKeyPEM(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidKey
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("mixcrypto: parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return rsaKey, nil
}

// ImportPublicKeyPEM decodes a SubjectPublicKeyInfo PEM-encoded RSA public key.
func ImportPublicKeyPEM(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidKey
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("mixcrypto: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return rsaPub, nil
}

// SaveKeyToFile writes PEM-encoded key material to filename with owner-only
// permissions.
func SaveKeyToFile(filename string, pemData []byte) error {
	return os.WriteFile(filename, pemData, 0o600)
}

// LoadKeyFromFile reads PEM-encoded key material from filename.
func LoadKeyFromFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// AsymEncrypt OAEP-SHA256-encrypts data under pub. len(data) must be
// <= OAEPMaxMessageLen.
func AsymEncrypt(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data, nil)
	if err != nil {
		return nil, fmt.Errorf("mixcrypto: asym encrypt: %w", err)
	}
	return ciphertext, nil
}

// AsymDecrypt OAEP-SHA256-decrypts ciphertext under priv.
func AsymDecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}
