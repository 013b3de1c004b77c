package directory

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidSignature = errors.New("directory: invalid signature")
	ErrExpiredEntry     = errors.New("directory: entry expired")
)

// Descriptor is the relay (or collector) identity a client needs: address,
// port, and the RSA public key used for onion layering, PEM-encoded.
type Descriptor struct {
	Address      string `json:"address"`
	Port         int    `json:"port"`
	PublicKeyPEM []byte `json:"public_key_pem"`
}

// Entry is a Descriptor signed by the publishing relay's Ed25519 identity
// key, distinct from its RSA mixing keypair. Signature covers every field
// except SigningKey and Signature themselves, so a directory peer relaying
// entries it did not mint cannot alter them undetected without re-signing.
type Entry struct {
	Key        Key               `json:"key"`
	Descriptor Descriptor        `json:"descriptor"`
	SigningKey ed25519.PublicKey `json:"signing_key"`
	Signature  []byte            `json:"signature"`
	Timestamp  int64             `json:"timestamp"`
	TTLSeconds int64             `json:"ttl_seconds"`
	Nonce      []byte            `json:"nonce"`
}

// Sign builds and signs a new Entry for desc, keyed by a Key derived from
// desc.PublicKeyPEM, using priv as the publishing relay's Ed25519 identity
// key.
func Sign(desc Descriptor, priv ed25519.PrivateKey, ttl time.Duration) (*Entry, error) {
	key, err := KeyFor(desc.PublicKeyPEM)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("directory: generate nonce: %w", err)
	}
	e := &Entry{
		Key:        key,
		Descriptor: desc,
		SigningKey: priv.Public().(ed25519.PublicKey),
		Timestamp:  time.Now().Unix(),
		TTLSeconds: int64(ttl.Seconds()),
		Nonce:      nonce,
	}
	e.Signature = ed25519.Sign(priv, e.signedMessage())
	return e, nil
}

// Verify checks the entry's signature and that it has not expired.
func (e *Entry) Verify() error {
	if e.IsExpired() {
		return ErrExpiredEntry
	}
	if len(e.SigningKey) != ed25519.PublicKeySize || len(e.Signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(e.SigningKey, e.signedMessage(), e.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// IsExpired reports whether the entry's TTL has elapsed since Timestamp.
func (e *Entry) IsExpired() bool {
	return time.Now().Unix() > e.Timestamp+e.TTLSeconds
}

func (e *Entry) signedMessage() []byte {
	buf, _ := json.Marshal(struct {
		Key        Key
		Descriptor Descriptor
		Timestamp  int64
		TTLSeconds int64
		Nonce      []byte
	}{e.Key, e.Descriptor, e.Timestamp, e.TTLSeconds, e.Nonce})
	return buf
}
