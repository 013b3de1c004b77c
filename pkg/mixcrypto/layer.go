package mixcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SymKeyLen is the number of bytes a hybrid-encrypted layer's asymmetric
// prefix occupies; pinned to AsymCiphertextLen since the symmetric key is
// always wrapped under the same RSA-2048 key size.
const SymKeyLen = AsymCiphertextLen

// hybridLenPrefix is the size, in bytes, of the big-endian length field that
// precedes the symmetric ciphertext in a hybrid-encrypted layer. A relay's
// wire buffer is a fixed MSG_MAX_SIZE frame padded with random trailing
// bytes after envelope.Wrap, so the symmetric ciphertext's own end is not
// otherwise recoverable from blob's length.
const hybridLenPrefix = 4

// symKeyBytes is the raw AES-256 key size generated fresh per layer.
const symKeyBytes = 32

// ErrCryptoFailure is returned by DecryptLayer and AsymDecrypt whenever
// decryption, unwrapping, or AEAD authentication fails for any reason.
var ErrCryptoFailure = errors.New("mixcrypto: crypto failure")

// GenerateSymKey returns a fresh random AES-256 key. Every call to
// EncryptLayer makes its own, independent of any other layer or message —
// keys are never reused across layers.
func GenerateSymKey() ([]byte, error) {
	key := make([]byte, symKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("mixcrypto: generate symmetric key: %w", err)
	}
	return key, nil
}

// symEncrypt seals plaintext under key with AES-256-GCM, prepending the
// nonce to the ciphertext.
func symEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mixcrypto: sym encrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("mixcrypto: sym encrypt: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("mixcrypto: sym encrypt nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// symDecrypt opens ciphertext (nonce-prefixed) under key.
func symDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrCryptoFailure)
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}

// EncryptLayer implements the hybrid per-layer primitive. When debug is true
// or pub is nil, it returns layer unchanged (identity passthrough, used to
// unit test routing logic in isolation from cryptography). Otherwise it
// generates a fresh symmetric key, wraps it with pub, and returns
// asym_encrypt(pub, k) || len(sym_encrypt(k, layer)) || sym_encrypt(k, layer),
// the length a 4-byte big-endian prefix. The blob is framed this way because
// a relay hands DecryptLayer the full padded wire frame, not a pre-trimmed
// ciphertext — without a length, the AEAD tag check would authenticate the
// trailing padding along with the real ciphertext and always fail.
func EncryptLayer(pub *rsa.PublicKey, layer []byte, debug bool) ([]byte, error) {
	if debug || pub == nil {
		return layer, nil
	}
	key, err := GenerateSymKey()
	if err != nil {
		return nil, err
	}
	encKey, err := AsymEncrypt(pub, key)
	if err != nil {
		return nil, err
	}
	encLayer, err := symEncrypt(key, layer)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(encKey)+hybridLenPrefix+len(encLayer))
	out = append(out, encKey...)
	var lenPrefix [hybridLenPrefix]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(encLayer)))
	out = append(out, lenPrefix[:]...)
	out = append(out, encLayer...)
	return out, nil
}

// DecryptLayer is EncryptLayer's inverse. When debug is true it returns blob
// unchanged. Otherwise it reads the asymmetric prefix at SymKeyLen, unwraps
// the symmetric key with priv, then reads the length-prefixed symmetric
// ciphertext that follows — bounding it precisely so any random padding
// blob carries beyond the real ciphertext (the rest of a fixed-size wire
// frame) is never fed to the AEAD open call. Any failure along the way —
// malformed framing, bad OAEP padding, AEAD authentication mismatch — is
// reported as ErrCryptoFailure.
func DecryptLayer(priv *rsa.PrivateKey, blob []byte, debug bool) ([]byte, error) {
	if debug {
		return blob, nil
	}
	if len(blob) < SymKeyLen+hybridLenPrefix {
		return nil, fmt.Errorf("%w: blob shorter than hybrid header", ErrCryptoFailure)
	}
	encKey := blob[:SymKeyLen]
	encLayerLen := binary.BigEndian.Uint32(blob[SymKeyLen : SymKeyLen+hybridLenPrefix])
	encLayerStart := SymKeyLen + hybridLenPrefix
	encLayerEnd := encLayerStart + int(encLayerLen)
	if encLayerEnd < encLayerStart || encLayerEnd > len(blob) {
		return nil, fmt.Errorf("%w: hybrid length prefix out of range", ErrCryptoFailure)
	}
	encLayer := blob[encLayerStart:encLayerEnd]
	key, err := AsymDecrypt(priv, encKey)
	if err != nil {
		return nil, err
	}
	return symDecrypt(key, encLayer)
}
