package mixcrypto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncryptDecryptLayerRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	layer := []byte("a full envelope frame worth of bytes")

	blob, err := EncryptLayer(&priv.PublicKey, layer, false)
	if err != nil {
		t.Fatalf("EncryptLayer: %v", err)
	}
	if bytes.Equal(blob, layer) {
		t.Fatal("EncryptLayer in non-debug mode returned plaintext unchanged")
	}

	got, err := DecryptLayer(priv, blob, false)
	if err != nil {
		t.Fatalf("DecryptLayer: %v", err)
	}
	if !bytes.Equal(got, layer) {
		t.Errorf("got %q, want %q", got, layer)
	}
}

func TestEncryptLayerDebugModeIsIdentity(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	layer := []byte("passthrough")

	blob, err := EncryptLayer(&priv.PublicKey, layer, true)
	if err != nil {
		t.Fatalf("EncryptLayer: %v", err)
	}
	if !bytes.Equal(blob, layer) {
		t.Errorf("debug-mode EncryptLayer mutated input: got %q, want %q", blob, layer)
	}

	got, err := DecryptLayer(priv, blob, true)
	if err != nil {
		t.Fatalf("DecryptLayer: %v", err)
	}
	if !bytes.Equal(got, layer) {
		t.Errorf("debug-mode DecryptLayer mutated input: got %q, want %q", got, layer)
	}
}

func TestEncryptLayerNilPubIsIdentity(t *testing.T) {
	layer := []byte("no key available")
	blob, err := EncryptLayer(nil, layer, false)
	if err != nil {
		t.Fatalf("EncryptLayer: %v", err)
	}
	if !bytes.Equal(blob, layer) {
		t.Errorf("got %q, want %q", blob, layer)
	}
}

func TestDecryptLayerTamperedAEADFails(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	blob, err := EncryptLayer(&priv.PublicKey, []byte("payload"), false)
	if err != nil {
		t.Fatalf("EncryptLayer: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF

	if _, err := DecryptLayer(priv, blob, false); !errors.Is(err, ErrCryptoFailure) {
		t.Fatalf("DecryptLayer(tampered) err = %v, want ErrCryptoFailure", err)
	}
}

func TestDecryptLayerShortBlobFails(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if _, err := DecryptLayer(priv, []byte("too short"), false); !errors.Is(err, ErrCryptoFailure) {
		t.Fatalf("DecryptLayer(short) err = %v, want ErrCryptoFailure", err)
	}
}

// TestDecryptLayerIgnoresTrailingPadding covers the shape DecryptLayer
// actually receives in production: a relay's wire buffer is padded with
// random bytes out to MSG_MAX_SIZE, well past the hybrid blob's own end.
func TestDecryptLayerIgnoresTrailingPadding(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	layer := []byte("a full envelope frame worth of bytes")
	blob, err := EncryptLayer(&priv.PublicKey, layer, false)
	if err != nil {
		t.Fatalf("EncryptLayer: %v", err)
	}

	padded := append(append([]byte(nil), blob...), bytes.Repeat([]byte{0xAA}, 8192-len(blob))...)

	got, err := DecryptLayer(priv, padded, false)
	if err != nil {
		t.Fatalf("DecryptLayer(padded): %v", err)
	}
	if !bytes.Equal(got, layer) {
		t.Errorf("got %q, want %q", got, layer)
	}
}

func TestDecryptLayerTruncatedLengthPrefixFails(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	blob, err := EncryptLayer(&priv.PublicKey, []byte("payload"), false)
	if err != nil {
		t.Fatalf("EncryptLayer: %v", err)
	}
	binary.BigEndian.PutUint32(blob[SymKeyLen:SymKeyLen+hybridLenPrefix], 0xFFFFFFFF)

	if _, err := DecryptLayer(priv, blob, false); !errors.Is(err, ErrCryptoFailure) {
		t.Fatalf("DecryptLayer(bad length prefix) err = %v, want ErrCryptoFailure", err)
	}
}

func TestGenerateSymKeyFreshEachCall(t *testing.T) {
	a, err := GenerateSymKey()
	if err != nil {
		t.Fatalf("GenerateSymKey: %v", err)
	}
	b, err := GenerateSymKey()
	if err != nil {
		t.Fatalf("GenerateSymKey: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two GenerateSymKey calls produced identical keys")
	}
}
