// Package directory distributes relay descriptors to clients, standing in
// for the spec's out-of-band chain-setup mechanism. Each relay publishes a
// signed descriptor to one or more directory peers; a client bootstraps
// against a known peer, verifies every entry's signature and TTL, and
// builds its chain from the result. The collector's public key is not
// carried by the directory.
package directory

import (
	"encoding/hex"
	"fmt"

	"github.com/syiftach/transitmix/pkg/mixcrypto"
)

// Key is a 160-bit identifier derived from a public key, used to namespace
// descriptor entries the way a Kademlia key would.
type Key [20]byte

// directoryKeyLabel namespaces the HKDF output so a descriptor key never
// collides with any other HKDF consumer deriving from the same public key.
const directoryKeyLabel = "transitmix-directory-key-v1"

// KeyFor derives a Key from a relay's PEM-encoded RSA public key via
// HKDF-SHA256.
func KeyFor(pubPEM []byte) (Key, error) {
	pub, err := mixcrypto.ImportPublicKeyPEM(pubPEM)
	if err != nil {
		return Key{}, fmt.Errorf("directory: parse public key: %w", err)
	}
	derived, err := mixcrypto.DeriveDirectoryKey(pub, directoryKeyLabel, len(Key{}))
	if err != nil {
		return Key{}, err
	}
	var k Key
	copy(k[:], derived)
	return k, nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Xor returns the bitwise XOR distance between two keys.
func (k Key) Xor(other Key) Key {
	var result Key
	for i := range k {
		result[i] = k[i] ^ other[i]
	}
	return result
}
