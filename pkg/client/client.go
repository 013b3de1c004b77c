// Package client implements the mixnet's onion builder: given a chain of
// relay descriptors, the collector's public key, and a payload, it produces
// the single outermost ciphertext a client hands to the head relay.
package client

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/syiftach/transitmix/pkg/chain"
	"github.com/syiftach/transitmix/pkg/envelope"
	"github.com/syiftach/transitmix/pkg/mixcrypto"
)

// ErrPayloadTooLarge is returned when payload cannot fit in the terminal
// envelope's OAEP-encrypted core.
var ErrPayloadTooLarge = errors.New("client: payload too large for terminal envelope")

// Config carries a client's debug-mode toggle and the collector's identity,
// per component rather than as a process-wide flag.
type Config struct {
	DebugMode     bool
	CollectorHost string
	CollectorPort int
	CollectorKey  *rsa.PublicKey // nil is valid only in DebugMode
}

// terminalCore builds the innermost frame addressed to the collector:
// pseudonym || POST || payload || END, OAEP-encrypted whole (or left in the
// clear in debug mode).
func terminalCore(cfg Config, payload []byte) ([]byte, error) {
	core, err := envelope.FormatTerminal(payload)
	if err != nil {
		return nil, err
	}
	if cfg.DebugMode || cfg.CollectorKey == nil {
		return core, nil
	}
	if len(core) > mixcrypto.OAEPMaxMessageLen {
		return nil, fmt.Errorf("%w: core is %d bytes, max %d", ErrPayloadTooLarge, len(core), mixcrypto.OAEPMaxMessageLen)
	}
	return mixcrypto.AsymEncrypt(cfg.CollectorKey, core)
}

// SendDirect builds the terminal envelope for a client with no relay chain
// (§4.4 Case A) and returns the wire-ready, padded wire unit to send
// straight to the collector.
func SendDirect(cfg Config, payload []byte) ([]byte, error) {
	encCore, err := terminalCore(cfg, payload)
	if err != nil {
		return nil, err
	}
	return envelope.Wrap(encCore)
}

// BuildOnion constructs the layered onion for a client with a relay chain
// present (§4.4 Case B): the innermost layer targets the tail relay's
// forwarding step to the collector, and each outer layer wraps the previous
// one addressed to the next relay in the chain. The returned bytes are the
// wire-ready, padded wire unit to send to c.Head().
func BuildOnion(cfg Config, c *chain.Chain, payload []byte) ([]byte, error) {
	encCore, err := terminalCore(cfg, payload)
	if err != nil {
		return nil, err
	}

	tailIdx := c.Len() - 1
	frame, err := envelope.FormatLayer(encCore, cfg.CollectorHost, cfg.CollectorPort)
	if err != nil {
		return nil, err
	}
	layer, err := mixcrypto.EncryptLayer(c.At(tailIdx).PublicKey, frame, cfg.DebugMode)
	if err != nil {
		return nil, err
	}

	for i := tailIdx - 1; i >= 0; i-- {
		next := c.At(i + 1)
		frame, err = envelope.FormatLayer(layer, next.Address, next.Port)
		if err != nil {
			return nil, err
		}
		layer, err = mixcrypto.EncryptLayer(c.At(i).PublicKey, frame, cfg.DebugMode)
		if err != nil {
			return nil, err
		}
	}

	if len(layer) > envelope.MsgMaxSize {
		return nil, fmt.Errorf("%w: onion is %d bytes, max %d", envelope.ErrEnvelopeTooLarge, len(layer), envelope.MsgMaxSize)
	}
	return envelope.Wrap(layer)
}
