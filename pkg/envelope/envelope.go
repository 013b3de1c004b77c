// Package envelope implements the mixnet's fixed-size wire framing: the
// pseudonym/POST/DEST/PORT/END grammar every link speaks, padded to a
// constant size so no link ever leaks a payload's length.
package envelope

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
)

const (
	// MsgMaxSize is the fixed size, in bytes, of every envelope on any
	// mixnet link.
	MsgMaxSize = 8192

	// PseudonymLen is the number of random bytes prefixed to every layer
	// so identical payloads never produce identical ciphertexts.
	PseudonymLen = 8
)

var (
	postToken = []byte("POST")
	destToken = []byte("DEST")
	portToken = []byte("PORT")
	endToken  = []byte("END")
)

// ErrEnvelopeTooLarge is returned by Wrap when the frame does not fit in
// MsgMaxSize bytes.
var ErrEnvelopeTooLarge = errors.New("envelope: frame exceeds MsgMaxSize")

// ErrMalformedEnvelope is returned by Unwrap/ParseRelayFrame/ParseTerminalFrame
// when an expected delimiter is missing or a field cannot be parsed.
var ErrMalformedEnvelope = errors.New("envelope: malformed frame")

// Pseudonym returns PseudonymLen fresh random bytes.
func Pseudonym() ([]byte, error) {
	p := make([]byte, PseudonymLen)
	if _, err := rand.Read(p); err != nil {
		return nil, fmt.Errorf("envelope: generate pseudonym: %w", err)
	}
	return p, nil
}

// FormatLayer builds `pseudonym || POST || inner || DEST || dest || PORT || port || END`.
func FormatLayer(inner []byte, dest string, port int) ([]byte, error) {
	pseudonym, err := Pseudonym()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(pseudonym) + len(postToken) + len(inner) + len(destToken) + len(dest) + len(portToken) + 6 + len(endToken))
	buf.Write(pseudonym)
	buf.Write(postToken)
	buf.Write(inner)
	buf.Write(destToken)
	buf.WriteString(dest)
	buf.Write(portToken)
	buf.WriteString(strconv.Itoa(port))
	buf.Write(endToken)
	return buf.Bytes(), nil
}

// FormatTerminal builds `pseudonym || POST || inner || END`, the terminal
// frame addressed to the collector: it omits DEST/PORT since the collector
// is never routed onward.
func FormatTerminal(inner []byte) ([]byte, error) {
	pseudonym, err := Pseudonym()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(pseudonym) + len(postToken) + len(inner) + len(endToken))
	buf.Write(pseudonym)
	buf.Write(postToken)
	buf.Write(inner)
	buf.Write(endToken)
	return buf.Bytes(), nil
}

// Wrap pads frame with uniformly random bytes up to MsgMaxSize.
func Wrap(frame []byte) ([]byte, error) {
	if len(frame) > MsgMaxSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrEnvelopeTooLarge, len(frame))
	}
	padded := make([]byte, MsgMaxSize)
	copy(padded, frame)
	if _, err := rand.Read(padded[len(frame):]); err != nil {
		return nil, fmt.Errorf("envelope: pad: %w", err)
	}
	return padded, nil
}

// Unwrap strips trailing padding by returning everything before the last
// occurrence of END; the END token itself is not included.
func Unwrap(padded []byte) ([]byte, error) {
	idx := bytes.LastIndex(padded, endToken)
	if idx == -1 {
		return nil, fmt.Errorf("%w: no END token", ErrMalformedEnvelope)
	}
	return padded[:idx], nil
}

// ParseRelayFrame splits a peeled, unwrapped frame into its payload and
// next-hop address. POST is matched at its first occurrence; DEST and PORT
// at their last, so payload bytes that happen to contain those literals
// cannot confuse the parser.
func ParseRelayFrame(frame []byte) (payload []byte, dest string, port int, err error) {
	postIdx := bytes.Index(frame, postToken)
	if postIdx == -1 {
		return nil, "", 0, fmt.Errorf("%w: no POST token", ErrMalformedEnvelope)
	}
	destIdx := bytes.LastIndex(frame, destToken)
	if destIdx == -1 || destIdx < postIdx {
		return nil, "", 0, fmt.Errorf("%w: no DEST token", ErrMalformedEnvelope)
	}
	portIdx := bytes.LastIndex(frame, portToken)
	if portIdx == -1 || portIdx < destIdx {
		return nil, "", 0, fmt.Errorf("%w: no PORT token", ErrMalformedEnvelope)
	}

	payload = frame[postIdx+len(postToken) : destIdx]
	dest = string(frame[destIdx+len(destToken) : portIdx])
	portStr := string(frame[portIdx+len(portToken):])
	port, convErr := strconv.Atoi(portStr)
	if convErr != nil {
		return nil, "", 0, fmt.Errorf("%w: bad port %q", ErrMalformedEnvelope, portStr)
	}
	return payload, dest, port, nil
}

// ParseTerminalFrame returns everything after the first POST delimiter; used
// by the collector, whose frames omit DEST/PORT and reach it with END
// already stripped by Unwrap.
func ParseTerminalFrame(frame []byte) ([]byte, error) {
	idx := bytes.Index(frame, postToken)
	if idx == -1 {
		return nil, fmt.Errorf("%w: no POST token", ErrMalformedEnvelope)
	}
	return frame[idx+len(postToken):], nil
}
