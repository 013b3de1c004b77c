package envelope

import (
	"bytes"
	"errors"
	"testing"
)

func TestFormatLayerParseRelayFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		dest    string
		port    int
	}{
		{"simple", []byte("hello"), "10.0.0.1", 9000},
		{"empty payload", []byte{}, "127.0.0.1", 1},
		{"payload contains DEST literal", []byte("xxDESTyyPORTzz"), "host", 42},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := FormatLayer(tc.payload, tc.dest, tc.port)
			if err != nil {
				t.Fatalf("FormatLayer: %v", err)
			}
			unwrapped, err := Unwrap(frame)
			if err != nil {
				t.Fatalf("Unwrap: %v", err)
			}
			payload, dest, port, err := ParseRelayFrame(unwrapped)
			if err != nil {
				t.Fatalf("ParseRelayFrame: %v", err)
			}
			if !bytes.Equal(payload, tc.payload) {
				t.Errorf("payload = %q, want %q", payload, tc.payload)
			}
			if dest != tc.dest {
				t.Errorf("dest = %q, want %q", dest, tc.dest)
			}
			if port != tc.port {
				t.Errorf("port = %d, want %d", port, tc.port)
			}
		})
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	frame, err := FormatLayer([]byte("payload"), "dest", 1234)
	if err != nil {
		t.Fatalf("FormatLayer: %v", err)
	}
	wire, err := Wrap(frame)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if len(wire) != MsgMaxSize {
		t.Fatalf("len(wire) = %d, want %d", len(wire), MsgMaxSize)
	}
	unwrapped, err := Unwrap(wire)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	want := frame[:len(frame)-len(endToken)]
	if !bytes.Equal(unwrapped, want) {
		t.Errorf("unwrapped = %q, want %q", unwrapped, want)
	}
}

func TestWrapTooLarge(t *testing.T) {
	big := make([]byte, MsgMaxSize+1)
	if _, err := Wrap(big); !errors.Is(err, ErrEnvelopeTooLarge) {
		t.Fatalf("Wrap(oversize) err = %v, want ErrEnvelopeTooLarge", err)
	}
}

func TestUnwrapMalformed(t *testing.T) {
	if _, err := Unwrap([]byte("no end token here")); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("Unwrap err = %v, want ErrMalformedEnvelope", err)
	}
}

func TestParseRelayFrameMalformed(t *testing.T) {
	if _, _, _, err := ParseRelayFrame([]byte("garbage")); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("ParseRelayFrame err = %v, want ErrMalformedEnvelope", err)
	}
}

func TestFormatTerminalParseTerminalFrame(t *testing.T) {
	payload := []byte("42;EGGED;7;08:05;A;B")
	frame, err := FormatTerminal(payload)
	if err != nil {
		t.Fatalf("FormatTerminal: %v", err)
	}
	unwrapped, err := Unwrap(frame)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	got, err := ParseTerminalFrame(unwrapped)
	if err != nil {
		t.Fatalf("ParseTerminalFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestLayerDistinctness(t *testing.T) {
	payload := []byte("identical payload")
	a, err := FormatLayer(payload, "host", 1)
	if err != nil {
		t.Fatalf("FormatLayer: %v", err)
	}
	b, err := FormatLayer(payload, "host", 1)
	if err != nil {
		t.Fatalf("FormatLayer: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two FormatLayer calls with identical arguments produced identical output")
	}
}
