package dht

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeQuery_SortedKeys(t *testing.T) {
	packet, err := encodeQuery("\x01", "ping", map[string]interface{}{
		"id": "aaaaaaaaaaaaaaaaaaaa",
	})
	if err != nil {
		t.Fatalf("encodeQuery: %v", err)
	}

	// Bencoded dicts carry their keys in byte-lexicographic order:
	// a < q < t < y.
	want := "d1:ad2:id20:aaaaaaaaaaaaaaaaaaaae1:q4:ping1:t1:\x011:y1:qe"
	if string(packet) != want {
		t.Fatalf("packet = %q, want %q", packet, want)
	}
}

func TestDecodePacket_RoundTrip(t *testing.T) {
	packet, err := encodeReply("\x02", map[string]interface{}{
		"id":    "bbbbbbbbbbbbbbbbbbbb",
		"token": "tok",
	})
	if err != nil {
		t.Fatalf("encodeReply: %v", err)
	}

	msg, err := decodePacket(packet)
	if err != nil {
		t.Fatalf("decodePacket: %v", err)
	}
	if y, _ := stringField(msg, "y"); y != "r" {
		t.Fatalf("y = %q, want r", y)
	}
	r, ok := mapField(msg, "r")
	if !ok {
		t.Fatalf("missing r dict")
	}
	if tok, _ := stringField(r, "token"); tok != "tok" {
		t.Fatalf("token = %q", tok)
	}
}

func TestDecodePacket_TrailingGarbage(t *testing.T) {
	packet, err := encodeError("\x03", errProtocol, "oops")
	if err != nil {
		t.Fatalf("encodeError: %v", err)
	}
	packet = append(packet, "garbage"...)

	if _, err := decodePacket(packet); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodePacket_NotADict(t *testing.T) {
	if _, err := decodePacket([]byte("4:spam")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := decodePacket([]byte("i42e")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := decodePacket([]byte("d1:x")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for truncated dict, got %v", err)
	}
}

func TestEncodeError_Shape(t *testing.T) {
	packet, err := encodeError("\x04", errMethodUnknown, "Query type not implemented")
	if err != nil {
		t.Fatalf("encodeError: %v", err)
	}
	if !bytes.Contains(packet, []byte("i204e")) {
		t.Fatalf("expected error code 204 in %q", packet)
	}
}
