package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"event":"message","data":{"to":"02"}}`)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := WriteFrame(&buf, []byte(`{}`)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
	if got, err := ReadFrame(&buf); err != nil || string(got) != `{}` {
		t.Fatalf("second frame: %q %v", got, err)
	}
}

func TestFrameLimits(t *testing.T) {
	if err := WriteFrame(io.Discard, nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	if err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 4, '{'})); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected truncated frame error, got %v", err)
	}
}

func TestDecodeEnvelopeRequiresAddressing(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"nonce":"0000000000000001"}`)); err == nil {
		t.Fatalf("expected addressing error")
	}
	e, err := DecodeEnvelope([]byte(`{"to":"02aa","pubkey":"03bb","nonce":"0000000100000002","ts":5}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	n, err := e.NonceBytes()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if !bytes.Equal(n, []byte{0, 0, 0, 1, 0, 0, 0, 2}) {
		t.Fatalf("unexpected nonce %x", n)
	}
	if e.Timestamp != 5 {
		t.Fatalf("unexpected ts %d", e.Timestamp)
	}
}

func TestPayloadHelpers(t *testing.T) {
	h := NewHello("02ab")
	if h.Type() != PayloadTypeHello || h.CopayerID() != "02ab" {
		t.Fatalf("unexpected hello %v", h)
	}
	b := Payload{"type": "txProposal"}.WithBroadcast()
	raw, err := EncodePayload(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodePayload(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !back.IsBroadcast() {
		t.Fatalf("expected broadcast tag to survive json")
	}
	if _, err := DecodePayload([]byte(`null`)); err == nil {
		t.Fatalf("expected error for null payload")
	}
}

func TestEventEncoding(t *testing.T) {
	raw, err := EncodeEvent(EventSync, int64(42))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var ts int64
	if err := json.Unmarshal(ev.Data, &ts); err != nil || ts != 42 {
		t.Fatalf("unexpected data %s", ev.Data)
	}
	if _, err := DecodeEvent([]byte(`{"data":1}`)); err == nil {
		t.Fatalf("expected missing name error")
	}
}
