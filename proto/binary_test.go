package proto

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestBinaryRoundTrip_Identifier(t *testing.T) {
	for _, tag := range []Type{TypeWill, TypeID} {
		orig := NewIdentifier(tag, "bike-77.example.org")

		payload, err := Encode(orig, EncodingBinary)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if len(payload) != identifierSize {
			t.Errorf("expected %d byte payload, got %d", identifierSize, len(payload))
		}

		decoded, err := Decode(payload, 42)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		got, ok := decoded.(*Identifier)
		if !ok {
			t.Fatalf("expected *Identifier, got %T", decoded)
		}
		if got.Type != orig.Type || got.Timestamp != orig.Timestamp || got.ID != orig.ID {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, orig)
		}
	}
}

func TestBinaryRoundTrip_PhaseRequest(t *testing.T) {
	for _, tag := range []Type{TypePhaseRequest, TypePhaseRequestOn, TypePhaseRequestOff} {
		orig := NewPhaseRequest(tag, "rider-1", "beacon-1.example.org", 3)

		payload, err := Encode(orig, EncodingBinary)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if len(payload) != phaseRequestSize {
			t.Errorf("expected %d byte payload, got %d", phaseRequestSize, len(payload))
		}

		decoded, err := Decode(payload, 7)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		got, ok := decoded.(*PhaseRequest)
		if !ok {
			t.Fatalf("expected *PhaseRequest, got %T", decoded)
		}
		if got.Type != tag || got.UserID != orig.UserID || got.ControllerID != orig.ControllerID || got.Phase != orig.Phase {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, orig)
		}
		if got.Timestamp != orig.Timestamp {
			t.Errorf("expected timestamp %d, got %d", orig.Timestamp, got.Timestamp)
		}
	}
}

func TestBinaryRoundTrip_Ack(t *testing.T) {
	orig := NewAck("beacon-1.example.org", 1234, ResultInvalidPhase)

	payload, err := Encode(orig, EncodingBinary)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(payload) != ackSize {
		t.Errorf("expected %d byte payload, got %d", ackSize, len(payload))
	}

	decoded, err := Decode(payload, 9)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	got, ok := decoded.(*Ack)
	if !ok {
		t.Fatalf("expected *Ack, got %T", decoded)
	}
	if got.ID != orig.ID || got.AckedMID != orig.AckedMID || got.Result != orig.Result {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, orig)
	}
}

func TestBinaryRoundTrip_AdminCommand(t *testing.T) {
	for _, tag := range []Type{TypeAdminReboot, TypeAdminWifiEnable, TypeAdminWifiDisable} {
		orig := NewAdminCommand(tag, "operator", "beacon-1.example.org")

		payload, err := Encode(orig, EncodingBinary)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if len(payload) != adminCommandSize {
			t.Errorf("expected %d byte payload, got %d", adminCommandSize, len(payload))
		}

		decoded, err := Decode(payload, 3)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		got, ok := decoded.(*AdminCommand)
		if !ok {
			t.Fatalf("expected *AdminCommand, got %T", decoded)
		}
		if got.Type != tag || got.UserID != orig.UserID || got.ControllerID != orig.ControllerID {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, orig)
		}
	}
}

func TestDecode_StampsMetadata(t *testing.T) {
	payload, err := Encode(NewPhaseRequest(TypePhaseRequestOn, "rider-1", "ctl", 1), EncodingBinary)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	msg, err := Decode(payload, 512)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	meta := msg.Meta()
	if meta.Encoding != EncodingBinary {
		t.Errorf("expected binary encoding, got %s", meta.Encoding)
	}
	if meta.MID != 512 {
		t.Errorf("expected mid 512, got %d", meta.MID)
	}
}

func TestEncode_IDTooLong(t *testing.T) {
	longID := strings.Repeat("x", MaxIDBytes+1)
	msgs := []Message{
		NewIdentifier(TypeID, longID),
		NewPhaseRequest(TypePhaseRequestOn, longID, "ctl", 1),
		NewPhaseRequest(TypePhaseRequestOn, "rider", longID, 1),
		NewAck(longID, 1, ResultOK),
		NewAdminCommand(TypeAdminReboot, longID, "ctl"),
	}
	for _, msg := range msgs {
		if _, err := Encode(msg, EncodingBinary); !errors.Is(err, ErrIDTooLong) {
			t.Errorf("%s: expected ErrIDTooLong, got %v", msg.Kind(), err)
		}
	}
}

func TestEncode_BadUTF8ID(t *testing.T) {
	badID := "beacon-\xff\xfe"
	msgs := []Message{
		NewIdentifier(TypeID, badID),
		NewPhaseRequest(TypePhaseRequestOn, badID, "ctl", 1),
		NewPhaseRequest(TypePhaseRequestOn, "rider", badID, 1),
		NewAck(badID, 1, ResultOK),
		NewAdminCommand(TypeAdminReboot, badID, "ctl"),
	}
	for _, msg := range msgs {
		if _, err := Encode(msg, EncodingBinary); !errors.Is(err, ErrBadUTF8) {
			t.Errorf("%s: expected ErrBadUTF8, got %v", msg.Kind(), err)
		}
	}
}

func TestEncode_MultibyteIDAtLimit(t *testing.T) {
	// 64 bytes of utf-8, but only 32 runes
	id := strings.Repeat("é", 32)
	payload, err := Encode(NewIdentifier(TypeID, id), EncodingBinary)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := Decode(payload, 1)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.(*Identifier).ID != id {
		t.Errorf("multibyte id did not survive round trip")
	}
}

func TestDecode_WrongLength(t *testing.T) {
	payload, err := Encode(NewPhaseRequest(TypePhaseRequestOn, "rider", "ctl", 1), EncodingBinary)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// A recognized binary tag with the wrong length must fail outright,
	// not fall through to the json decoder.
	if _, err := Decode(payload[:len(payload)-1], 1); !errors.Is(err, ErrBadLength) {
		t.Errorf("expected ErrBadLength for truncated payload, got %v", err)
	}
	if _, err := Decode(append(payload, 0), 1); !errors.Is(err, ErrBadLength) {
		t.Errorf("expected ErrBadLength for oversized payload, got %v", err)
	}
}

func TestDecode_UnknownTag(t *testing.T) {
	payload := make([]byte, identifierSize)
	binary.BigEndian.PutUint32(payload[:4], 0xDEAD)

	_, err := Decode(payload, 1)
	if err == nil {
		t.Fatal("expected decode error for unknown tag")
	}
}

func TestDecode_BadUTF8ID(t *testing.T) {
	payload, err := Encode(NewIdentifier(TypeID, "rider"), EncodingBinary)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	payload[headerSize] = 0xFF
	payload[headerSize+1] = 0xFE

	if _, err := Decode(payload, 1); !errors.Is(err, ErrBadUTF8) {
		t.Errorf("expected ErrBadUTF8, got %v", err)
	}
}

func TestDecode_TooShortForTag(t *testing.T) {
	if _, err := Decode([]byte{0x01}, 1); err == nil {
		t.Fatal("expected decode error for 1 byte payload")
	}
}

func TestEncode_NulPadding(t *testing.T) {
	payload, err := Encode(NewIdentifier(TypeWill, "a"), EncodingBinary)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	for i := headerSize + 1; i < identifierSize; i++ {
		if payload[i] != 0 {
			t.Fatalf("expected nul padding at offset %d, got %#x", i, payload[i])
		}
	}
}
