package proto

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxIDBytes is the fixed width of every identifier field on the binary
// wire. Shorter ids are NUL-padded; encode fails for longer ones.
const MaxIDBytes = 64

// Binary layout sizes. Each kind's layout is a strict superset prefix of
// Identifier's, so the decoder can read the leading type tag and then
// decode the full record without re-reading.
const (
	tagSize       = 4
	timestampSize = 8
	headerSize    = tagSize + timestampSize

	identifierSize   = headerSize + MaxIDBytes         // 76
	phaseRequestSize = headerSize + 2*MaxIDBytes + 4   // 144
	ackSize          = headerSize + MaxIDBytes + 4 + 4 // 84
	adminCommandSize = headerSize + 2*MaxIDBytes       // 140
)

// Encode serializes msg in the requested encoding. Binary encoding is
// defined for every kind; JSON only for PhaseRequest and Ack.
func Encode(msg Message, enc Encoding) ([]byte, error) {
	if enc == EncodingJSON {
		return encodeJSON(msg)
	}
	switch m := msg.(type) {
	case *Identifier:
		return m.encodeBinary()
	case *PhaseRequest:
		return m.encodeBinary()
	case *Ack:
		return m.encodeBinary()
	case *AdminCommand:
		return m.encodeBinary()
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
}

// Decode parses a payload in either wire representation and stamps the
// result with the encoding used and the transport message id mid. The
// binary path is authoritative: a recognized binary tag with a wrong
// payload length is an error, not a reason to try JSON.
func Decode(payload []byte, mid uint16) (Message, error) {
	if len(payload) >= tagSize {
		tag := Type(int32(binary.BigEndian.Uint32(payload[:tagSize])))
		switch tag {
		case TypeWill, TypeID:
			return decodeBinaryIdentifier(payload, mid)
		case TypePhaseRequest, TypePhaseRequestOn, TypePhaseRequestOff:
			return decodeBinaryPhaseRequest(payload, mid)
		case TypeAck:
			return decodeBinaryAck(payload, mid)
		case TypeAdminReboot, TypeAdminWifiEnable, TypeAdminWifiDisable:
			return decodeBinaryAdminCommand(payload, mid)
		}
	}
	return decodeJSON(payload, mid)
}

func putHeader(buf []byte, h *Header) {
	binary.BigEndian.PutUint32(buf[0:tagSize], uint32(h.Type))
	binary.BigEndian.PutUint64(buf[tagSize:headerSize], uint64(h.Timestamp))
}

func getHeader(payload []byte) Header {
	return Header{
		Type:      Type(int32(binary.BigEndian.Uint32(payload[0:tagSize]))),
		Timestamp: int64(binary.BigEndian.Uint64(payload[tagSize:headerSize])),
	}
}

// checkID validates an identifier field for either encoder.
func checkID(id string) error {
	if len(id) > MaxIDBytes {
		return fmt.Errorf("%w: id %q is %d utf-8 bytes, max %d", ErrIDTooLong, id, len(id), MaxIDBytes)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: id %q", ErrBadUTF8, id)
	}
	return nil
}

// putID writes id into a fixed MaxIDBytes field, NUL-padded.
func putID(field []byte, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	copy(field, id)
	return nil
}

// getID trims trailing NUL padding and validates UTF-8.
func getID(field []byte) (string, error) {
	id := strings.TrimRight(string(field), "\x00")
	if !utf8.ValidString(id) {
		return "", ErrBadUTF8
	}
	return id, nil
}

func (m *Identifier) encodeBinary() ([]byte, error) {
	buf := make([]byte, identifierSize)
	putHeader(buf, &m.Header)
	if err := putID(buf[headerSize:], m.ID); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeBinaryIdentifier(payload []byte, mid uint16) (*Identifier, error) {
	if len(payload) != identifierSize {
		return nil, fmt.Errorf("%w: identifier wants %d bytes, got %d", ErrBadLength, identifierSize, len(payload))
	}
	id, err := getID(payload[headerSize:])
	if err != nil {
		return nil, err
	}
	m := &Identifier{Header: getHeader(payload), ID: id}
	m.stamp(Meta{Encoding: EncodingBinary, MID: mid})
	return m, nil
}

func (m *PhaseRequest) encodeBinary() ([]byte, error) {
	buf := make([]byte, phaseRequestSize)
	putHeader(buf, &m.Header)
	if err := putID(buf[headerSize:headerSize+MaxIDBytes], m.UserID); err != nil {
		return nil, err
	}
	if err := putID(buf[headerSize+MaxIDBytes:headerSize+2*MaxIDBytes], m.ControllerID); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[headerSize+2*MaxIDBytes:], uint32(m.Phase))
	return buf, nil
}

func decodeBinaryPhaseRequest(payload []byte, mid uint16) (*PhaseRequest, error) {
	if len(payload) != phaseRequestSize {
		return nil, fmt.Errorf("%w: phase request wants %d bytes, got %d", ErrBadLength, phaseRequestSize, len(payload))
	}
	userID, err := getID(payload[headerSize : headerSize+MaxIDBytes])
	if err != nil {
		return nil, err
	}
	controllerID, err := getID(payload[headerSize+MaxIDBytes : headerSize+2*MaxIDBytes])
	if err != nil {
		return nil, err
	}
	m := &PhaseRequest{
		Header:       getHeader(payload),
		UserID:       userID,
		ControllerID: controllerID,
		Phase:        int32(binary.BigEndian.Uint32(payload[headerSize+2*MaxIDBytes:])),
	}
	m.stamp(Meta{Encoding: EncodingBinary, MID: mid})
	return m, nil
}

func (m *Ack) encodeBinary() ([]byte, error) {
	buf := make([]byte, ackSize)
	putHeader(buf, &m.Header)
	if err := putID(buf[headerSize:headerSize+MaxIDBytes], m.ID); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[headerSize+MaxIDBytes:], uint32(m.AckedMID))
	binary.BigEndian.PutUint32(buf[headerSize+MaxIDBytes+4:], uint32(m.Result))
	return buf, nil
}

func decodeBinaryAck(payload []byte, mid uint16) (*Ack, error) {
	if len(payload) != ackSize {
		return nil, fmt.Errorf("%w: ack wants %d bytes, got %d", ErrBadLength, ackSize, len(payload))
	}
	id, err := getID(payload[headerSize : headerSize+MaxIDBytes])
	if err != nil {
		return nil, err
	}
	m := &Ack{
		Header:   getHeader(payload),
		ID:       id,
		AckedMID: int32(binary.BigEndian.Uint32(payload[headerSize+MaxIDBytes:])),
		Result:   Result(int32(binary.BigEndian.Uint32(payload[headerSize+MaxIDBytes+4:]))),
	}
	m.stamp(Meta{Encoding: EncodingBinary, MID: mid})
	return m, nil
}

func (m *AdminCommand) encodeBinary() ([]byte, error) {
	buf := make([]byte, adminCommandSize)
	putHeader(buf, &m.Header)
	if err := putID(buf[headerSize:headerSize+MaxIDBytes], m.UserID); err != nil {
		return nil, err
	}
	if err := putID(buf[headerSize+MaxIDBytes:], m.ControllerID); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeBinaryAdminCommand(payload []byte, mid uint16) (*AdminCommand, error) {
	if len(payload) != adminCommandSize {
		return nil, fmt.Errorf("%w: admin command wants %d bytes, got %d", ErrBadLength, adminCommandSize, len(payload))
	}
	userID, err := getID(payload[headerSize : headerSize+MaxIDBytes])
	if err != nil {
		return nil, err
	}
	controllerID, err := getID(payload[headerSize+MaxIDBytes:])
	if err != nil {
		return nil, err
	}
	m := &AdminCommand{Header: getHeader(payload), UserID: userID, ControllerID: controllerID}
	m.stamp(Meta{Encoding: EncodingBinary, MID: mid})
	return m, nil
}
