package proto

import "errors"

var (
	// ErrBadLength is returned when a binary payload's length does not
	// match the fixed layout of its declared type tag.
	ErrBadLength = errors.New("proto: payload length does not match message layout")

	// ErrUnknownType is returned when a payload's type tag is not
	// recognized by either the binary or the JSON decoder.
	ErrUnknownType = errors.New("proto: unknown message type")

	// ErrIDTooLong is returned on encode when an identifier field
	// exceeds MaxIDBytes after UTF-8 encoding.
	ErrIDTooLong = errors.New("proto: identifier exceeds maximum length")

	// ErrBadUTF8 is returned when an identifier field does not decode
	// as valid UTF-8.
	ErrBadUTF8 = errors.New("proto: identifier is not valid utf-8")

	// ErrBadJSON is returned when a payload is not a well-formed JSON
	// message: not an object, missing or extra keys, or a value that
	// does not parse to the field's expected type.
	ErrBadJSON = errors.New("proto: malformed json message")

	// ErrEncoding is returned when a message kind has no representation
	// in the requested encoding.
	ErrEncoding = errors.New("proto: message kind not representable in encoding")
)
