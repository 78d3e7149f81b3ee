package proto

import (
	"time"
)

// Type tags the wire kind of a message. Values are fixed by the wire
// protocol and shared with non-Go clients.
type Type int32

const (
	TypeWill            Type = 0x00
	TypePhaseRequest    Type = 0x01
	TypePhaseRequestOn  Type = 0x02
	TypePhaseRequestOff Type = 0x03
	TypeAck             Type = 0x04
	TypeID              Type = 0x05

	TypeAdminReboot      Type = 0x100
	TypeAdminWifiEnable  Type = 0x101
	TypeAdminWifiDisable Type = 0x102
)

// TypeNames maps type tags to identifiers for logging.
var TypeNames = map[Type]string{
	TypeWill:             "WILL",
	TypePhaseRequest:     "PHASE_REQUEST",
	TypePhaseRequestOn:   "PHASE_REQUEST_ON",
	TypePhaseRequestOff:  "PHASE_REQUEST_OFF",
	TypeAck:              "ACK",
	TypeID:               "ID",
	TypeAdminReboot:      "ADMIN_REBOOT",
	TypeAdminWifiEnable:  "ADMIN_WIFI_ENABLE",
	TypeAdminWifiDisable: "ADMIN_WIFI_DISABLE",
}

func (t Type) String() string {
	if name, ok := TypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Result is the status code carried in an Ack.
type Result int32

const (
	ResultOK           Result = 0x00
	ResultInvalidPhase Result = 0x01
	ResultInvalidCmd   Result = 0x02
	ResultDuplicateMID Result = 0x03
	ResultUnknownError Result = 0xFF
)

var resultNames = map[Result]string{
	ResultOK:           "OK",
	ResultInvalidPhase: "INVALID_PHASE",
	ResultInvalidCmd:   "INVALID_CMD",
	ResultDuplicateMID: "DUPLICATE_MID",
	ResultUnknownError: "UNKNOWN_ERROR",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// Encoding identifies which wire representation a message was decoded
// from, and which one Encode should produce.
type Encoding int

const (
	EncodingBinary Encoding = iota
	EncodingJSON
)

func (e Encoding) String() string {
	if e == EncodingJSON {
		return "json"
	}
	return "binary"
}

// Meta is transport-level metadata attached to a decoded message: the
// encoding the payload arrived in and the transport message id. It is
// stamped by Decode only; application code reads it to correlate acks
// and suppress duplicates. MID 0 means the transport assigned no id.
type Meta struct {
	Encoding Encoding
	MID      uint16
}

// Header is the common prefix of every message kind.
type Header struct {
	Type      Type
	Timestamp int64 // creation time, UTC seconds

	meta Meta
}

func (h *Header) Kind() Type     { return h.Type }
func (h *Header) Created() int64 { return h.Timestamp }
func (h *Header) Meta() Meta     { return h.meta }

func (h *Header) stamp(m Meta) { h.meta = m }

// Message is the tagged union of all wire message kinds. The concrete
// types are *Identifier, *PhaseRequest, *Ack and *AdminCommand.
type Message interface {
	Kind() Type
	Created() int64
	Meta() Meta

	stamp(Meta)
}

// Identifier is the base identity message, used standalone for WILL
// notices and ID liveness probes.
type Identifier struct {
	Header
	ID string
}

// PhaseRequest asks a controller to turn a phase on or off.
type PhaseRequest struct {
	Header
	UserID       string
	ControllerID string
	Phase        int32
}

// Ack acknowledges one received message, identified by its transport
// message id.
type Ack struct {
	Header
	ID       string // responding controller's id
	AckedMID int32
	Result   Result
}

// AdminCommand requests an allow-listed host operation on one controller.
type AdminCommand struct {
	Header
	UserID       string
	ControllerID string
}

func newHeader(t Type) Header {
	return Header{Type: t, Timestamp: time.Now().UTC().Unix()}
}

func NewIdentifier(t Type, id string) *Identifier {
	return &Identifier{Header: newHeader(t), ID: id}
}

func NewPhaseRequest(t Type, userID, controllerID string, phase int32) *PhaseRequest {
	return &PhaseRequest{Header: newHeader(t), UserID: userID, ControllerID: controllerID, Phase: phase}
}

func NewAck(controllerID string, ackedMID int32, result Result) *Ack {
	return &Ack{Header: newHeader(TypeAck), ID: controllerID, AckedMID: ackedMID, Result: result}
}

func NewAdminCommand(t Type, userID, controllerID string) *AdminCommand {
	return &AdminCommand{Header: newHeader(t), UserID: userID, ControllerID: controllerID}
}

// Sender returns the id of the actor that produced msg, used for ack
// addressing. ok is false when the message carries no usable sender.
func Sender(msg Message) (id string, ok bool) {
	switch m := msg.(type) {
	case *Identifier:
		return m.ID, m.ID != ""
	case *PhaseRequest:
		return m.UserID, m.UserID != ""
	case *Ack:
		return m.ID, m.ID != ""
	case *AdminCommand:
		return m.UserID, m.UserID != ""
	}
	return "", false
}
