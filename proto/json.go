package proto

import (
	"encoding/json"
	"fmt"
)

// JSON wire shapes. Only PhaseRequest and Ack exist in the JSON
// representation, for clients that cannot pack the binary structs.
// Decoding is strict: the object must carry exactly the expected keys
// and every value must parse to the field's declared type.

type jsonPhaseRequest struct {
	Type         Type   `json:"type"`
	Timestamp    int64  `json:"timestamp"`
	ID           string `json:"id"`
	ControllerID string `json:"controller_id"`
	Phase        int32  `json:"phase"`
}

type jsonAck struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
	MID       int32  `json:"mid"`
	RC        Result `json:"rc"`
}

func encodeJSON(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *PhaseRequest:
		if err := checkID(m.UserID); err != nil {
			return nil, err
		}
		if err := checkID(m.ControllerID); err != nil {
			return nil, err
		}
		return json.Marshal(jsonPhaseRequest{
			Type:         m.Type,
			Timestamp:    m.Timestamp,
			ID:           m.UserID,
			ControllerID: m.ControllerID,
			Phase:        m.Phase,
		})
	case *Ack:
		if err := checkID(m.ID); err != nil {
			return nil, err
		}
		return json.Marshal(jsonAck{
			Type:      m.Type,
			Timestamp: m.Timestamp,
			ID:        m.ID,
			MID:       m.AckedMID,
			RC:        m.Result,
		})
	}
	return nil, fmt.Errorf("%w: %s has no json form", ErrEncoding, msg.Kind())
}

func decodeJSON(payload []byte, mid uint16) (Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	tagRaw, ok := raw["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing type field", ErrBadJSON)
	}
	var tag Type
	if err := json.Unmarshal(tagRaw, &tag); err != nil {
		return nil, fmt.Errorf("%w: type field: %v", ErrBadJSON, err)
	}

	switch tag {
	case TypePhaseRequest, TypePhaseRequestOn, TypePhaseRequestOff:
		if err := checkKeys(raw, "type", "timestamp", "id", "controller_id", "phase"); err != nil {
			return nil, err
		}
		var j jsonPhaseRequest
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
		}
		m := &PhaseRequest{
			Header:       Header{Type: j.Type, Timestamp: j.Timestamp},
			UserID:       j.ID,
			ControllerID: j.ControllerID,
			Phase:        j.Phase,
		}
		m.stamp(Meta{Encoding: EncodingJSON, MID: mid})
		return m, nil

	case TypeAck:
		if err := checkKeys(raw, "type", "timestamp", "id", "mid", "rc"); err != nil {
			return nil, err
		}
		var j jsonAck
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
		}
		m := &Ack{
			Header:   Header{Type: j.Type, Timestamp: j.Timestamp},
			ID:       j.ID,
			AckedMID: j.MID,
			Result:   j.RC,
		}
		m.stamp(Meta{Encoding: EncodingJSON, MID: mid})
		return m, nil
	}
	return nil, fmt.Errorf("%w: json type tag %d", ErrUnknownType, tag)
}

// checkKeys rejects objects whose key set is not exactly keys.
func checkKeys(raw map[string]json.RawMessage, keys ...string) error {
	if len(raw) != len(keys) {
		return fmt.Errorf("%w: want %d fields, got %d", ErrBadJSON, len(keys), len(raw))
	}
	for _, k := range keys {
		if _, ok := raw[k]; !ok {
			return fmt.Errorf("%w: missing field %q", ErrBadJSON, k)
		}
	}
	return nil
}
