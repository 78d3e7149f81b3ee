package transport

import (
	"context"
	"errors"
)

// ErrConnRefused marks a connection failure that retrying will not fix:
// the broker rejected our identity or credentials. Transient network
// failures are returned as ordinary errors and may be retried.
var ErrConnRefused = errors.New("transport: connection refused by broker")

// IsFatal reports whether a Connect error should abort startup instead
// of entering the retry loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnRefused)
}

// Delivery is one inbound application message. MID is the
// transport-assigned message id; 0 means the transport did not assign
// one (for example an MQTT QoS 0 publish, or a WebSocket frame).
type Delivery struct {
	Topic   string
	Payload []byte
	MID     uint16
}

// Event signals transport activity that the server feeds into its
// liveness tracking.
type Event int

const (
	EventConnected Event = iota
	EventSubscribed
	EventPublished
	EventConnectionLost
)

// Metadata describes a transport for the status surface.
type Metadata struct {
	Protocol  string `json:"protocol"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

// Transport is the publish/subscribe bus abstraction the server and
// client are written against. Implementations must be safe for
// concurrent use; OnMessage and OnEvent must be set before Connect.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Publish(topic string, payload []byte, qos byte) (mid uint16, err error)
	Subscribe(topics []string, qos byte) error
	OnMessage(fn func(Delivery))
	OnEvent(fn func(Event))
	SetWill(topic string, payload []byte, qos byte)
	Meta() Metadata
}
