// Package client implements the user side of the phase-request
// protocol: request and release phases on a controller, ping it, and
// send admin commands, waiting for the matching acknowledgment.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bikeiot/phased/proto"
	"github.com/bikeiot/phased/transport"
)

// DefaultAckTimeout is how long a caller waits for a controller's ack
// before giving up on the request.
const DefaultAckTimeout = 10 * time.Second

// ErrAckTimeout is returned when no acknowledgment referencing the
// published message id arrives in time.
var ErrAckTimeout = errors.New("client: timed out waiting for ack")

// Option configures a Client.
type Option func(*Client)

// WithEncoding selects the wire representation for outbound requests.
func WithEncoding(enc proto.Encoding) Option {
	return func(c *Client) { c.encoding = enc }
}

// WithTopicBase overrides the default topic namespace.
func WithTopicBase(base string) Option {
	return func(c *Client) { c.topicBase = base }
}

// WithAckTimeout overrides the default ack wait.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Client) { c.ackTimeout = d }
}

// WithQoS overrides the delivery guarantee for outbound requests.
func WithQoS(qos byte) Option {
	return func(c *Client) { c.qos = qos }
}

// Client is one protocol user. Safe for concurrent use; each in-flight
// request is correlated to its ack by transport message id.
type Client struct {
	id         string
	bus        transport.Transport
	topicBase  string
	encoding   proto.Encoding
	qos        byte
	ackTimeout time.Duration

	// pending guards the in-flight table and serializes publish with
	// registration so an ack cannot arrive before its channel exists.
	pending pendingAcks
}

func New(userID string, bus transport.Transport, opts ...Option) (*Client, error) {
	if userID == "" {
		return nil, fmt.Errorf("client: user id is required")
	}
	if len(userID) > proto.MaxIDBytes {
		return nil, fmt.Errorf("client: user id exceeds %d bytes", proto.MaxIDBytes)
	}
	c := &Client{
		id:         userID,
		bus:        bus,
		topicBase:  "tc",
		encoding:   proto.EncodingBinary,
		qos:        2,
		ackTimeout: DefaultAckTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pending.init()
	bus.OnMessage(c.handleDelivery)
	bus.OnEvent(func(transport.Event) {})
	return c, nil
}

// Connect dials the bus, registers the client's will and subscribes to
// its own ack topic and the shared will topic.
func (c *Client) Connect(ctx context.Context) error {
	if will, err := proto.Encode(proto.NewIdentifier(proto.TypeWill, c.id), proto.EncodingBinary); err == nil {
		c.bus.SetWill(c.willTopic(), will, c.qos)
	}
	if err := c.bus.Connect(ctx); err != nil {
		return err
	}
	return c.bus.Subscribe([]string{c.userTopic(c.id), c.willTopic()}, c.qos)
}

func (c *Client) Disconnect() {
	c.bus.Disconnect()
}

// RequestPhase asks controllerID to turn phase on and waits for the ack.
func (c *Client) RequestPhase(controllerID string, phase int32) (*proto.Ack, error) {
	msg := proto.NewPhaseRequest(proto.TypePhaseRequestOn, c.id, controllerID, phase)
	return c.send(msg, c.userTopic(controllerID), c.encoding)
}

// ReleasePhase asks controllerID to drop this user's hold on phase.
func (c *Client) ReleasePhase(controllerID string, phase int32) (*proto.Ack, error) {
	msg := proto.NewPhaseRequest(proto.TypePhaseRequestOff, c.id, controllerID, phase)
	return c.send(msg, c.userTopic(controllerID), c.encoding)
}

// Ping sends a bare identity probe; an OK ack means the controller is
// alive and reachable.
func (c *Client) Ping(controllerID string) (*proto.Ack, error) {
	msg := proto.NewIdentifier(proto.TypeID, c.id)
	// Identity messages have no json form.
	return c.send(msg, c.userTopic(controllerID), proto.EncodingBinary)
}

// Admin sends an allow-listed admin command to controllerID's admin
// topic. kind must be one of the ADMIN_* type tags.
func (c *Client) Admin(controllerID string, kind proto.Type) (*proto.Ack, error) {
	msg := proto.NewAdminCommand(kind, c.id, controllerID)
	return c.send(msg, c.adminTopic(controllerID), proto.EncodingBinary)
}

func (c *Client) send(msg proto.Message, topic string, enc proto.Encoding) (*proto.Ack, error) {
	payload, err := proto.Encode(msg, enc)
	if err != nil {
		return nil, err
	}

	mid, ch, err := c.pending.publish(c.bus, topic, payload, c.qos)
	if err != nil {
		return nil, err
	}
	if mid == 0 {
		// QoS 0: the transport assigned no message id, so no ack can
		// ever reference this request.
		return nil, nil
	}
	defer c.pending.forget(mid)

	select {
	case ack := <-ch:
		if ack.Result != proto.ResultOK {
			slog.Warn("request not accepted", "type", msg.Kind(), "result", ack.Result)
		}
		return ack, nil
	case <-time.After(c.ackTimeout):
		return nil, fmt.Errorf("%w: %s mid %d", ErrAckTimeout, msg.Kind(), mid)
	}
}

func (c *Client) handleDelivery(d transport.Delivery) {
	msg, err := proto.Decode(d.Payload, d.MID)
	if err != nil {
		slog.Warn("dropping undecodable message", "topic", d.Topic, "error", err)
		return
	}
	switch m := msg.(type) {
	case *proto.Ack:
		if !c.pending.resolve(uint16(m.AckedMID), m) {
			slog.Debug("ack with no waiting request", "controller", m.ID, "mid", m.AckedMID, "result", m.Result)
		}
	case *proto.Identifier:
		if m.Kind() == proto.TypeWill {
			slog.Info("peer disconnected uncleanly", "peer", m.ID)
		}
	default:
		slog.Debug("ignoring message", "type", msg.Kind(), "topic", d.Topic)
	}
}

func (c *Client) userTopic(id string) string  { return c.topicBase + "/" + id }
func (c *Client) adminTopic(id string) string { return c.topicBase + "/admin/" + id }
func (c *Client) willTopic() string           { return c.topicBase + "/will" }
