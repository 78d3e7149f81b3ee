package client

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bikeiot/phased/proto"
	"github.com/bikeiot/phased/transport"
)

// respond runs a minimal controller: it watches the bus for the next
// published request and injects an ack for it on the user's topic.
func respond(t *testing.T, bus *transport.Memory, userTopic string, result proto.Result) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			records := bus.Published()
			if len(records) == 0 {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			req := records[len(records)-1]
			msg, err := proto.Decode(req.Payload, req.MID)
			if err != nil {
				t.Errorf("controller got undecodable request: %v", err)
				return
			}
			ack := proto.NewAck("ctl-1", int32(req.MID), result)
			payload, err := proto.Encode(ack, msg.Meta().Encoding)
			if err != nil {
				t.Errorf("encode ack: %v", err)
				return
			}
			bus.DeliverWithMID(userTopic, payload, 0)
			return
		}
	}()
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *transport.Memory) {
	t.Helper()
	bus := transport.NewMemory()
	c, err := New("alice", bus, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return c, bus
}

func TestNew_ValidatesUserID(t *testing.T) {
	bus := transport.NewMemory()
	if _, err := New("", bus); err == nil {
		t.Error("expected error for empty user id")
	}
	if _, err := New(strings.Repeat("x", proto.MaxIDBytes+1), bus); err == nil {
		t.Error("expected error for oversized user id")
	}
	if _, err := New(strings.Repeat("x", proto.MaxIDBytes), bus); err != nil {
		t.Errorf("id at limit rejected: %v", err)
	}
}

func TestClient_ConnectSubscribesOwnTopics(t *testing.T) {
	_, bus := newTestClient(t)

	ack := proto.NewAck("ctl-1", 1, proto.ResultOK)
	payload, _ := proto.Encode(ack, proto.EncodingBinary)
	if bus.Deliver("tc/alice", payload) == 0 {
		t.Error("not subscribed to own ack topic")
	}
	will, _ := proto.Encode(proto.NewIdentifier(proto.TypeWill, "ctl-2"), proto.EncodingBinary)
	if bus.Deliver("tc/will", will) == 0 {
		t.Error("not subscribed to will topic")
	}
	if bus.Deliver("tc/bob", payload) != 0 {
		t.Error("subscribed to another user's topic")
	}
}

func TestClient_RequestPhaseAcked(t *testing.T) {
	c, bus := newTestClient(t)
	respond(t, bus, "tc/alice", proto.ResultOK)

	ack, err := c.RequestPhase("ctl-1", 1)
	if err != nil {
		t.Fatalf("RequestPhase failed: %v", err)
	}
	if ack.Result != proto.ResultOK {
		t.Errorf("result = %v", ack.Result)
	}
	if ack.ID != "ctl-1" {
		t.Errorf("ack from %q", ack.ID)
	}

	records := bus.Published()
	if len(records) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(records))
	}
	if records[0].Topic != "tc/ctl-1" {
		t.Errorf("request published to %q", records[0].Topic)
	}
	req, err := proto.Decode(records[0].Payload, 0)
	if err != nil {
		t.Fatalf("request does not decode: %v", err)
	}
	pr, ok := req.(*proto.PhaseRequest)
	if !ok || pr.Kind() != proto.TypePhaseRequestOn {
		t.Fatalf("published %T kind %v", req, req.Kind())
	}
	if pr.UserID != "alice" || pr.ControllerID != "ctl-1" || pr.Phase != 1 {
		t.Errorf("request fields: %+v", pr)
	}
}

func TestClient_ReleasePhaseKind(t *testing.T) {
	c, bus := newTestClient(t)
	respond(t, bus, "tc/alice", proto.ResultOK)

	if _, err := c.ReleasePhase("ctl-1", 2); err != nil {
		t.Fatalf("ReleasePhase failed: %v", err)
	}
	records := bus.Published()
	msg, err := proto.Decode(records[0].Payload, 0)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind() != proto.TypePhaseRequestOff {
		t.Errorf("kind = %v", msg.Kind())
	}
}

func TestClient_JSONEncodingOnWire(t *testing.T) {
	c, bus := newTestClient(t, WithEncoding(proto.EncodingJSON))
	respond(t, bus, "tc/alice", proto.ResultOK)

	if _, err := c.RequestPhase("ctl-1", 1); err != nil {
		t.Fatalf("RequestPhase failed: %v", err)
	}
	records := bus.Published()
	if records[0].Payload[0] != '{' {
		t.Error("request not encoded as JSON")
	}
}

func TestClient_ErrorResultReturnedNotError(t *testing.T) {
	c, bus := newTestClient(t)
	respond(t, bus, "tc/alice", proto.ResultInvalidPhase)

	ack, err := c.RequestPhase("ctl-1", 99)
	if err != nil {
		t.Fatalf("rejection should not be a transport error: %v", err)
	}
	if ack.Result != proto.ResultInvalidPhase {
		t.Errorf("result = %v", ack.Result)
	}
}

func TestClient_AckTimeout(t *testing.T) {
	c, _ := newTestClient(t, WithAckTimeout(50*time.Millisecond))

	_, err := c.RequestPhase("ctl-1", 1)
	if !errors.Is(err, ErrAckTimeout) {
		t.Errorf("expected ErrAckTimeout, got %v", err)
	}
}

func TestClient_UnrelatedAckIgnored(t *testing.T) {
	c, bus := newTestClient(t, WithAckTimeout(50*time.Millisecond))

	// An ack referencing some other message id must not resolve the
	// in-flight request.
	go func() {
		waitForPublish(bus, time.Second)
		ack := proto.NewAck("ctl-1", 9999, proto.ResultOK)
		payload, _ := proto.Encode(ack, proto.EncodingBinary)
		bus.DeliverWithMID("tc/alice", payload, 0)
	}()

	if _, err := c.RequestPhase("ctl-1", 1); !errors.Is(err, ErrAckTimeout) {
		t.Errorf("expected ErrAckTimeout, got %v", err)
	}
}

func TestClient_AdminTopic(t *testing.T) {
	c, bus := newTestClient(t)
	respond(t, bus, "tc/alice", proto.ResultOK)

	if _, err := c.Admin("ctl-1", proto.TypeAdminReboot); err != nil {
		t.Fatalf("Admin failed: %v", err)
	}
	records := bus.Published()
	if records[0].Topic != "tc/admin/ctl-1" {
		t.Errorf("admin command published to %q", records[0].Topic)
	}
}

func TestClient_Ping(t *testing.T) {
	c, bus := newTestClient(t)
	respond(t, bus, "tc/alice", proto.ResultOK)

	ack, err := c.Ping("ctl-1")
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if ack.Result != proto.ResultOK {
		t.Errorf("result = %v", ack.Result)
	}
	records := bus.Published()
	msg, err := proto.Decode(records[0].Payload, 0)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind() != proto.TypeID {
		t.Errorf("kind = %v", msg.Kind())
	}
}

// midlessBus wraps Memory but reports no message id, like an MQTT
// publish at QoS 0.
type midlessBus struct {
	*transport.Memory
}

func (b midlessBus) Publish(topic string, payload []byte, qos byte) (uint16, error) {
	_, err := b.Memory.Publish(topic, payload, qos)
	return 0, err
}

func TestClient_NoMIDMeansNoAck(t *testing.T) {
	bus := midlessBus{transport.NewMemory()}
	c, err := New("alice", bus)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ack, err := c.RequestPhase("ctl-1", 1)
	if err != nil {
		t.Fatalf("fire-and-forget request errored: %v", err)
	}
	if ack != nil {
		t.Errorf("expected nil ack for unidentified publish, got %+v", ack)
	}
	if len(bus.Published()) != 1 {
		t.Error("request was not published")
	}
}

func waitForPublish(bus *transport.Memory, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(bus.Published()) > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}
