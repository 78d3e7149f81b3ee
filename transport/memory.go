package transport

import (
	"context"
	"sync"
)

// PublishRecord is one message sent through a Memory transport.
type PublishRecord struct {
	Topic   string
	Payload []byte
	QoS     byte
	MID     uint16
}

// Memory is an in-process loopback transport used by tests and the
// dry-run mode of the daemon. Deliveries are injected with Deliver and
// outbound messages are recorded for inspection.
type Memory struct {
	mu           sync.Mutex
	onMessage    func(Delivery)
	onEvent      func(Event)
	subs         map[string]struct{}
	published    []PublishRecord
	nextMID      uint16
	connected    bool
	failuresLeft int
	failErr      error
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]struct{})}
}

// FailConnections makes the next n Connect calls return err.
func (t *Memory) FailConnections(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failuresLeft = n
	t.failErr = err
}

func (t *Memory) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.failuresLeft > 0 {
		t.failuresLeft--
		err := t.failErr
		t.mu.Unlock()
		return err
	}
	t.connected = true
	fn := t.onEvent
	t.mu.Unlock()
	if fn != nil {
		fn(EventConnected)
	}
	return nil
}

func (t *Memory) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
}

func (t *Memory) Publish(topic string, payload []byte, qos byte) (uint16, error) {
	t.mu.Lock()
	t.nextMID++
	mid := t.nextMID
	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.published = append(t.published, PublishRecord{Topic: topic, Payload: buf, QoS: qos, MID: mid})
	fn := t.onEvent
	t.mu.Unlock()
	if fn != nil {
		fn(EventPublished)
	}
	return mid, nil
}

func (t *Memory) Subscribe(topics []string, qos byte) error {
	t.mu.Lock()
	for _, topic := range topics {
		t.subs[topic] = struct{}{}
	}
	fn := t.onEvent
	t.mu.Unlock()
	if fn != nil {
		fn(EventSubscribed)
	}
	return nil
}

func (t *Memory) OnMessage(fn func(Delivery)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

func (t *Memory) OnEvent(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvent = fn
}

func (t *Memory) SetWill(topic string, payload []byte, qos byte) {}

func (t *Memory) Meta() Metadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Metadata{Protocol: "memory", Address: "loopback", Connected: t.connected}
}

// Deliver injects an inbound message with a fresh transport message id,
// returning the id used. Messages on topics the consumer never
// subscribed to are dropped and 0 is returned.
func (t *Memory) Deliver(topic string, payload []byte) uint16 {
	t.mu.Lock()
	if _, ok := t.subs[topic]; !ok {
		t.mu.Unlock()
		return 0
	}
	t.nextMID++
	mid := t.nextMID
	fn := t.onMessage
	t.mu.Unlock()
	if fn != nil {
		fn(Delivery{Topic: topic, Payload: payload, MID: mid})
	}
	return mid
}

// DeliverWithMID injects an inbound message with a caller-chosen id,
// bypassing the subscription check. Used to replay duplicates.
func (t *Memory) DeliverWithMID(topic string, payload []byte, mid uint16) {
	t.mu.Lock()
	fn := t.onMessage
	t.mu.Unlock()
	if fn != nil {
		fn(Delivery{Topic: topic, Payload: payload, MID: mid})
	}
}

// Published returns a snapshot of everything sent through the transport.
func (t *Memory) Published() []PublishRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PublishRecord, len(t.published))
	copy(out, t.published)
	return out
}

// ClearPublished drops the outbound record.
func (t *Memory) ClearPublished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = t.published[:0]
}
