package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

const (
	mqttKeepAlive      = 60 * time.Second
	mqttConnectTimeout = 10 * time.Second
	mqttDisconnectMs   = 1000
)

// MQTT is the production bus transport. Reconnect policy is owned by
// the caller, so paho's auto-reconnect stays off and a lost connection
// surfaces as an EventConnectionLost.
type MQTT struct {
	opts      *mqtt.ClientOptions
	brokerURL string
	clientID  string

	mu        sync.Mutex
	client    mqtt.Client
	onMessage func(Delivery)
	onEvent   func(Event)
	connected bool
}

// NewMQTT prepares a client for brokerURL (e.g. "tcp://host:1883").
// The client id doubles as the username until TLS user certificates are
// deployed, matching the broker's ACL scheme.
func NewMQTT(brokerURL, clientID string) *MQTT {
	t := &MQTT{brokerURL: brokerURL, clientID: clientID}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetUsername(clientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(mqttKeepAlive)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", brokerURL, "error", err)
		t.mu.Lock()
		t.connected = false
		fn := t.onEvent
		t.mu.Unlock()
		if fn != nil {
			fn(EventConnectionLost)
		}
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		slog.Info("connected to mqtt broker", "broker", brokerURL, "client", clientID)
	})
	t.opts = opts
	return t
}

func (t *MQTT) OnMessage(fn func(Delivery)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

func (t *MQTT) OnEvent(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvent = fn
}

func (t *MQTT) SetWill(topic string, payload []byte, qos byte) {
	t.opts.SetBinaryWill(topic, payload, qos, false)
}

// Connect dials the broker once. Identity and credential rejections are
// wrapped in ErrConnRefused so the caller can abort instead of retrying.
func (t *MQTT) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client := mqtt.NewClient(t.opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		if connRefused(err) {
			return fmt.Errorf("%w: %v", ErrConnRefused, err)
		}
		return fmt.Errorf("mqtt connect %s: %w", t.brokerURL, err)
	}

	t.mu.Lock()
	t.client = client
	t.connected = true
	fn := t.onEvent
	t.mu.Unlock()
	if fn != nil {
		fn(EventConnected)
	}
	return nil
}

// connRefused reports whether the broker rejected the connection for a
// reason retrying cannot fix.
func connRefused(err error) bool {
	for _, refusal := range []error{
		packets.ErrorRefusedBadProtocolVersion,
		packets.ErrorRefusedIDRejected,
		packets.ErrorRefusedBadUsernameOrPassword,
		packets.ErrorRefusedNotAuthorised,
	} {
		if errors.Is(err, refusal) {
			return true
		}
	}
	return false
}

func (t *MQTT) Disconnect() {
	t.mu.Lock()
	client := t.client
	t.connected = false
	t.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(mqttDisconnectMs)
	}
}

func (t *MQTT) Publish(topic string, payload []byte, qos byte) (uint16, error) {
	t.mu.Lock()
	client := t.client
	fn := t.onEvent
	t.mu.Unlock()
	if client == nil {
		return 0, fmt.Errorf("mqtt publish %s: not connected", topic)
	}

	token := client.Publish(topic, qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return 0, fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	var mid uint16
	if pt, ok := token.(*mqtt.PublishToken); ok {
		mid = pt.MessageID()
	}
	if fn != nil {
		fn(EventPublished)
	}
	return mid, nil
}

func (t *MQTT) Subscribe(topics []string, qos byte) error {
	t.mu.Lock()
	client := t.client
	fn := t.onEvent
	t.mu.Unlock()
	if client == nil {
		return fmt.Errorf("mqtt subscribe: not connected")
	}

	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = qos
	}
	token := client.SubscribeMultiple(filters, t.handleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	slog.Info("subscribed", "topics", topics, "qos", qos)
	if fn != nil {
		fn(EventSubscribed)
	}
	return nil
}

func (t *MQTT) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	t.mu.Lock()
	fn := t.onMessage
	t.mu.Unlock()
	if fn == nil {
		return
	}
	fn(Delivery{Topic: msg.Topic(), Payload: msg.Payload(), MID: msg.MessageID()})
}

func (t *MQTT) Meta() Metadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Metadata{Protocol: "mqtt", Address: t.brokerURL, Connected: t.connected}
}
