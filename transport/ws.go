package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bikeiot/phased/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WS accepts JSON-speaking peers over WebSocket, for clients that
// cannot run an MQTT stack (phone browsers on a handlebar mount).
// Every inbound frame is handed to the dispatcher on the controller's
// own topic; messages published to a peer's user topic are routed back
// over its socket. Frames carry no transport message id, so WebSocket
// requests are never deduplicated.
type WS struct {
	deliverTopic string
	userTopic    func(user string) string

	mu        sync.RWMutex
	peers     map[string]*wsPeer // user topic -> peer
	onMessage func(Delivery)
	onEvent   func(Event)
	connected bool
}

type wsPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

func (p *wsPeer) write(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

// NewWS builds the WebSocket ingress. deliverTopic is the topic inbound
// frames are delivered on (the controller's own topic); userTopic maps
// a user id to the topic its acks are addressed to.
func NewWS(deliverTopic string, userTopic func(string) string) *WS {
	return &WS{
		deliverTopic: deliverTopic,
		userTopic:    userTopic,
		peers:        make(map[string]*wsPeer),
	}
}

// HandleUpgrade is the HTTP handler for the websocket endpoint; the
// daemon mounts it on its status router.
func (t *WS) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	go t.handleConnection(conn, r.RemoteAddr)
}

func (t *WS) handleConnection(conn *websocket.Conn, remoteAddr string) {
	slog.Info("websocket peer connected", "remote", remoteAddr)
	peer := &wsPeer{conn: conn}
	var topic string

	defer func() {
		if topic != "" {
			t.mu.Lock()
			if t.peers[topic] == peer {
				delete(t.peers, topic)
			}
			t.mu.Unlock()
		}
		conn.Close()
		slog.Info("websocket peer disconnected", "remote", remoteAddr, "topic", topic)
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "remote", remoteAddr, "error", err)
			}
			return
		}

		// Peek the sender so acks can be routed back to this socket.
		// Undecodable frames are dropped here; the dispatcher could not
		// ack them anyway.
		msg, err := proto.Decode(frame, 0)
		if err != nil {
			slog.Warn("dropping undecodable websocket frame", "remote", remoteAddr, "error", err)
			continue
		}
		if sender, ok := proto.Sender(msg); ok {
			want := t.userTopic(sender)
			if want != topic {
				t.mu.Lock()
				if topic != "" && t.peers[topic] == peer {
					delete(t.peers, topic)
				}
				t.peers[want] = peer
				t.mu.Unlock()
				topic = want
			}
		}

		t.mu.RLock()
		fn := t.onMessage
		t.mu.RUnlock()
		if fn != nil {
			fn(Delivery{Topic: t.deliverTopic, Payload: frame})
		}
	}
}

func (t *WS) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *WS) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	for topic, peer := range t.peers {
		peer.conn.Close()
		delete(t.peers, topic)
	}
}

// Publish routes a message to the peer holding topic, if any. Topics
// with no connected peer are silently skipped: the same message also
// goes out over MQTT, and the user may never have been a socket peer.
func (t *WS) Publish(topic string, payload []byte, qos byte) (uint16, error) {
	t.mu.RLock()
	peer := t.peers[topic]
	fn := t.onEvent
	t.mu.RUnlock()
	if peer == nil {
		return 0, nil
	}
	if err := peer.write(payload); err != nil {
		slog.Warn("websocket write failed", "topic", topic, "error", err)
		return 0, err
	}
	if fn != nil {
		fn(EventPublished)
	}
	return 0, nil
}

// Subscribe is a no-op: frames only ever arrive addressed to the
// controller, and peer routing is established per connection.
func (t *WS) Subscribe(topics []string, qos byte) error {
	t.mu.RLock()
	fn := t.onEvent
	t.mu.RUnlock()
	if fn != nil {
		fn(EventSubscribed)
	}
	return nil
}

func (t *WS) OnMessage(fn func(Delivery)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

func (t *WS) OnEvent(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvent = fn
}

// SetWill is a no-op: socket peers have no broker-side last will.
func (t *WS) SetWill(topic string, payload []byte, qos byte) {}

func (t *WS) Meta() Metadata {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Metadata{Protocol: "websocket", Address: "/ws", Connected: t.connected}
}
