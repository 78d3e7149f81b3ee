package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bikeiot/phased/proto"
	"github.com/bikeiot/phased/transport"
)

const (
	connectBackoffInitial = 100 * time.Millisecond
	connectBackoffMax     = 60 * time.Second
)

// Server is the protocol engine between the bus and the relay: it
// decodes inbound messages, suppresses duplicates, routes phase
// requests and admin commands, and acknowledges every accepted command
// in the encoding it arrived in.
type Server struct {
	cfg      Config
	relay    *Relay
	tracker  *Tracker
	admin    *Executor
	liveness LivenessReporter

	transports []transport.Transport

	healthy  atomic.Bool
	stopping atomic.Bool
}

func New(cfg Config, relay *Relay, tracker *Tracker, admin *Executor, liveness LivenessReporter) *Server {
	if liveness == nil {
		liveness = NopReporter{}
	}
	return &Server{
		cfg:      cfg,
		relay:    relay,
		tracker:  tracker,
		admin:    admin,
		liveness: liveness,
	}
}

// RegisterTransport binds t's callbacks to this server and registers
// the controller's will. Must be called before Run.
func (s *Server) RegisterTransport(t transport.Transport) {
	t.OnMessage(s.handleDelivery)
	t.OnEvent(s.handleEvent)
	if will, err := proto.Encode(proto.NewIdentifier(proto.TypeWill, s.cfg.ControllerID), proto.EncodingBinary); err == nil {
		t.SetWill(s.cfg.WillTopic(), will, s.cfg.QoS)
	} else {
		slog.Error("failed to encode will payload", "error", err)
	}
	s.transports = append(s.transports, t)
}

// Run connects, subscribes and serves until ctx is cancelled, then
// stops accepting messages, waits for the background loops and
// disconnects. Outputs keep their last-written state on exit; the
// hardware watchdog owns recovery from here.
func (s *Server) Run(ctx context.Context) error {
	for _, t := range s.transports {
		if err := s.connectWithBackoff(ctx, t); err != nil {
			return err
		}
		topics := []string{s.cfg.Topic(), s.cfg.WillTopic(), s.cfg.AdminTopic()}
		if err := t.Subscribe(topics, s.cfg.QoS); err != nil {
			return fmt.Errorf("subscribe %s: %w", t.Meta().Protocol, err)
		}
	}

	if err := s.liveness.Ready(); err != nil {
		slog.Warn("liveness ready notification failed", "error", err)
	}
	slog.Info("traffic controller serving",
		"controller", s.cfg.ControllerID, "topic", s.cfg.Topic(), "phases", len(s.cfg.PhaseMap))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.relay.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.tracker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.watchdog(ctx)
	}()

	<-ctx.Done()
	slog.Info("stopping traffic controller", "controller", s.cfg.ControllerID)
	s.stopping.Store(true)
	wg.Wait()

	if err := s.liveness.Stopping(); err != nil {
		slog.Warn("liveness stopping notification failed", "error", err)
	}
	for _, t := range s.transports {
		t.Disconnect()
	}
	return nil
}

// connectWithBackoff retries transient connect failures with
// exponential backoff. A refusal from the broker is fatal: retrying a
// rejected identity only hides a configuration problem.
func (s *Server) connectWithBackoff(ctx context.Context, t transport.Transport) error {
	backoff := connectBackoffInitial
	for {
		err := t.Connect(ctx)
		if err == nil {
			return nil
		}
		if transport.IsFatal(err) {
			return fmt.Errorf("connect %s: %w", t.Meta().Protocol, err)
		}
		slog.Warn("connect failed, retrying", "transport", t.Meta().Protocol, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > connectBackoffMax {
			backoff = connectBackoffMax
		}
	}
}

// watchdog emits a supervisor heartbeat only while the server has seen
// bus activity since the last beat. Health resets after every attempt,
// so a wedged connection starves the watchdog and the supervisor
// restarts us.
func (s *Server) watchdog(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.WatchdogInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.healthy.Swap(false) {
				if err := s.liveness.Heartbeat(); err != nil {
					slog.Warn("watchdog heartbeat failed", "error", err)
				}
			}
		}
	}
}

func (s *Server) handleEvent(ev transport.Event) {
	switch ev {
	case transport.EventConnected, transport.EventSubscribed, transport.EventPublished:
		s.healthy.Store(true)
	case transport.EventConnectionLost:
		slog.Warn("transport connection lost")
	}
}

func (s *Server) handleDelivery(d transport.Delivery) {
	if s.stopping.Load() {
		return
	}
	s.healthy.Store(true)

	switch d.Topic {
	case s.cfg.Topic():
		s.handleRequest(d)
	case s.cfg.AdminTopic():
		// Admin commands block on a subprocess; keep them off the
		// phase-request path.
		go s.handleAdmin(d)
	case s.cfg.WillTopic():
		s.handleWill(d)
	default:
		slog.Debug("message on unexpected topic", "topic", d.Topic, "mid", d.MID)
	}
}

// handleRequest processes one message on the controller's own topic.
func (s *Server) handleRequest(d transport.Delivery) {
	msg, err := proto.Decode(d.Payload, d.MID)
	if err != nil {
		slog.Error("dropping undecodable message", "topic", d.Topic, "mid", d.MID, "error", err)
		return
	}
	if s.tracker.IsDuplicate(msg) {
		slog.Info("duplicate message", "type", msg.Kind(), "mid", d.MID)
		s.sendAck(msg, proto.ResultDuplicateMID)
		return
	}

	switch m := msg.(type) {
	case *proto.PhaseRequest:
		switch m.Kind() {
		case proto.TypePhaseRequestOn, proto.TypePhaseRequestOff:
			s.handlePhaseRequest(m)
		default:
			s.rejectUnexpected(msg)
		}
	case *proto.Identifier:
		if m.Kind() == proto.TypeID {
			// Bare identity ping: liveness probe with no side effect.
			slog.Debug("ping", "user", m.ID, "mid", d.MID)
			s.sendAck(m, proto.ResultOK)
			return
		}
		s.rejectUnexpected(msg)
	default:
		s.rejectUnexpected(msg)
	}
}

func (s *Server) handlePhaseRequest(req *proto.PhaseRequest) {
	if _, ok := s.cfg.PhaseMap[req.Phase]; !ok {
		slog.Warn("request for invalid phase", "phase", req.Phase, "user", req.UserID)
		s.sendAck(req, proto.ResultInvalidPhase)
		return
	}
	if req.Kind() == proto.TypePhaseRequestOn {
		s.relay.On(req.Phase, req.UserID)
	} else {
		s.relay.Off(req.Phase, req.UserID)
	}
	s.sendAck(req, proto.ResultOK)
}

// rejectUnexpected handles a decodable message of a kind this topic
// does not serve. When the sender is known it gets UNKNOWN_ERROR, so a
// confused client is not left waiting for an ack; without a sender
// there is nowhere to respond and the message is dropped.
func (s *Server) rejectUnexpected(msg proto.Message) {
	if ack, ok := msg.(*proto.Ack); ok {
		// Never answer an ack with an ack: two controllers that ever
		// address each other would volley error acks indefinitely,
		// since every reply carries a fresh transport mid.
		slog.Warn("dropping stray ack", "from", ack.ID, "result", ack.Result, "mid", msg.Meta().MID)
		return
	}
	sender, ok := proto.Sender(msg)
	if !ok {
		slog.Warn("unexpected message type with no sender", "type", msg.Kind(), "mid", msg.Meta().MID)
		return
	}
	slog.Warn("unexpected message type", "type", msg.Kind(), "sender", sender, "mid", msg.Meta().MID)
	s.sendAck(msg, proto.ResultUnknownError)
}

// handleAdmin processes one message on the controller's admin topic.
func (s *Server) handleAdmin(d transport.Delivery) {
	msg, err := proto.Decode(d.Payload, d.MID)
	if err != nil {
		slog.Error("dropping undecodable admin message", "topic", d.Topic, "mid", d.MID, "error", err)
		return
	}
	if s.tracker.IsDuplicate(msg) {
		slog.Info("duplicate admin message", "type", msg.Kind(), "mid", d.MID)
		s.sendAck(msg, proto.ResultDuplicateMID)
		return
	}
	cmd, ok := msg.(*proto.AdminCommand)
	if !ok {
		s.rejectUnexpected(msg)
		return
	}
	s.sendAck(cmd, s.admin.Execute(cmd))
}

// handleWill logs that a peer died uncleanly. Purely informational:
// the dead peer's holds still expire through the relay's fail-safe,
// never through will processing.
func (s *Server) handleWill(d transport.Delivery) {
	msg, err := proto.Decode(d.Payload, d.MID)
	if err != nil {
		slog.Warn("undecodable will message", "mid", d.MID, "error", err)
		return
	}
	if will, ok := msg.(*proto.Identifier); ok && will.Kind() == proto.TypeWill {
		if will.ID == s.cfg.ControllerID {
			return // echo of our own registered will
		}
		slog.Info("peer disconnected uncleanly", "peer", will.ID)
		return
	}
	slog.Warn("unexpected message on will topic", "type", msg.Kind(), "mid", d.MID)
}

// sendAck answers msg on its sender's own topic, referencing the
// original transport message id, in the encoding the request used.
func (s *Server) sendAck(msg proto.Message, result proto.Result) {
	sender, ok := proto.Sender(msg)
	if !ok {
		slog.Warn("cannot ack message with no sender", "type", msg.Kind(), "result", result)
		return
	}
	meta := msg.Meta()
	ack := proto.NewAck(s.cfg.ControllerID, int32(meta.MID), result)
	payload, err := proto.Encode(ack, meta.Encoding)
	if err != nil {
		slog.Error("failed to encode ack", "user", sender, "result", result, "error", err)
		return
	}

	topic := s.cfg.UserTopic(sender)
	for _, t := range s.transports {
		if _, err := t.Publish(topic, payload, s.cfg.QoS); err != nil {
			slog.Warn("ack publish failed", "topic", topic, "transport", t.Meta().Protocol, "error", err)
		}
	}
	slog.Debug("acked", "user", sender, "mid", meta.MID, "result", result, "encoding", meta.Encoding)
}

// Healthy reports whether bus activity has been seen since the last
// watchdog beat; exposed for the status surface.
func (s *Server) Healthy() bool {
	return s.healthy.Load()
}
