package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bikeiot/phased/transport"
)

// The status surface is read-only: it exists so an operator standing at
// the cabinet (or phasectl) can see what the controller thinks without
// touching the bus.

type statusResponse struct {
	Controller      string               `json:"controller"`
	Healthy         bool                 `json:"healthy"`
	Phases          map[int32]int        `json:"phase_map"`
	Pins            []PinState           `json:"pins"`
	TrackedMessages int                  `json:"tracked_messages"`
	Transports      []transport.Metadata `json:"transports"`
}

func (s *Server) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Controller:      s.cfg.ControllerID,
		Healthy:         s.Healthy(),
		Phases:          s.cfg.PhaseMap,
		Pins:            s.relay.Snapshot(),
		TrackedMessages: s.tracker.Len(),
	}
	for _, t := range s.transports {
		resp.Transports = append(resp.Transports, t.Meta())
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("failed to write status response", "error", err)
	}
}
