package server

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// MaxPhaseOn is the fail-safe: no hold survives this long without a
	// refresh, even if the rider's OFF never arrives.
	MaxPhaseOn = 48 * time.Second

	// checkDivisor sets the periodic checker interval to MaxPhaseOn/4,
	// bounding how stale an expired hold can get between passes.
	checkDivisor = 4
)

// OutputWriter drives one physical output. Implementations live in the
// gpio package; the relay only needs the write primitive.
type OutputWriter interface {
	Write(pin int, on bool) error
}

// Hold is one user's claim on a pin, for the status surface.
type Hold struct {
	User      string    `json:"user"`
	Refreshed time.Time `json:"refreshed"`
}

// PinState is a snapshot of one output pin and its queue.
type PinState struct {
	Pin    int     `json:"pin"`
	On     bool    `json:"on"`
	Holds  []Hold  `json:"holds"`
	Phases []int32 `json:"phases"`
}

// Relay owns the per-pin request queues and the physical outputs. A pin
// is on while at least one user holds any phase mapped to it; each hold
// expires independently. All mutation happens under one lock, and every
// state change wakes the background checker immediately.
type Relay struct {
	phaseToPin map[int32]int
	out        OutputWriter
	now        func() time.Time
	maxOn      time.Duration

	mu     sync.Mutex
	queues map[int]map[string]time.Time // pin -> user -> last refresh

	wake chan struct{}
}

func NewRelay(phaseToPin map[int32]int, out OutputWriter) *Relay {
	queues := make(map[int]map[string]time.Time)
	for _, pin := range phaseToPin {
		if queues[pin] == nil {
			queues[pin] = make(map[string]time.Time)
		}
	}
	return &Relay{
		phaseToPin: phaseToPin,
		out:        out,
		now:        time.Now,
		maxOn:      MaxPhaseOn,
		queues:     queues,
		wake:       make(chan struct{}, 1),
	}
}

// On inserts or refreshes user's hold on phase. An unmapped phase is a
// configuration error, not a protocol error, since the dispatcher has
// already validated phase membership; it is logged and ignored.
func (r *Relay) On(phase int32, user string) {
	pin, ok := r.phaseToPin[phase]
	if !ok {
		slog.Error("phase request for unmapped phase", "phase", phase, "user", user)
		return
	}
	r.mu.Lock()
	queue := r.queues[pin]
	if _, held := queue[user]; held {
		slog.Debug("refreshing phase hold", "phase", phase, "pin", pin, "user", user)
	} else {
		slog.Info("new phase hold", "phase", phase, "pin", pin, "user", user)
	}
	queue[user] = r.now()
	r.mu.Unlock()
	r.signal()
}

// Off removes user's hold on phase. A release for a hold that already
// expired or never existed is a safe no-op; ON/OFF ordering is not
// guaranteed by the bus.
func (r *Relay) Off(phase int32, user string) {
	pin, ok := r.phaseToPin[phase]
	if !ok {
		slog.Error("phase release for unmapped phase", "phase", phase, "user", user)
		return
	}
	r.mu.Lock()
	queue := r.queues[pin]
	if _, held := queue[user]; held {
		delete(queue, user)
		slog.Info("released phase hold", "phase", phase, "pin", pin, "user", user)
	} else {
		slog.Info("release for phase not held", "phase", phase, "pin", pin, "user", user)
	}
	r.mu.Unlock()
	r.signal()
}

// signal wakes the checker without blocking. The buffered channel keeps
// a wake requested during a pass pending, so that pass is never lost.
func (r *Relay) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drives the outputs until ctx is cancelled: one pass immediately,
// then one per wake signal or checker period, whichever comes first.
// Outputs hold their last-written state on exit.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.maxOn / checkDivisor)
	defer ticker.Stop()
	for {
		r.check()
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

// check evicts expired holds and writes every output. The write is
// unconditional on every pass, not just on change, so a missed or
// failed write heals on the next wake.
func (r *Relay) check() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.maxOn)
	for pin, queue := range r.queues {
		for user, refreshed := range queue {
			if refreshed.Before(cutoff) {
				slog.Warn("expiring stale phase hold", "pin", pin, "user", user, "held", r.now().Sub(refreshed))
				delete(queue, user)
			}
		}
		if err := r.out.Write(pin, len(queue) > 0); err != nil {
			slog.Error("output write failed", "pin", pin, "error", err)
		}
	}
}

// Snapshot reports every pin's state for the status surface.
func (r *Relay) Snapshot() []PinState {
	phasesByPin := make(map[int][]int32)
	for phase, pin := range r.phaseToPin {
		phasesByPin[pin] = append(phasesByPin[pin], phase)
	}

	r.mu.Lock()
	states := make([]PinState, 0, len(r.queues))
	for pin, queue := range r.queues {
		state := PinState{Pin: pin, On: len(queue) > 0, Phases: phasesByPin[pin]}
		for user, refreshed := range queue {
			state.Holds = append(state.Holds, Hold{User: user, Refreshed: refreshed})
		}
		states = append(states, state)
	}
	r.mu.Unlock()

	for _, state := range states {
		sort.Slice(state.Holds, func(i, j int) bool { return state.Holds[i].User < state.Holds[j].User })
		sort.Slice(state.Phases, func(i, j int) bool { return state.Phases[i] < state.Phases[j] })
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Pin < states[j].Pin })
	return states
}
