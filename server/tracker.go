package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bikeiot/phased/proto"
)

const (
	// DefaultMsgLife bounds the duplicate-suppression window. A message
	// id seen again within this window is a broker redelivery.
	DefaultMsgLife = 10 * time.Second

	trackerSweepInterval = time.Second
)

// Tracker records recently seen transport message ids so replayed
// deliveries can be acked as duplicates instead of reprocessed.
type Tracker struct {
	life time.Duration
	now  func() time.Time

	mu   sync.Mutex
	seen map[uint16]int64 // mid -> message creation timestamp
}

func NewTracker() *Tracker {
	return &Tracker{
		life: DefaultMsgLife,
		now:  time.Now,
		seen: make(map[uint16]int64),
	}
}

// IsDuplicate atomically checks and records msg's transport message id.
// The first sighting records the message's creation timestamp and
// returns false; any further sighting returns true without refreshing
// the entry. Messages without a transport id are never tracked.
func (t *Tracker) IsDuplicate(msg proto.Message) bool {
	mid := msg.Meta().MID
	if mid == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[mid]; ok {
		return true
	}
	t.seen[mid] = msg.Created()
	return false
}

// Len reports how many message ids are currently tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Run sweeps expired entries once per second until ctx is cancelled.
// The sweep bounds memory and the dedup window; it runs regardless of
// whether an id was ever replayed.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(trackerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	cutoff := t.now().Unix() - int64(t.life/time.Second)
	t.mu.Lock()
	defer t.mu.Unlock()
	for mid, ts := range t.seen {
		if ts < cutoff {
			slog.Debug("expiring tracked message id", "mid", mid)
			delete(t.seen, mid)
		}
	}
}
