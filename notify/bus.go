package notify

import (
	"context"
	"sync"

	"github.com/warp/points-ledger/points"
)

// =============================================================================
// BUS - In-process fan-out to subscribers
// =============================================================================

// Bus fans notifications out to all active subscribers. Slow subscribers
// miss messages rather than block the command path.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Notification
	next    int
	buffer  int
	dropped int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{subs: make(map[int]chan Notification), buffer: buffer}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Notification {
	ch := make(chan Notification, b.buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

func (b *Bus) Publish(_ context.Context, n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.dropped++
		}
	}
	return nil
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// =============================================================================
// RECORDER - Keeps everything published (for tests)
// =============================================================================

type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Publish(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of everything published so far.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// Changes returns the balance notifications published for id.
func (r *Recorder) Changes(id points.AccountID) []AvailablePointsAmountChanged {
	var out []AvailablePointsAmountChanged
	for _, n := range r.Sent() {
		if c, ok := n.(AvailablePointsAmountChanged); ok && c.AccountID == id {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets everything published so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
