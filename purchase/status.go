package purchase

import "sync"

// =============================================================================
// STATUS STREAM - Subscribable flow state for the UI
// =============================================================================

// Status is the coarse flow state published to subscribers.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusReady      Status = "ready"
	StatusPurchasing Status = "purchasing"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// statusHub fans Status values out to subscribers. Publishing never blocks:
// a subscriber that stopped draining misses updates rather than stalling
// the purchase flow.
type statusHub struct {
	mu   sync.Mutex
	subs []chan Status
	last Status
}

func newStatusHub() *statusHub {
	return &statusHub{last: StatusIdle}
}

func (h *statusHub) Subscribe() <-chan Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Status, 8)
	ch <- h.last
	h.subs = append(h.subs, ch)
	return ch
}

func (h *statusHub) Publish(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = s
	for _, ch := range h.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (h *statusHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
