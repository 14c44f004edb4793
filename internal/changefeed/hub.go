package changefeed

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 16

// Hub is an in-process Feed. Publish never blocks; a subscriber whose buffer
// is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	closed bool
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: defaultSubscriberBuffer,
	}
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.deliver(ev)
	return nil
}

// deliver fans ev out to local subscribers of ev.PartyID.
func (h *Hub) deliver(ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for sub := range h.subs[ev.PartyID] {
		select {
		case sub.ch <- ev:
			sent++
		default:
		}
	}
	return sent
}

func (h *Hub) Subscribe(ctx context.Context, partyID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	set, ok := h.subs[partyID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[partyID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			if set, ok := h.subs[partyID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, partyID)
				}
			}
			h.mu.Unlock()
			sub.close()
		})
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-done:
			}
		}()
	}
	return sub.ch, cancel
}

// Subscribers reports how many live subscriptions exist for partyID.
func (h *Hub) Subscribers(partyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[partyID])
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for party, set := range h.subs {
		for sub := range set {
			sub.close()
		}
		delete(h.subs, party)
	}
	return nil
}
