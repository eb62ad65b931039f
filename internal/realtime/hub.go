package realtime

import (
	"context"
	"sync"

	"shopsync/backend/internal/domain"
)

// Hub is an in-process Feed. Publish fans events out to the subscribers of
// one shop.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*hubSubscription]struct{}
	buffer int
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[*hubSubscription]struct{}{}, buffer: 256}
}

type hubSubscription struct {
	hub    *Hub
	shopID string
	events chan domain.ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (h *Hub) Subscribe(ctx context.Context, shopID string, handler Handler) (Subscription, error) {
	sub := &hubSubscription{
		hub:    h,
		shopID: shopID,
		events: make(chan domain.ChangeEvent, h.buffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	if h.subs[shopID] == nil {
		h.subs[shopID] = map[*hubSubscription]struct{}{}
	}
	h.subs[shopID][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-sub.done:
				return
			case ev := <-sub.events:
				handler(ev)
			}
		}
	}()
	return sub, nil
}

// Publish delivers ev to every live subscriber of shopID. A subscriber whose
// buffer is full drops the event; the next incremental pull recovers it.
func (h *Hub) Publish(shopID string, ev domain.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[shopID] {
		select {
		case sub.events <- ev:
		default:
		}
	}
}

// Subscribers reports the live subscription count for shopID.
func (h *Hub) Subscribers(shopID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[shopID])
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs[s.shopID], s)
		s.hub.mu.Unlock()
		close(s.done)
	})
	return nil
}
