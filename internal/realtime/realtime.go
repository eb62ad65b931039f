// Package realtime delivers row-level change events for one shop partition.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"shopsync/backend/internal/domain"
)

type Handler func(domain.ChangeEvent)

type Subscription interface {
	Close() error
}

// Feed opens a live channel for one shop. Handlers are called from a single
// goroutine per subscription, in arrival order.
type Feed interface {
	Subscribe(ctx context.Context, shopID string, handler Handler) (Subscription, error)
}

// Channel is the notification channel name for a shop.
func Channel(shopID string) string {
	return "shop_" + shopID
}

// DecodeEvent parses a change payload. Unknown event types are rejected.
func DecodeEvent(payload []byte) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	switch ev.Type {
	case domain.ChangeInsert, domain.ChangeUpdate, domain.ChangeDelete:
	default:
		return domain.ChangeEvent{}, fmt.Errorf("unknown change type %q", ev.Type)
	}
	if !ev.Table.Valid() {
		return domain.ChangeEvent{}, fmt.Errorf("unknown change table %q", ev.Table)
	}
	return ev, nil
}

// backoff doubles the wait between reconnect attempts up to max.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.min
		return b.cur
	}
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

func (b *backoff) reset() {
	b.cur = 0
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// loopSubscription runs a reconnecting receive loop until Close.
type loopSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startLoop(parent context.Context, run func(ctx context.Context)) *loopSubscription {
	ctx, cancel := context.WithCancel(parent)
	sub := &loopSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		run(ctx)
	}()
	return sub
}

func (s *loopSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
