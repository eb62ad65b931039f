package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/realtime"
	"shopsync/backend/internal/store"
	"shopsync/backend/internal/wire"
)

const DefaultFlushInterval = time.Second

// Listener queues change events from a realtime feed and applies them to the
// local store in batches.
type Listener struct {
	repo     store.Repository
	feed     realtime.Feed
	interval time.Duration
	logger   logrus.FieldLogger

	mu     sync.Mutex
	queue  []domain.ChangeEvent
	shopID string
	sub    realtime.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	// flushMu keeps batches in arrival order.
	flushMu sync.Mutex
	// lifeMu serializes Start and Stop.
	lifeMu sync.Mutex
}

func NewListener(repo store.Repository, feed realtime.Feed, interval time.Duration, logger logrus.FieldLogger) *Listener {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Listener{
		repo:     repo,
		feed:     feed,
		interval: interval,
		logger:   logger.WithField("module", "listener"),
	}
}

// Start subscribes to shopID, replacing any live subscription.
func (l *Listener) Start(ctx context.Context, shopID string) error {
	if shopID == "" {
		return ErrMissingShopID
	}
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if err := l.stop(); err != nil {
		l.logger.Warnf("stop previous subscription: %v", err)
	}

	sub, err := l.feed.Subscribe(ctx, shopID, l.enqueue)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	l.mu.Lock()
	l.shopID = shopID
	l.sub = sub
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	go l.run(loopCtx, done)
	l.logger.WithField("shop_id", shopID).Info("listening for changes")
	return nil
}

// Stop applies whatever is still queued and closes the subscription.
func (l *Listener) Stop() error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	return l.stop()
}

func (l *Listener) stop() error {
	l.mu.Lock()
	sub, cancel, done := l.sub, l.cancel, l.done
	l.sub, l.cancel, l.done = nil, nil, nil
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	closeErr := sub.Close()
	cancel()
	<-done

	_, err := l.Flush(context.Background())
	return errors.Join(closeErr, err)
}

// Bound reports whether a subscription is live.
func (l *Listener) Bound() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sub != nil
}

func (l *Listener) ShopID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shopID
}

// Queued is the number of events waiting for the next flush.
func (l *Listener) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Listener) enqueue(ev domain.ChangeEvent) {
	l.mu.Lock()
	l.queue = append(l.queue, ev)
	l.mu.Unlock()
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.Queued() == 0 {
				continue
			}
			if _, err := l.Flush(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warnf("flush failed: %v", err)
			}
		}
	}
}

// Flush applies queued events in arrival order inside one transaction. On
// failure the batch goes back to the head of the queue. Pull watermarks are
// left alone: a feed can drop events, and only a pull proves nothing older
// was missed.
func (l *Listener) Flush(ctx context.Context) (int, error) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return 0, nil
	}

	applied := 0
	err := l.repo.RunInTx(ctx, func(tx store.Records) error {
		applied = 0
		for _, ev := range batch {
			ok, err := l.apply(ctx, tx, ev)
			if err != nil {
				return err
			}
			if ok {
				applied++
			}
		}
		return nil
	})
	if err != nil {
		l.mu.Lock()
		l.queue = append(batch, l.queue...)
		l.mu.Unlock()
		return 0, err
	}
	return applied, nil
}

func (l *Listener) apply(ctx context.Context, tx store.Records, ev domain.ChangeEvent) (bool, error) {
	log := l.logger.WithFields(logrus.Fields{"collection": ev.Table, "type": ev.Type})

	if ev.Type == domain.ChangeDelete {
		raw := ev.OldRecord
		if len(raw) == 0 {
			raw = ev.Record
		}
		rec, err := wire.DecodeRecord(raw)
		if err != nil {
			log.Warnf("undecodable delete: %v", err)
			return false, nil
		}
		uuid, _ := rec[wire.ColumnUUID].(string)
		if uuid == "" {
			return false, nil
		}
		return true, tx.Delete(ctx, ev.Table, uuid)
	}

	if len(ev.Record) == 0 {
		// The notify payload was too large to carry the row. The next
		// incremental pull picks it up.
		log.Debug("change without record")
		return false, nil
	}
	rec, err := wire.DecodeRecord(ev.Record)
	if err != nil {
		log.Warnf("undecodable change: %v", err)
		return false, nil
	}
	row, err := wire.ToLocal(ev.Table, rec)
	if err != nil {
		log.Warnf("unusable change: %v", err)
		return false, nil
	}
	return applyRemote(ctx, tx, row, false)
}
