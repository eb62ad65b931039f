package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// PGFeed listens on the backend's pg_notify channel for a shop.
type PGFeed struct {
	databaseURL string
	logger      logrus.FieldLogger
}

func NewPGFeed(databaseURL string, logger logrus.FieldLogger) *PGFeed {
	return &PGFeed{databaseURL: databaseURL, logger: logger.WithField("module", "realtime.pg")}
}

// Subscribe verifies the first connection synchronously, then keeps the
// LISTEN session alive in the background, reconnecting with backoff.
func (f *PGFeed) Subscribe(ctx context.Context, shopID string, handler Handler) (Subscription, error) {
	conn, err := f.listen(ctx, shopID)
	if err != nil {
		return nil, err
	}
	log := f.logger.WithField("shop_id", shopID)
	return startLoop(context.WithoutCancel(ctx), func(ctx context.Context) {
		wait := backoff{min: 500 * time.Millisecond, max: 30 * time.Second}
		for {
			err := f.receive(ctx, conn, handler, log)
			_ = conn.Close(context.Background())
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("listen session ended, reconnecting")
			for {
				if !sleepCtx(ctx, wait.next()) {
					return
				}
				conn, err = f.listen(ctx, shopID)
				if err == nil {
					wait.reset()
					break
				}
				log.WithError(err).Warn("reconnect failed")
			}
		}
	}), nil
}

func (f *PGFeed) listen(ctx context.Context, shopID string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, f.databaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel(shopID)}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}
	return conn, nil
}

func (f *PGFeed) receive(ctx context.Context, conn *pgx.Conn, handler Handler, log logrus.FieldLogger) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		ev, err := DecodeEvent([]byte(n.Payload))
		if err != nil {
			log.WithError(err).Warn("dropping malformed notification")
			continue
		}
		handler(ev)
	}
}
