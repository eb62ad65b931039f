package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// WSFeed reads change events from a websocket relay. The device presents a
// short-lived HS256 token naming its shop.
type WSFeed struct {
	url      string
	secret   []byte
	deviceID string
	logger   logrus.FieldLogger
}

type FeedClaims struct {
	ShopID   string `json:"shop_id"`
	DeviceID string `json:"device_id,omitempty"`
	jwtlib.RegisteredClaims
}

func NewWSFeed(rawURL string, secret string, deviceID string, logger logrus.FieldLogger) *WSFeed {
	return &WSFeed{
		url:      rawURL,
		secret:   []byte(secret),
		deviceID: deviceID,
		logger:   logger.WithField("module", "realtime.ws"),
	}
}

func (f *WSFeed) Subscribe(ctx context.Context, shopID string, handler Handler) (Subscription, error) {
	conn, err := f.dial(ctx, shopID)
	if err != nil {
		return nil, err
	}
	log := f.logger.WithField("shop_id", shopID)
	return startLoop(context.WithoutCancel(ctx), func(ctx context.Context) {
		wait := backoff{min: 500 * time.Millisecond, max: 30 * time.Second}
		for {
			err := f.receive(ctx, conn, handler, log)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("feed connection ended, reconnecting")
			for {
				if !sleepCtx(ctx, wait.next()) {
					return
				}
				conn, err = f.dial(ctx, shopID)
				if err == nil {
					wait.reset()
					break
				}
				log.WithError(err).Warn("reconnect failed")
			}
		}
	}), nil
}

// Token signs the bearer token presented to the relay.
func (f *WSFeed) Token(shopID string, now time.Time) (string, error) {
	claims := FeedClaims{
		ShopID:   shopID,
		DeviceID: f.deviceID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   f.deviceID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(10 * time.Minute)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(f.secret)
}

func (f *WSFeed) dial(ctx context.Context, shopID string) (*websocket.Conn, error) {
	token, err := f.Token(shopID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("sign feed token: %w", err)
	}
	u, err := url.Parse(f.url)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("channel", Channel(shopID))
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (f *WSFeed) receive(ctx context.Context, conn *websocket.Conn, handler Handler, log logrus.FieldLogger) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			log.WithError(err).Warn("dropping malformed message")
			continue
		}
		handler(ev)
	}
}
