package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shopsync/backend/internal/remote"
)

// Connectivity reports reachability transitions: true when the backend comes
// back, false when it is lost.
type Connectivity interface {
	Changes() <-chan bool
}

// Prober pings the backend on an interval.
type Prober struct {
	backend  remote.Backend
	interval time.Duration
	timeout  time.Duration
	logger   logrus.FieldLogger
	changes  chan bool

	mu     sync.Mutex
	known  bool
	online bool
}

func NewProber(backend remote.Backend, interval time.Duration, logger logrus.FieldLogger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Prober{
		backend:  backend,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger.WithField("module", "prober"),
		changes:  make(chan bool, 4),
	}
}

func (p *Prober) Changes() <-chan bool {
	return p.changes
}

func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check pings once and emits a change when reachability flipped. The first
// probe only emits when the backend is up.
func (p *Prober) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	online := p.backend.Ping(pingCtx) == nil

	p.mu.Lock()
	changed := online != p.online || (!p.known && online)
	p.known = true
	p.online = online
	p.mu.Unlock()

	if changed {
		p.logger.WithField("online", online).Info("connectivity changed")
		select {
		case p.changes <- online:
		default:
		}
	}
	return online
}
