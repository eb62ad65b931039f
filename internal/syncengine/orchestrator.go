package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"shopsync/backend/internal/cache"
	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/lock"
	"shopsync/backend/internal/realtime"
	"shopsync/backend/internal/remote"
	"shopsync/backend/internal/store"
)

const (
	DefaultInterval    = 15 * time.Second
	DefaultPassTimeout = 15 * time.Second
)

type Option func(*Orchestrator)

func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

func WithPassTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.passTimeout = d
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.flushInterval = d }
}

// WithLocker adds a lock shared with other processes on top of the
// in-process flag.
func WithLocker(locker lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = locker }
}

func WithStatusMirror(mirror cache.StatusMirror) Option {
	return func(o *Orchestrator) { o.mirror = mirror }
}

func WithConnectivity(c Connectivity) Option {
	return func(o *Orchestrator) { o.connectivity = c }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type StatusFunc func(domain.Status)

// Orchestrator runs push then pull on a timer and on reconnect, and keeps the
// realtime listener bound to the current shop.
type Orchestrator struct {
	repo     store.Repository
	backend  remote.Backend
	pusher   *Pusher
	puller   *Puller
	listener *Listener

	interval      time.Duration
	passTimeout   time.Duration
	flushInterval time.Duration
	locker        lock.Locker
	mirror        cache.StatusMirror
	connectivity  Connectivity
	logger        logrus.FieldLogger
	now           func() time.Time

	inFlight atomic.Bool

	mu        sync.RWMutex
	status    domain.Status
	lastSync  *time.Time
	lastError string
	observers map[int]StatusFunc
	nextID    int

	runMu   sync.Mutex
	loopCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
}

// New wires the stages together. feed may be nil to run without realtime.
func New(repo store.Repository, backend remote.Backend, feed realtime.Feed, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:        repo,
		backend:     backend,
		interval:    DefaultInterval,
		passTimeout: DefaultPassTimeout,
		mirror:      cache.NoopStatusMirror{},
		logger:      logrus.StandardLogger(),
		now:         time.Now,
		status:      domain.StatusPending,
		observers:   map[int]StatusFunc{},
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithField("module", "syncengine")
	o.pusher = NewPusher(repo, backend, o.logger)
	o.puller = NewPuller(repo, backend, o.logger)
	if feed != nil {
		o.listener = NewListener(repo, feed, o.flushInterval, o.logger)
	}
	return o
}

func (o *Orchestrator) Pusher() *Pusher {
	return o.pusher
}

func (o *Orchestrator) Puller() *Puller {
	return o.puller
}

func (o *Orchestrator) Listener() *Listener {
	return o.listener
}

func (o *Orchestrator) Status() domain.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Snapshot describes the current state, including the pending row count.
func (o *Orchestrator) Snapshot(ctx context.Context) (domain.SyncSnapshot, error) {
	pending, err := PendingCount(ctx, o.repo)
	if err != nil {
		return domain.SyncSnapshot{}, err
	}
	shopID, _ := o.repo.Setting(ctx, store.SettingShopID)
	deviceID, _ := o.repo.Setting(ctx, store.SettingDeviceID)

	o.mu.RLock()
	defer o.mu.RUnlock()
	snap := domain.SyncSnapshot{
		ShopID:    shopID,
		DeviceID:  deviceID,
		Status:    o.status,
		Pending:   pending,
		LastError: o.lastError,
		UpdatedAt: o.now().UTC(),
	}
	if o.lastSync != nil {
		at := *o.lastSync
		snap.LastSyncAt = &at
	}
	return snap, nil
}

// SubscribeStatus registers fn for every status transition. fn runs on the
// goroutine that caused the transition and must not block.
func (o *Orchestrator) SubscribeStatus(fn StatusFunc) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.observers[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.observers, id)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) setStatus(status domain.Status, cause error) {
	o.mu.Lock()
	changed := o.status != status
	o.status = status
	if cause != nil {
		o.lastError = cause.Error()
	} else if status == domain.StatusSynced || status == domain.StatusPending {
		o.lastError = ""
	}
	if status == domain.StatusSynced {
		at := o.now().UTC()
		o.lastSync = &at
	}
	observers := make([]StatusFunc, 0, len(o.observers))
	for _, fn := range o.observers {
		observers = append(observers, fn)
	}
	o.mu.Unlock()

	if !changed {
		return
	}
	o.logger.WithField("status", status).Info("sync status changed")
	for _, fn := range observers {
		fn(status)
	}
	o.publish()
}

func (o *Orchestrator) publish() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := o.Snapshot(ctx)
	if err != nil {
		o.logger.Warnf("snapshot for mirror: %v", err)
		return
	}
	if err := o.mirror.Publish(ctx, snap); err != nil {
		o.logger.Warnf("mirror status: %v", err)
	}
}

// acquire claims the pass for this process and, when configured, across
// processes. The returned func releases both.
func (o *Orchestrator) acquire(ctx context.Context, shopID string) (func(), error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSyncInFlight
	}
	if o.locker == nil || shopID == "" {
		return func() { o.inFlight.Store(false) }, nil
	}
	lease, err := o.locker.Obtain(ctx, lock.Key(shopID), o.passTimeout+5*time.Second)
	if err != nil {
		o.inFlight.Store(false)
		if errors.Is(err, lock.ErrNotObtained) {
			return nil, ErrSyncInFlight
		}
		return nil, fmt.Errorf("obtain sync lock: %w", err)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			o.logger.Warnf("release sync lock: %v", err)
		}
		o.inFlight.Store(false)
	}, nil
}

// Sync runs one push and pull pass. A second caller while a pass is running
// gets ErrSyncInFlight. The pass is abandoned after the pass timeout and the
// flag released even if a stage has not returned yet.
func (o *Orchestrator) Sync(ctx context.Context) error {
	shopID, err := ShopID(ctx, o.repo)
	if err != nil {
		if errors.Is(err, ErrMissingShopID) {
			o.setStatus(domain.StatusUnprovisioned, err)
		}
		return err
	}

	release, err := o.acquire(ctx, shopID)
	if err != nil {
		return err
	}
	defer release()
	o.setStatus(domain.StatusPending, nil)

	err = o.withTimeout(ctx, func(passCtx context.Context) error {
		return o.pass(passCtx, shopID)
	})
	if err != nil {
		o.logger.WithField("shop_id", shopID).Warnf("sync pass: %v", err)
		o.setStatus(StatusFor(err), err)
		return err
	}

	pending, err := PendingCount(ctx, o.repo)
	if err != nil {
		o.setStatus(domain.StatusError, err)
		return err
	}
	if pending > 0 {
		o.setStatus(domain.StatusPending, nil)
	} else {
		o.setStatus(domain.StatusSynced, nil)
	}
	return nil
}

func (o *Orchestrator) withTimeout(ctx context.Context, stage func(context.Context) error) error {
	passCtx, cancel := context.WithTimeout(ctx, o.passTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- stage(passCtx)
	}()

	select {
	case err := <-result:
		if err != nil && errors.Is(passCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %w", ErrPassTimeout, err)
		}
		return err
	case <-passCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w after %s", ErrPassTimeout, o.passTimeout)
	}
}

func (o *Orchestrator) pass(ctx context.Context, shopID string) error {
	report, pushErr := o.pusher.PushPending(ctx, shopID)
	if pushErr != nil && !errors.Is(pushErr, ErrPartialPush) {
		return pushErr
	}
	if pushErr != nil && IsOffline(pushErr) {
		return pushErr
	}
	if _, err := o.puller.PullIncremental(ctx, shopID); err != nil {
		return err
	}
	if report.Attempted > 0 {
		o.logger.WithFields(logrus.Fields{
			"shop_id":   shopID,
			"attempted": report.Attempted,
			"pushed":    report.Pushed,
			"failed":    report.Failed,
		}).Info("push finished")
	}
	return pushErr
}

// PerformInitialPull mirrors the remote catalogue over the local one.
func (o *Orchestrator) PerformInitialPull(ctx context.Context) error {
	shopID, err := ShopID(ctx, o.repo)
	if err != nil {
		if errors.Is(err, ErrMissingShopID) {
			o.setStatus(domain.StatusUnprovisioned, err)
		}
		return err
	}
	release, err := o.acquire(ctx, shopID)
	if err != nil {
		return err
	}
	defer release()

	o.setStatus(domain.StatusPulling, nil)
	err = o.withTimeout(ctx, func(passCtx context.Context) error {
		_, err := o.puller.FullPull(passCtx, shopID)
		return err
	})
	if err != nil {
		o.setStatus(StatusFor(err), err)
		return err
	}

	pending, err := PendingCount(ctx, o.repo)
	if err != nil {
		o.setStatus(domain.StatusError, err)
		return err
	}
	if pending > 0 {
		o.setStatus(domain.StatusPending, nil)
	} else {
		o.setStatus(domain.StatusSynced, nil)
	}
	return nil
}

// SetShopID provisions the device for a shop. Watermarks are reset so the
// next pull starts from scratch, and the listener moves to the new channel.
func (o *Orchestrator) SetShopID(ctx context.Context, shopID string) error {
	if shopID == "" {
		return ErrMissingShopID
	}
	err := o.repo.RunInTx(ctx, func(tx store.Records) error {
		if err := tx.SetSetting(ctx, store.SettingShopID, shopID); err != nil {
			return err
		}
		return ResetWatermarks(ctx, tx)
	})
	if err != nil {
		return err
	}
	o.setStatus(domain.StatusPending, nil)

	o.runMu.Lock()
	running := o.cancel != nil
	o.runMu.Unlock()
	if running && o.listener != nil {
		if err := o.listener.Start(o.runContext(), shopID); err != nil {
			o.logger.Warnf("rebind listener: %v", err)
		}
	}
	o.Trigger()
	return nil
}

// Trigger asks the running loop for a pass without waiting for it.
func (o *Orchestrator) Trigger() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Start performs the first-run pull when the catalogue is empty, binds the
// listener and starts the sync loop. It returns once the loop is running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	if o.cancel != nil {
		o.runMu.Unlock()
		return errors.New("orchestrator already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.loopCtx = runCtx
	o.cancel = cancel
	o.done = make(chan struct{})
	done := o.done
	o.runMu.Unlock()

	shopID, err := ShopID(ctx, o.repo)
	switch {
	case errors.Is(err, ErrMissingShopID):
		o.setStatus(domain.StatusUnprovisioned, err)
	case err != nil:
		o.runMu.Lock()
		o.loopCtx, o.cancel, o.done = nil, nil, nil
		o.runMu.Unlock()
		cancel()
		return err
	default:
		o.firstRun(ctx, shopID)
		if o.listener != nil {
			if err := o.listener.Start(runCtx, shopID); err != nil {
				o.logger.Warnf("start listener: %v", err)
			}
		}
	}

	go o.loop(runCtx, done)
	return nil
}

func (o *Orchestrator) firstRun(ctx context.Context, shopID string) {
	n, err := o.repo.Count(ctx, domain.CollectionInventory, store.Query{IncludeDeleted: true})
	if err != nil || n > 0 {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.backend.Ping(pingCtx); err != nil {
		o.setStatus(domain.StatusOffline, err)
		return
	}
	o.logger.WithField("shop_id", shopID).Info("empty catalogue, running initial pull")
	if err := o.PerformInitialPull(ctx); err != nil {
		o.logger.Warnf("initial pull: %v", err)
	}
}

func (o *Orchestrator) runContext() context.Context {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.loopCtx == nil {
		return context.Background()
	}
	return o.loopCtx
}

func (o *Orchestrator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	var changes <-chan bool
	if o.connectivity != nil {
		changes = o.connectivity.Changes()
	}

	o.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runPass(ctx)
		case <-o.wake:
			o.runPass(ctx)
		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if online {
				o.bindListener(ctx)
				o.runPass(ctx)
			} else {
				o.setStatus(domain.StatusOffline, remote.ErrUnavailable)
			}
		}
	}
}

func (o *Orchestrator) runPass(ctx context.Context) {
	err := o.Sync(ctx)
	if err != nil && !errors.Is(err, ErrSyncInFlight) && !errors.Is(err, ErrMissingShopID) && ctx.Err() == nil {
		o.logger.Debugf("scheduled sync: %v", err)
	}
	if err == nil || errors.Is(err, ErrPartialPush) {
		o.bindListener(ctx)
	}
}

// bindListener subscribes the listener when an earlier attempt failed, as it
// does for a till that booted offline.
func (o *Orchestrator) bindListener(ctx context.Context) {
	if o.listener == nil || o.listener.Bound() || ctx.Err() != nil {
		return
	}
	shopID, err := ShopID(ctx, o.repo)
	if err != nil {
		return
	}
	if err := o.listener.Start(ctx, shopID); err != nil {
		o.logger.Warnf("start listener: %v", err)
		return
	}
	o.logger.WithField("shop_id", shopID).Info("listener bound after reconnect")
}

// Stop ends the loop and drains the listener.
func (o *Orchestrator) Stop() error {
	o.runMu.Lock()
	cancel, done := o.cancel, o.done
	o.loopCtx, o.cancel, o.done = nil, nil, nil
	o.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	if o.listener != nil {
		return o.listener.Stop()
	}
	return nil
}
