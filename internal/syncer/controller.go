package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/bookmark-sync/internal/api"
	"github.com/alexjbarnes/bookmark-sync/internal/channel"
	apperrors "github.com/alexjbarnes/bookmark-sync/internal/errors"
	"github.com/alexjbarnes/bookmark-sync/internal/folderpath"
	"github.com/alexjbarnes/bookmark-sync/internal/state"
	"github.com/alexjbarnes/bookmark-sync/internal/store"
)

// Channel is the push channel as the controller uses it.
// *channel.Channel satisfies it.
type Channel interface {
	Connect(ctx context.Context)
	Disconnect()
	State() channel.State
	Failures() int
	LastHeartbeat() time.Time
	Retrying() bool
	OnMessage(typ string, h channel.Handler)
	OnStateChange(h channel.StateHandler)
}

// Session supplies the stored credentials.
type Session interface {
	Credentials() state.Credentials
}

// Options configures the controller's schedule.
type Options struct {
	// SettleDelay is the wait between activation and the first full sync.
	SettleDelay time.Duration
	// FullSyncInterval is the periodic full sync interval. Zero disables
	// the periodic pass.
	FullSyncInterval time.Duration
}

// Status is a snapshot of the controller for display.
type Status struct {
	Active        bool       `json:"active"`
	AwaitingLogin bool       `json:"awaiting_login"`
	Syncing       bool       `json:"syncing"`
	Channel       string     `json:"channel"`
	Failures      int        `json:"channel_failures"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	LastSync      *Stats     `json:"last_sync,omitempty"`
	QueuedEvents  int        `json:"queued_events"`
	LastError     string     `json:"last_error,omitempty"`
}

// Controller owns activation, scheduling and the single event loop that
// runs every full sync, remote apply and outbound push.
type Controller struct {
	opts       Options
	store      store.Store
	remote     RemoteAPI
	session    Session
	channel    Channel
	reconciler *Reconciler
	classifier *Classifier
	logger     *slog.Logger

	queue        *workQueue
	trigger      chan struct{}
	loginChanged chan struct{}
	unauthorized chan error

	mu         sync.Mutex
	active     bool
	halted     bool
	syncing    bool
	lastSync   *Stats
	lastSyncAt time.Time
	lastErr    string
}

// NewController wires a controller around its collaborators.
func NewController(opts Options, s store.Store, remote RemoteAPI, session Session, ch Channel, reconciler *Reconciler, classifier *Classifier, logger *slog.Logger) *Controller {
	return &Controller{
		opts:         opts,
		store:        s,
		remote:       remote,
		session:      session,
		channel:      ch,
		reconciler:   reconciler,
		classifier:   classifier,
		logger:       logger,
		queue:        newWorkQueue(),
		trigger:      make(chan struct{}, 1),
		loginChanged: make(chan struct{}, 1),
		unauthorized: make(chan error, 1),
	}
}

// SyncNow requests a full sync. Requests made while one is pending or
// running collapse into a single follow-up run. A dormant controller
// first retries activation, unless its token was rejected.
func (c *Controller) SyncNow() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// LoginChanged tells the controller the stored credentials changed. It
// is the only way out of the halt that follows a rejected token.
func (c *Controller) LoginChanged() {
	select {
	case c.loginChanged <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		Active:        c.active,
		AwaitingLogin: c.halted,
		Syncing:       c.syncing,
		LastError:     c.lastErr,
	}

	if c.lastSync != nil {
		stats := *c.lastSync
		at := c.lastSyncAt
		st.LastSync = &stats
		st.LastSyncAt = &at
	}
	c.mu.Unlock()

	st.Channel = c.channel.State().String()
	st.Failures = c.channel.Failures()
	st.QueuedEvents = c.queue.len()

	if hb := c.channel.LastHeartbeat(); !hb.IsZero() {
		st.LastHeartbeat = &hb
	}

	return st
}

// Active reports whether the controller is syncing.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active
}

// Bookmarks lists the local bookmarks below the sync root.
func (c *Controller) Bookmarks(ctx context.Context, filter string) ([]Bookmark, error) {
	return c.reconciler.Bookmarks(ctx, filter)
}

// Run subscribes to the store and the channel, activates if logged in,
// and processes work until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	cancelSub := c.store.Subscribe(c.onStoreEvent)
	defer cancelSub()

	c.channel.OnMessage(channel.TypeBookmarkChange, c.onBookmarkChange)
	c.channel.OnMessage(channel.TypePasswordChange, func(channel.Message) {
		c.logger.Debug("ignoring password_change notification")
	})
	c.channel.OnStateChange(c.onChannelState)

	defer c.channel.Disconnect()

	settle := time.NewTimer(time.Hour)
	settle.Stop()

	defer settle.Stop()

	var tick <-chan time.Time

	if c.opts.FullSyncInterval > 0 {
		ticker := time.NewTicker(c.opts.FullSyncInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	if c.activate(ctx) {
		settle.Reset(c.opts.SettleDelay)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-c.queue.notify:
			c.processQueue(ctx)

		case <-settle.C:
			c.runFullSync(ctx)

		case <-c.trigger:
			if c.Active() {
				settle.Stop()
				c.runFullSync(ctx)
			} else if c.activate(ctx) {
				settle.Reset(c.opts.SettleDelay)
			}

		case <-c.loginChanged:
			c.deactivate(nil)
			c.setHalted(false)
			settle.Stop()

			if c.activate(ctx) {
				settle.Reset(c.opts.SettleDelay)
			}

		case err := <-c.unauthorized:
			c.deactivate(err)
			settle.Stop()

		case <-tick:
			if !c.Active() {
				if c.activate(ctx) {
					settle.Reset(c.opts.SettleDelay)
				}

				continue
			}

			settle.Stop()
			c.runFullSync(ctx)

			if c.Active() && c.channel.State() == channel.Disconnected && !c.channel.Retrying() {
				c.channel.Connect(ctx)
			}
		}
	}
}

// activate verifies the stored session and, when valid, opens the
// channel. The caller schedules the settle timer. After the server has
// rejected the token it stays dormant until LoginChanged.
func (c *Controller) activate(ctx context.Context) bool {
	if c.Active() {
		return false
	}

	if c.Halted() {
		c.logger.Debug("token rejected, waiting for a new login")
		return false
	}

	if !c.session.Credentials().LoggedIn() {
		c.logger.Info("not logged in, sync dormant")
		return false
	}

	user, err := c.remote.Verify(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnauthorized) {
			c.setHalted(true)
		}

		c.setLastError(err)
		c.logger.Warn("session check failed, sync dormant", slog.String("error", err.Error()))

		return false
	}

	c.mu.Lock()
	c.active = true
	c.lastErr = ""
	c.mu.Unlock()

	email := ""
	if user != nil {
		email = user.Email
	}

	c.logger.Info("sync active", slog.String("user", email))
	c.channel.Connect(ctx)

	return true
}

// deactivate closes the channel and drops queued work. err, when set,
// is recorded as the reason.
func (c *Controller) deactivate(err error) {
	c.mu.Lock()
	wasActive := c.active
	c.active = false
	c.mu.Unlock()

	c.channel.Disconnect()
	c.queue.drain()

	if errors.Is(err, apperrors.ErrUnauthorized) {
		c.setHalted(true)
	}

	if err != nil {
		c.setLastError(err)
	}

	if wasActive {
		if err != nil {
			c.logger.Warn("sync deactivated", slog.String("error", err.Error()))
		} else {
			c.logger.Info("sync deactivated")
		}
	}
}

func (c *Controller) runFullSync(ctx context.Context) {
	if !c.Active() {
		return
	}

	c.mu.Lock()
	c.syncing = true
	c.mu.Unlock()

	stats, err := c.reconciler.FullSync(ctx)

	c.mu.Lock()
	c.syncing = false
	c.lastSync = &stats
	c.lastSyncAt = time.Now()
	c.mu.Unlock()

	if err != nil {
		c.handleError("full sync", err)
	}
}

// processQueue drains the queue in one batch sharing a folder path cache.
func (c *Controller) processQueue(ctx context.Context) {
	items := c.queue.drain()
	if len(items) == 0 {
		return
	}

	cache := folderpath.NewCache()

	for _, w := range items {
		if ctx.Err() != nil || !c.Active() {
			return
		}

		switch {
		case w.local != nil:
			c.processLocal(ctx, *w.local, cache)
		case w.remote != nil:
			if err := c.reconciler.ApplyRemoteChange(ctx, w.remote.action, w.remote.record); err != nil {
				c.handleError("remote change", err)
			}
		}
	}
}

func (c *Controller) processLocal(ctx context.Context, ev store.Event, cache *folderpath.Cache) {
	ops, err := c.classifier.Classify(ctx, ev, cache)
	if err != nil {
		c.handleError("classifying "+ev.Kind.String()+" event", err)
		return
	}

	for _, op := range ops {
		if err := c.reconciler.Push(ctx, op); err != nil {
			c.handleError(op.Kind.String()+" "+op.URL, err)

			if errors.Is(err, apperrors.ErrUnauthorized) {
				return
			}
		}
	}
}

func (c *Controller) handleError(what string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	if errors.Is(err, apperrors.ErrUnauthorized) {
		c.deactivate(fmt.Errorf("%s: %w", what, err))
		return
	}

	c.setLastError(fmt.Errorf("%s: %w", what, err))

	level := slog.LevelError
	if api.IsTransient(err) {
		level = slog.LevelWarn
	}

	c.logger.Log(context.Background(), level, what+" failed", slog.String("error", err.Error()))
}

// Halted reports whether the controller is waiting for a new login
// after the server rejected the token.
func (c *Controller) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.halted
}

func (c *Controller) setHalted(v bool) {
	c.mu.Lock()
	c.halted = v
	c.mu.Unlock()
}

func (c *Controller) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// onStoreEvent runs synchronously inside the store mutation, so the
// suppression check sees the marks of the write in progress.
func (c *Controller) onStoreEvent(ev store.Event) {
	if c.classifier.Suppressed(ev) {
		return
	}

	if !c.Active() {
		return
	}

	c.queue.push(work{local: &ev})
}

func (c *Controller) onBookmarkChange(msg channel.Message) {
	if !c.Active() {
		return
	}

	var rec api.Record
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		c.logger.Warn("decoding bookmark_change", slog.String("error", err.Error()))
		return
	}

	c.queue.push(work{remote: &remoteChange{action: msg.Action, record: rec}})
}

func (c *Controller) onChannelState(s channel.State, err error) {
	if s != channel.Disconnected || !errors.Is(err, apperrors.ErrUnauthorized) {
		return
	}

	select {
	case c.unauthorized <- err:
	default:
	}
}
