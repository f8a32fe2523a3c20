package session

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/liveness/util/observable"
)

const (
	// DefaultCheckInterval bounds how long an expired session can outlive
	// its expiry when the change feed is down.
	DefaultCheckInterval = 60 * time.Second
	// SignOutTimeout bounds the sign-out request made on termination.
	SignOutTimeout = 30 * time.Second
)

// State is the lifecycle of one guarded session.
type State int

const (
	// StateStopped means no session is being guarded.
	StateStopped State = iota
	StateValid
	// StateRevoked is terminal. Only a new Start leaves it.
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateValid:
		return "valid"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

type GuardOptions struct {
	Logger   slog.Logger
	Clock    quartz.Clock
	Identity IdentityService
	// Feed is optional. Without it the guard relies on the periodic check.
	Feed     ChangeFeed
	Store    *Store
	Interval time.Duration
	// Navigate is called once per termination after local state has been
	// cleared. It must not call Stop or Start synchronously.
	Navigate func(Reason)
	Metrics  *Metrics
}

// Guard watches the signed-in session and forcibly ends it when the account
// is deactivated or expires. Two triggers race to end a session: a pushed
// ChangeNotification and a periodic expiry check. Whichever wins, the
// termination effects run exactly once per session.
type Guard struct {
	logger   slog.Logger
	clock    quartz.Clock
	identity IdentityService
	feed     ChangeFeed
	store    *Store
	interval time.Duration
	navigate func(Reason)
	metrics  *Metrics

	mu   sync.Mutex
	inst *instance

	reason *observable.Value[Reason]
}

func NewGuard(opts GuardOptions) *Guard {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultCheckInterval
	}
	return &Guard{
		logger:   opts.Logger.Named("guard"),
		clock:    opts.Clock,
		identity: opts.Identity,
		feed:     opts.Feed,
		store:    opts.Store,
		interval: opts.Interval,
		navigate: opts.Navigate,
		metrics:  opts.Metrics,
		reason:   observable.New(ReasonNone),
	}
}

// Start guards sess, replacing any session guarded before. The new
// instance starts Valid even if the previous one was revoked.
func (g *Guard) Start(sess Session) {
	g.mu.Lock()
	prev := g.inst
	g.inst = nil
	g.reason.Store(ReasonNone)
	g.mu.Unlock()
	g.reason.Flush()
	if prev != nil {
		prev.stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		g:       g,
		logger:  g.logger.With(slog.F("user_id", sess.UserID), slog.F("session_id", sess.ID)),
		session: sess,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateValid,
	}
	if g.feed != nil {
		userID := sess.UserID
		cancelFeed, err := g.feed.Subscribe(ctx, userID, func(n ChangeNotification) bool {
			return n.UserID == userID
		}, inst.notify)
		if err != nil {
			g.metrics.changeFeedFailed()
			inst.logger.Warn(ctx, "subscribe to change feed, relying on periodic checks",
				slog.Error(err))
		} else {
			inst.setFeedCancel(cancelFeed)
		}
	} else {
		inst.logger.Debug(ctx, "no change feed configured, relying on periodic checks")
	}

	// No check runs until the first interval has elapsed.
	inst.ticker = g.clock.TickerFunc(ctx, g.interval, inst.check, "guard", "poll")

	g.mu.Lock()
	g.inst = inst
	g.mu.Unlock()
	inst.logger.Debug(ctx, "guarding session", slog.F("interval", g.interval))
}

// Stop stops guarding without signing out. It waits for an in-flight check
// to return.
func (g *Guard) Stop() {
	g.mu.Lock()
	inst := g.inst
	g.inst = nil
	g.mu.Unlock()
	if inst != nil {
		inst.stop()
	}
}

// Revoke ends the guarded session for reason. It reports whether this call
// performed the termination.
func (g *Guard) Revoke(reason Reason) bool {
	g.mu.Lock()
	inst := g.inst
	g.mu.Unlock()
	if inst == nil {
		return false
	}
	return inst.revoke(reason, "manual")
}

func (g *Guard) State() State {
	g.mu.Lock()
	inst := g.inst
	g.mu.Unlock()
	if inst == nil {
		return StateStopped
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// Reason is why the most recent session was terminated. It is reset to
// ReasonNone by Start.
func (g *Guard) Reason() Reason {
	return g.reason.Get()
}

func (g *Guard) SubscribeReason(fn func(Reason)) (cancel func()) {
	return g.reason.Subscribe(fn)
}

type instance struct {
	g       *Guard
	logger  slog.Logger
	session Session
	ctx     context.Context
	cancel  context.CancelFunc
	ticker  quartz.Waiter

	mu         sync.Mutex
	state      State
	cancelFeed func()
	feedOnce   sync.Once
}

func (i *instance) setFeedCancel(cancel func()) {
	i.mu.Lock()
	i.cancelFeed = cancel
	done := i.state != StateValid
	i.mu.Unlock()
	if done {
		// Terminated while subscribing.
		i.feedOnce.Do(cancel)
	}
}

func (i *instance) unsubscribe() {
	i.mu.Lock()
	cancel := i.cancelFeed
	i.mu.Unlock()
	if cancel == nil {
		return
	}
	i.feedOnce.Do(cancel)
}

func (i *instance) notify(n ChangeNotification) {
	if n.UserID != i.session.UserID {
		return
	}
	switch {
	case !n.IsActive:
		i.revoke(ReasonDeactivated, "notification")
	case !n.ExpiresAt.IsZero() && !i.g.clock.Now().Before(n.ExpiresAt):
		i.revoke(ReasonExpired, "notification")
	}
}

func (i *instance) check() error {
	cur, ok := i.g.store.Current()
	if !ok || cur.UserID != i.session.UserID {
		// The client has moved on and will stop this instance.
		return nil
	}
	if cur.Expired(i.g.clock.Now()) {
		i.revoke(ReasonExpired, "poll")
	}
	return nil
}

func (i *instance) revoke(reason Reason, trigger string) bool {
	i.mu.Lock()
	if i.state != StateValid {
		i.mu.Unlock()
		return false
	}
	i.state = StateRevoked
	i.mu.Unlock()

	i.logger.Info(i.ctx, "terminating session",
		slog.F("reason", reason.String()),
		slog.F("trigger", trigger))
	i.g.metrics.terminated(reason, trigger)

	// Both triggers are done with this session.
	i.cancel()
	i.unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), SignOutTimeout)
	defer cancel()
	if err := i.g.identity.SignOut(ctx, i.session.ID); err != nil {
		i.g.metrics.signOutFailed()
		i.logger.Warn(ctx, "sign out terminated session, clearing local state anyway",
			slog.Error(xerrors.Errorf("%s: %w", ErrSignOutFailed, err)))
	}

	// A login or Start during sign-out owns the store and the reason now.
	i.g.mu.Lock()
	current := i.g.inst == i && i.g.store.storeClearIf(i.session.ID)
	if current {
		i.g.reason.Store(reason)
	}
	i.g.mu.Unlock()
	i.g.store.current.Flush()
	i.g.reason.Flush()
	if !current {
		i.logger.Info(ctx, "session replaced during termination, leaving the new session alone")
		return true
	}
	if i.g.navigate != nil {
		i.g.navigate(reason)
	}
	return true
}

func (i *instance) stop() {
	i.mu.Lock()
	if i.state == StateValid {
		i.state = StateStopped
	}
	i.mu.Unlock()
	i.cancel()
	i.unsubscribe()
	// Context cancellation is reported by the ticker's Wait.
	_ = i.ticker.Wait()
}
