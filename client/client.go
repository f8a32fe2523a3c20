// Package client runs one presence-aware, session-guarded client: it keeps
// the presence channel joined under the signed-in identity, reports
// activity changes, and tears everything down when the session ends.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/coder/quartz"
	"github.com/coder/retry"

	"cdr.dev/slog/v3"

	"github.com/coder/liveness/activity"
	"github.com/coder/liveness/presence"
	"github.com/coder/liveness/session"
)

const (
	joinRetryFloor   = 250 * time.Millisecond
	joinRetryCeiling = 10 * time.Second
)

type Options struct {
	Logger    slog.Logger
	Clock     quartz.Clock
	Identity  session.IdentityService
	Feed      session.ChangeFeed
	Transport presence.Transport
	// ChannelName defaults to presence.DefaultChannelName.
	ChannelName string

	IdleTimeout    time.Duration
	ActivitySource activity.Source
	AlwaysActive   bool
	CheckInterval  time.Duration

	// OnTerminate is called after a forced sign-out has cleared local state.
	OnTerminate func(session.Reason)

	PresenceMetrics *presence.Metrics
	SessionMetrics  *session.Metrics
}

// Client owns one activity monitor, presence channel, session store and
// session guard. A single loop goroutine reconciles them with the store:
// whenever the signed-in session changes, the loop stops the old scope
// before starting the new one.
type Client struct {
	logger   slog.Logger
	identity session.IdentityService

	monitor *activity.Monitor
	channel *presence.Channel
	store   *session.Store
	guard   *session.Guard

	ctx         context.Context
	cancel      context.CancelFunc
	wake        chan struct{}
	loopDone    chan struct{}
	cancelStore func()
	closeOnce   sync.Once

	// scope is only touched by the loop goroutine.
	scope *scope
}

// scope is everything tied to one signed-in session.
type scope struct {
	sess     session.Session
	ctx      context.Context
	cancel   context.CancelFunc
	joinDone chan struct{}

	mu             sync.Mutex
	stopped        bool
	cancelActivity func()
}

func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		logger:   opts.Logger,
		identity: opts.Identity,
		store:    session.NewStore(),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
	c.monitor = activity.New(activity.Options{
		Logger:       opts.Logger,
		Clock:        opts.Clock,
		IdleTimeout:  opts.IdleTimeout,
		Source:       opts.ActivitySource,
		AlwaysActive: opts.AlwaysActive,
	})
	c.channel = presence.NewChannel(presence.Options{
		Logger:    opts.Logger,
		Transport: opts.Transport,
		Name:      opts.ChannelName,
		Metrics:   opts.PresenceMetrics,
	})
	c.guard = session.NewGuard(session.GuardOptions{
		Logger:   opts.Logger,
		Clock:    opts.Clock,
		Identity: opts.Identity,
		Feed:     opts.Feed,
		Store:    c.store,
		Interval: opts.CheckInterval,
		Navigate: opts.OnTerminate,
		Metrics:  opts.SessionMetrics,
	})
	c.cancelStore = c.store.Subscribe(func(session.Session, bool) {
		c.notify()
	})
	go c.loop()
	return c
}

// notify wakes the loop. Wakeups coalesce: the loop always reads the latest
// session, so one pending wakeup is enough.
func (c *Client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.ctx.Done():
			c.stopScope()
			return
		case <-c.wake:
		}
		c.reconcile()
	}
}

func (c *Client) reconcile() {
	sess, ok := c.store.Current()
	switch {
	case !ok:
		c.stopScope()
	case c.scope == nil:
		c.startScope(sess)
	case c.scope.sess.UserID != sess.UserID:
		c.stopScope()
		c.startScope(sess)
	case c.scope.sess.ID != sess.ID:
		c.logger.Debug(c.ctx, "new session for the same user, restarting guard",
			slog.F("user_id", sess.UserID), slog.F("session_id", sess.ID))
		c.scope.sess = sess
		c.guard.Start(sess)
	}
}

func (c *Client) startScope(sess session.Session) {
	ctx, cancel := context.WithCancel(c.ctx)
	sc := &scope{
		sess:     sess,
		ctx:      ctx,
		cancel:   cancel,
		joinDone: make(chan struct{}),
	}
	c.scope = sc
	c.logger.Info(ctx, "session started",
		slog.F("user_id", sess.UserID),
		slog.F("username", sess.Username))
	c.guard.Start(sess)
	go c.join(sc)
}

// join keeps trying to join the presence channel until it succeeds or the
// scope ends, then reports activity to it.
func (c *Client) join(sc *scope) {
	defer close(sc.joinDone)
	logger := c.logger.With(slog.F("user_id", sc.sess.UserID))

	joined := false
	for r := retry.New(joinRetryFloor, joinRetryCeiling); r.Wait(sc.ctx); {
		err := c.channel.Join(sc.ctx, sc.sess.UserID, sc.sess.DisplayName)
		if err == nil {
			joined = true
			break
		}
		if !xerrors.Is(err, presence.ErrChannelUnavailable) {
			logger.Error(sc.ctx, "join presence channel", slog.Error(err))
			return
		}
		logger.Warn(sc.ctx, "presence channel unavailable, retrying", slog.Error(err))
	}
	if !joined {
		return
	}

	cancel := c.monitor.Subscribe(func(p activity.Phase) {
		c.setActive(sc, p)
	})
	sc.mu.Lock()
	if sc.stopped {
		sc.mu.Unlock()
		cancel()
		return
	}
	sc.cancelActivity = cancel
	sc.mu.Unlock()

	// Joining declares the user active. Catch up if they already went idle.
	c.setActive(sc, c.monitor.Phase())
}

func (c *Client) setActive(sc *scope, p activity.Phase) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.stopped {
		return
	}
	if err := c.channel.SetActive(sc.ctx, p == activity.PhaseActive); err != nil {
		c.logger.Warn(sc.ctx, "publish activity", slog.Error(err), slog.F("phase", p.String()))
	}
}

func (c *Client) stopScope() {
	sc := c.scope
	if sc == nil {
		return
	}
	c.scope = nil

	sc.mu.Lock()
	sc.stopped = true
	cancelActivity := sc.cancelActivity
	sc.mu.Unlock()
	sc.cancel()
	<-sc.joinDone
	if cancelActivity != nil {
		cancelActivity()
	}

	c.guard.Stop()
	if err := c.channel.Leave(); err != nil {
		c.logger.Warn(c.ctx, "leave presence channel", slog.Error(err))
	}
	c.logger.Info(c.ctx, "session ended", slog.F("user_id", sc.sess.UserID))
}

// Resume restores a session the identity provider still honors.
func (c *Client) Resume(ctx context.Context) (bool, error) {
	sess, ok, err := c.identity.CurrentSession(ctx)
	if err != nil {
		return false, xerrors.Errorf("get current session: %w", err)
	}
	if ok {
		c.store.Set(sess)
	}
	return ok, nil
}

// Login signs in and switches the client to the new identity. Credential
// failures are returned as *session.AuthError.
func (c *Client) Login(ctx context.Context, creds session.Credentials) (session.Session, error) {
	sess, err := c.identity.Login(ctx, creds)
	if err != nil {
		return session.Session{}, err
	}
	c.store.Set(sess)
	return sess, nil
}

// Logout signs out. Local state is cleared even if the identity provider
// could not be reached.
func (c *Client) Logout(ctx context.Context) error {
	sess, ok := c.store.Current()
	if !ok {
		return nil
	}
	err := c.identity.SignOut(ctx, sess.ID)
	c.store.ClearIf(sess.ID)
	if err != nil {
		return xerrors.Errorf("%s: %w", session.ErrSignOutFailed, err)
	}
	return nil
}

// Close stops the client. It does not sign out.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancelStore()
		c.cancel()
		<-c.loopDone
		_ = c.monitor.Close()
	})
	return nil
}

func (c *Client) Session() (session.Session, bool) {
	return c.store.Current()
}

func (c *Client) SubscribeSession(fn func(sess session.Session, ok bool)) (cancel func()) {
	return c.store.Subscribe(fn)
}

// Joined returns the identity currently declared on the presence channel.
func (c *Client) Joined() (uuid.UUID, bool) {
	return c.channel.Joined()
}

// Roster returns the active users, one entry per user.
func (c *Client) Roster() []presence.Member {
	return c.channel.Roster()
}

func (c *Client) SubscribeRoster(fn func([]presence.Member)) (cancel func()) {
	return c.channel.SubscribeRoster(fn)
}

// TerminationReason is why the last session was forcibly ended, or
// session.ReasonNone.
func (c *Client) TerminationReason() session.Reason {
	return c.guard.Reason()
}

func (c *Client) SubscribeTermination(fn func(session.Reason)) (cancel func()) {
	return c.guard.SubscribeReason(fn)
}

func (c *Client) GuardState() session.State {
	return c.guard.State()
}

func (c *Client) Activity() activity.State {
	return c.monitor.State()
}

func (c *Client) Signal(s activity.Signal) {
	c.monitor.Signal(s)
}

func (c *Client) SetHidden(hidden bool) {
	c.monitor.SetHidden(hidden)
}
