package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"github.com/coder/quartz"

	"cdr.dev/slog/v3"

	"github.com/coder/liveness/session"
	"github.com/coder/liveness/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

type fakeIdentity struct {
	signOuts   atomic.Int64
	signOutErr error
	// When release is set, SignOut reports on entered and blocks until
	// release is closed.
	entered chan uuid.UUID
	release chan struct{}

	mu        sync.Mutex
	signedOut []uuid.UUID
}

func (*fakeIdentity) CurrentSession(context.Context) (session.Session, bool, error) {
	return session.Session{}, false, nil
}

func (*fakeIdentity) Login(context.Context, session.Credentials) (session.Session, error) {
	return session.Session{}, &session.AuthError{Kind: session.AuthBadCredentials}
}

func (f *fakeIdentity) SignOut(_ context.Context, sessionID uuid.UUID) error {
	f.signOuts.Inc()
	f.mu.Lock()
	f.signedOut = append(f.signedOut, sessionID)
	f.mu.Unlock()
	if f.release != nil {
		f.entered <- sessionID
		<-f.release
	}
	return f.signOutErr
}

func (f *fakeIdentity) signedOutSessions() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.signedOut...)
}

type subscription struct {
	userID    uuid.UUID
	predicate func(session.ChangeNotification) bool
	fn        func(session.ChangeNotification)
	canceled  atomic.Bool
}

type fakeFeed struct {
	err error

	mu   sync.Mutex
	subs []*subscription
}

func (f *fakeFeed) Subscribe(_ context.Context, userID uuid.UUID, predicate func(session.ChangeNotification) bool, fn func(session.ChangeNotification)) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	sub := &subscription{userID: userID, predicate: predicate, fn: fn}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return func() { sub.canceled.Store(true) }, nil
}

// push delivers n to every live subscription whose predicate accepts it.
func (f *fakeFeed) push(n session.ChangeNotification) {
	f.mu.Lock()
	subs := append([]*subscription(nil), f.subs...)
	f.mu.Unlock()
	for _, sub := range subs {
		if sub.canceled.Load() || !sub.predicate(n) {
			continue
		}
		sub.fn(n)
	}
}

func (f *fakeFeed) subscriptions() []*subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*subscription(nil), f.subs...)
}

type harness struct {
	guard     *session.Guard
	store     *session.Store
	identity  *fakeIdentity
	feed      *fakeFeed
	clock     *quartz.Mock
	navigated chan session.Reason
}

func newHarness(t *testing.T, logger slog.Logger, feed *fakeFeed, identity *fakeIdentity) *harness {
	t.Helper()
	if identity == nil {
		identity = &fakeIdentity{}
	}
	h := &harness{
		store:     session.NewStore(),
		identity:  identity,
		feed:      feed,
		clock:     quartz.NewMock(t),
		navigated: make(chan session.Reason, 4),
	}
	opts := session.GuardOptions{
		Logger:   logger,
		Clock:    h.clock,
		Identity: identity,
		Store:    h.store,
		Navigate: func(r session.Reason) { h.navigated <- r },
	}
	if feed != nil {
		opts.Feed = feed
	}
	h.guard = session.NewGuard(opts)
	t.Cleanup(h.guard.Stop)
	return h
}

func (h *harness) login(sess session.Session) {
	h.store.Set(sess)
	h.guard.Start(sess)
}

func newSession(expiresAt time.Time) session.Session {
	return session.Session{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Username:    "alice",
		DisplayName: "Alice",
		ExpiresAt:   expiresAt,
		IsActive:    true,
	}
}

func TestGuard_Deactivated(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t, testutil.Logger(t), &fakeFeed{}, nil)
	sess := newSession(time.Time{})
	h.login(sess)
	require.Equal(t, session.StateValid, h.guard.State())

	h.feed.push(session.ChangeNotification{UserID: sess.UserID, IsActive: false})

	require.Equal(t, session.ReasonDeactivated, testutil.RequireReceive(ctx, t, h.navigated))
	require.Equal(t, session.StateRevoked, h.guard.State())
	require.Equal(t, session.ReasonDeactivated, h.guard.Reason())
	require.Equal(t, []uuid.UUID{sess.ID}, h.identity.signedOutSessions())
	_, ok := h.store.Current()
	require.False(t, ok)
	require.True(t, h.feed.subscriptions()[0].canceled.Load())
}

func TestGuard_ExpiredNotification(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t, testutil.Logger(t), &fakeFeed{}, nil)
	sess := newSession(time.Time{})
	h.login(sess)

	// A future expiry is only an update.
	h.feed.push(session.ChangeNotification{
		UserID:    sess.UserID,
		IsActive:  true,
		ExpiresAt: h.clock.Now().Add(time.Hour),
	})
	testutil.RequireNoReceive(t, h.navigated)
	require.Equal(t, session.StateValid, h.guard.State())

	h.feed.push(session.ChangeNotification{
		UserID:    sess.UserID,
		IsActive:  true,
		ExpiresAt: h.clock.Now(),
	})
	require.Equal(t, session.ReasonExpired, testutil.RequireReceive(ctx, t, h.navigated))
	require.Equal(t, session.StateRevoked, h.guard.State())
}

func TestGuard_IgnoresOtherUsers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testutil.Logger(t), &fakeFeed{}, nil)
	sess := newSession(time.Time{})
	h.login(sess)

	h.feed.push(session.ChangeNotification{UserID: uuid.New(), IsActive: false})

	testutil.RequireNoReceive(t, h.navigated)
	require.Equal(t, session.StateValid, h.guard.State())
	require.Zero(t, h.identity.signOuts.Load())
}

func TestGuard_PeriodicCheckWithoutFeed(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	feed := &fakeFeed{err: xerrors.New("feed is down")}
	h := newHarness(t, testutil.Logger(t), feed, nil)
	sess := newSession(h.clock.Now().Add(-time.Minute))
	h.login(sess)

	// Nothing is checked at start.
	h.clock.Advance(59 * time.Second).MustWait(ctx)
	require.Equal(t, session.StateValid, h.guard.State())
	testutil.RequireNoReceive(t, h.navigated)

	h.clock.Advance(time.Second).MustWait(ctx)
	require.Equal(t, session.ReasonExpired, testutil.RequireReceive(ctx, t, h.navigated))
	require.Equal(t, session.StateRevoked, h.guard.State())
	require.EqualValues(t, 1, h.identity.signOuts.Load())
	_, ok := h.store.Current()
	require.False(t, ok)

	// The ticker is gone once revoked.
	h.clock.Advance(time.Minute).MustWait(ctx)
	testutil.RequireNoReceive(t, h.navigated)
	require.EqualValues(t, 1, h.identity.signOuts.Load())
}

func TestGuard_PeriodicCheckBeforeExpiry(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t, testutil.Logger(t), nil, nil)
	sess := newSession(h.clock.Now().Add(90 * time.Second))
	h.login(sess)

	h.clock.Advance(time.Minute).MustWait(ctx)
	require.Equal(t, session.StateValid, h.guard.State())

	h.clock.Advance(time.Minute).MustWait(ctx)
	require.Equal(t, session.ReasonExpired, testutil.RequireReceive(ctx, t, h.navigated))
}

func TestGuard_NoExpiryNeverRevokedByPoll(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t, testutil.Logger(t), nil, nil)
	h.login(newSession(time.Time{}))

	for range 5 {
		h.clock.Advance(time.Minute).MustWait(ctx)
	}
	require.Equal(t, session.StateValid, h.guard.State())
	testutil.RequireNoReceive(t, h.navigated)
}

// Both triggers fire for the same session; the effects still run once.
func TestGuard_ExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t, testutil.Logger(t), &fakeFeed{}, nil)
	sess := newSession(h.clock.Now().Add(time.Second))
	h.login(sess)

	reasons := make(chan session.Reason, 4)
	h.guard.SubscribeReason(func(r session.Reason) {
		if r != session.ReasonNone {
			reasons <- r
		}
	})

	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		h.feed.push(session.ChangeNotification{UserID: sess.UserID, IsActive: false})
	}()
	h.clock.Advance(time.Minute).MustWait(ctx)
	select {
	case <-pushed:
	case <-ctx.Done():
		t.Fatal("timed out delivering notification")
	}

	reason := testutil.RequireReceive(ctx, t, h.navigated)
	assert.Contains(t, []session.Reason{session.ReasonDeactivated, session.ReasonExpired}, reason)
	require.Equal(t, reason, testutil.RequireReceive(ctx, t, reasons))
	testutil.RequireNoReceive(t, h.navigated)
	testutil.RequireNoReceive(t, reasons)
	require.EqualValues(t, 1, h.identity.signOuts.Load())

	// Late triggers are ignored too.
	h.feed.push(session.ChangeNotification{UserID: sess.UserID, IsActive: false})
	require.False(t, h.guard.Revoke(session.ReasonGeneric))
	require.EqualValues(t, 1, h.identity.signOuts.Load())
}

func TestGuard_SignOutFailureStillClears(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	identity := &fakeIdentity{signOutErr: xerrors.New("identity provider unreachable")}
	h := newHarness(t, testutil.Logger(t), &fakeFeed{}, identity)
	sess := newSession(time.Time{})
	h.login(sess)

	h.feed.push(session.ChangeNotification{UserID: sess.UserID, IsActive: false})

	require.Equal(t, session.ReasonDeactivated, testutil.RequireReceive(ctx, t, h.navigated))
	require.EqualValues(t, 1, identity.signOuts.Load())
	_, ok := h.store.Current()
	require.False(t, ok)
	require.Equal(t, session.StateRevoked, h.guard.State())
}

func TestGuard_NewLoginDuringSignOut(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	identity := &fakeIdentity{
		entered: make(chan uuid.UUID, 1),
		release: make(chan struct{}),
	}
	h := newHarness(t, testutil.Logger(t), &fakeFeed{}, identity)
	alice := newSession(time.Time{})
	h.login(alice)

	pushed := make(chan struct{}, 1)
	go func() {
		h.feed.push(session.ChangeNotification{UserID: alice.UserID, IsActive: false})
		pushed <- struct{}{}
	}()
	require.Equal(t, alice.ID, testutil.RequireReceive(ctx, t, identity.entered))

	// Bob signs in while alice's sign-out is still in flight.
	bob := newSession(time.Time{})
	bob.Username = "bob"
	h.login(bob)
	close(identity.release)
	testutil.RequireReceive(ctx, t, pushed)

	cur, ok := h.store.Current()
	require.True(t, ok)
	require.Equal(t, bob, cur)
	require.Equal(t, session.StateValid, h.guard.State())
	require.Equal(t, session.ReasonNone, h.guard.Reason())
	testutil.RequireNoReceive(t, h.navigated)
	require.Equal(t, []uuid.UUID{alice.ID}, identity.signedOutSessions())
}

func TestGuard_RestartAfterRevoke(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t, testutil.Logger(t), &fakeFeed{}, nil)
	first := newSession(time.Time{})
	h.login(first)
	require.True(t, h.guard.Revoke(session.ReasonGeneric))
	require.Equal(t, session.ReasonGeneric, testutil.RequireReceive(ctx, t, h.navigated))
	require.Equal(t, session.StateRevoked, h.guard.State())

	second := newSession(time.Time{})
	second.UserID = first.UserID
	h.login(second)
	require.Equal(t, session.StateValid, h.guard.State())
	require.Equal(t, session.ReasonNone, h.guard.Reason())

	h.feed.push(session.ChangeNotification{UserID: second.UserID, IsActive: false})
	require.Equal(t, session.ReasonDeactivated, testutil.RequireReceive(ctx, t, h.navigated))
	require.EqualValues(t, 2, h.identity.signOuts.Load())
}

func TestGuard_StartReplacesPreviousUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testutil.Logger(t), &fakeFeed{}, nil)
	alice := newSession(time.Time{})
	h.login(alice)
	bob := newSession(time.Time{})
	bob.Username = "bob"
	h.login(bob)

	subs := h.feed.subscriptions()
	require.Len(t, subs, 2)
	require.True(t, subs[0].canceled.Load())
	require.Equal(t, alice.UserID, subs[0].userID)
	require.False(t, subs[1].canceled.Load())
	require.Equal(t, bob.UserID, subs[1].userID)

	// Alice's account changing no longer affects anyone.
	h.feed.push(session.ChangeNotification{UserID: alice.UserID, IsActive: false})
	testutil.RequireNoReceive(t, h.navigated)
	require.Equal(t, session.StateValid, h.guard.State())
}

func TestGuard_Stop(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t, testutil.Logger(t), &fakeFeed{}, nil)
	sess := newSession(h.clock.Now().Add(time.Second))
	h.login(sess)

	h.guard.Stop()
	require.Equal(t, session.StateStopped, h.guard.State())
	require.True(t, h.feed.subscriptions()[0].canceled.Load())

	h.clock.Advance(time.Minute).MustWait(ctx)
	testutil.RequireNoReceive(t, h.navigated)
	require.Zero(t, h.identity.signOuts.Load())
	// Stopping does not sign anyone out.
	_, ok := h.store.Current()
	require.True(t, ok)
	require.False(t, h.guard.Revoke(session.ReasonGeneric))
}

func TestGuard_Metrics(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	reg := prometheus.NewRegistry()
	metrics, err := session.NewMetrics(reg)
	require.NoError(t, err)

	store := session.NewStore()
	navigated := make(chan session.Reason, 1)
	guard := session.NewGuard(session.GuardOptions{
		Logger:   testutil.Logger(t),
		Clock:    quartz.NewMock(t),
		Identity: &fakeIdentity{signOutErr: xerrors.New("nope")},
		Feed:     &fakeFeed{err: xerrors.New("down")},
		Store:    store,
		Navigate: func(r session.Reason) { navigated <- r },
		Metrics:  metrics,
	})
	t.Cleanup(guard.Stop)
	sess := newSession(time.Time{})
	store.Set(sess)
	guard.Start(sess)
	guard.Revoke(session.ReasonGeneric)
	_ = testutil.RequireReceive(ctx, t, navigated)

	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			got[fam.GetName()] += m.GetCounter().GetValue()
		}
	}
	require.Equal(t, map[string]float64{
		"liveness_session_terminations_total":        1,
		"liveness_session_sign_out_failures_total":   1,
		"liveness_session_change_feed_failures_total": 1,
	}, got)
}
