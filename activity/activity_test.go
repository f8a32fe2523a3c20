package activity_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coder/quartz"

	"github.com/coder/liveness/activity"
	"github.com/coder/liveness/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.GoleakOptions...)
}

func setup(t *testing.T, opts activity.Options) (*activity.Monitor, *quartz.Mock, chan activity.Phase) {
	t.Helper()
	mClock := quartz.NewMock(t)
	opts.Logger = testutil.Logger(t)
	opts.Clock = mClock
	m := activity.New(opts)
	t.Cleanup(func() { _ = m.Close() })

	phases := make(chan activity.Phase, 16)
	m.Subscribe(func(p activity.Phase) {
		phases <- p
	})
	return m, mClock, phases
}

func TestMonitor_IdleAfterTimeout(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	m, mClock, phases := setup(t, activity.Options{})

	require.Equal(t, activity.PhaseActive, m.Phase())

	mClock.Advance(59 * time.Second).MustWait(ctx)
	require.Equal(t, activity.PhaseActive, m.Phase())
	testutil.RequireNoReceive(t, phases)

	mClock.Advance(time.Second).MustWait(ctx)
	require.Equal(t, activity.PhaseIdle, m.Phase())
	require.Equal(t, activity.PhaseIdle, testutil.RequireReceive(ctx, t, phases))
}

func TestMonitor_SignalResetsDeadline(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	m, mClock, phases := setup(t, activity.Options{})
	start := mClock.Now()

	mClock.Advance(59 * time.Second).MustWait(ctx)
	m.Signal(activity.SignalPointerMove)
	require.Equal(t, start.Add(59*time.Second), m.State().LastActivityAt)

	// The deadline is now t=119s.
	mClock.Advance(59 * time.Second).MustWait(ctx)
	require.Equal(t, activity.PhaseActive, m.Phase())
	testutil.RequireNoReceive(t, phases)

	mClock.Advance(time.Second).MustWait(ctx)
	require.Equal(t, activity.PhaseIdle, m.Phase())
	require.Equal(t, activity.PhaseIdle, testutil.RequireReceive(ctx, t, phases))
}

func TestMonitor_RedundantSignalsDoNotEmit(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	m, mClock, phases := setup(t, activity.Options{})

	for _, s := range []activity.Signal{
		activity.SignalPointerMove,
		activity.SignalPointerPress,
		activity.SignalKeyPress,
		activity.SignalScroll,
		activity.SignalTouch,
	} {
		mClock.Advance(time.Second).MustWait(ctx)
		m.Signal(s)
	}
	testutil.RequireNoReceive(t, phases)

	// Wake from idle emits exactly once, regardless of how many signals
	// follow.
	mClock.Advance(time.Minute).MustWait(ctx)
	require.Equal(t, activity.PhaseIdle, testutil.RequireReceive(ctx, t, phases))
	m.Signal(activity.SignalKeyPress)
	m.Signal(activity.SignalKeyPress)
	m.Signal(activity.SignalScroll)
	require.Equal(t, activity.PhaseActive, testutil.RequireReceive(ctx, t, phases))
	testutil.RequireNoReceive(t, phases)
}

func TestMonitor_HiddenForcesIdle(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	m, mClock, phases := setup(t, activity.Options{})

	mClock.Advance(10 * time.Second).MustWait(ctx)
	m.SetHidden(true)
	require.Equal(t, activity.PhaseIdle, m.Phase())
	require.Equal(t, activity.PhaseIdle, testutil.RequireReceive(ctx, t, phases))

	// Input cannot reach a hidden tab, and the stopped timer must not emit
	// a second Idle.
	m.Signal(activity.SignalKeyPress)
	mClock.Advance(5 * time.Minute).MustWait(ctx)
	require.Equal(t, activity.PhaseIdle, m.Phase())
	testutil.RequireNoReceive(t, phases)

	m.SetHidden(false)
	require.Equal(t, activity.PhaseActive, m.Phase())
	require.Equal(t, activity.PhaseActive, testutil.RequireReceive(ctx, t, phases))

	// Becoming visible armed a fresh deadline.
	mClock.Advance(59 * time.Second).MustWait(ctx)
	require.Equal(t, activity.PhaseActive, m.Phase())
	mClock.Advance(time.Second).MustWait(ctx)
	require.Equal(t, activity.PhaseIdle, testutil.RequireReceive(ctx, t, phases))
}

func TestMonitor_HiddenWhileIdle(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	m, mClock, phases := setup(t, activity.Options{})

	mClock.Advance(time.Minute).MustWait(ctx)
	require.Equal(t, activity.PhaseIdle, testutil.RequireReceive(ctx, t, phases))

	m.SetHidden(true)
	require.Equal(t, activity.PhaseIdle, m.Phase())
	testutil.RequireNoReceive(t, phases)
}

func TestMonitor_AlwaysActive(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	m, mClock, phases := setup(t, activity.Options{AlwaysActive: true})

	mClock.Advance(time.Hour).MustWait(ctx)
	require.Equal(t, activity.PhaseActive, m.Phase())
	testutil.RequireNoReceive(t, phases)
}

func TestMonitor_CustomTimeout(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	m, mClock, phases := setup(t, activity.Options{IdleTimeout: 5 * time.Second})

	mClock.Advance(5 * time.Second).MustWait(ctx)
	require.Equal(t, activity.PhaseIdle, m.Phase())
	require.Equal(t, activity.PhaseIdle, testutil.RequireReceive(ctx, t, phases))
}

type chanSource chan activity.Event

func (c chanSource) Events() <-chan activity.Event {
	return c
}

func TestMonitor_Source(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	src := make(chanSource)
	m, _, phases := setup(t, activity.Options{Source: src})

	testutil.RequireSend(ctx, t, src, activity.Event{Hidden: true})
	require.Equal(t, activity.PhaseIdle, testutil.RequireReceive(ctx, t, phases))

	testutil.RequireSend(ctx, t, src, activity.Event{Signal: activity.SignalVisibilityRestore})
	require.Equal(t, activity.PhaseActive, testutil.RequireReceive(ctx, t, phases))

	close(src)
	require.NoError(t, m.Close())
}

func TestMonitor_Close(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	m, mClock, phases := setup(t, activity.Options{})

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	m.Signal(activity.SignalKeyPress)
	m.SetHidden(true)
	mClock.Advance(time.Hour).MustWait(ctx)
	require.Equal(t, activity.PhaseActive, m.Phase())
	testutil.RequireNoReceive(t, phases)
}
