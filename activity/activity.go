// Package activity classifies a client as Active or Idle from local input
// signals and tab visibility.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"

	"cdr.dev/slog/v3"

	"github.com/coder/liveness/util/observable"
)

// DefaultIdleTimeout is how long a visible client may go without input
// before it is considered Idle.
const DefaultIdleTimeout = 60 * time.Second

type Phase int

const (
	PhaseActive Phase = iota
	PhaseIdle
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Signal is a kind of user input that counts as activity.
type Signal string

const (
	SignalPointerMove       Signal = "pointer_move"
	SignalPointerPress      Signal = "pointer_press"
	SignalKeyPress          Signal = "key_press"
	SignalScroll            Signal = "scroll"
	SignalTouch             Signal = "touch"
	SignalVisibilityRestore Signal = "visibility_restored"
)

// Event is delivered by a Source. Hidden events carry no Signal.
type Event struct {
	Signal Signal
	Hidden bool
}

// Source is a host-provided stream of input events. The monitor reads it
// until the channel is closed or the monitor is closed.
type Source interface {
	Events() <-chan Event
}

// State is the monitor's view of the client.
type State struct {
	Phase          Phase
	LastActivityAt time.Time
}

type Options struct {
	Logger      slog.Logger
	Clock       quartz.Clock
	IdleTimeout time.Duration
	// Source is optional. Hosts may call Signal and SetHidden directly
	// instead.
	Source Source
	// AlwaysActive disables the idle timer. It is the fallback for hosts
	// that have no input signals at all.
	AlwaysActive bool
}

// Monitor derives an Active/Idle phase with a single deadline timer. Every
// phase change is reported exactly once to subscribers; repeated signals
// while Active only push the deadline back.
type Monitor struct {
	logger       slog.Logger
	clock        quartz.Clock
	idleTimeout  time.Duration
	alwaysActive bool

	mu             sync.Mutex
	phase          Phase
	hidden         bool
	lastActivityAt time.Time
	deadline       time.Time
	timer          *quartz.Timer
	closed         bool

	phases *observable.Value[Phase]

	ctx       context.Context
	cancel    context.CancelFunc
	pumpDone  chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		logger:       opts.Logger.Named("activity"),
		clock:        opts.Clock,
		idleTimeout:  opts.IdleTimeout,
		alwaysActive: opts.AlwaysActive,
		phase:        PhaseActive,
		phases:       observable.New(PhaseActive),
		ctx:          ctx,
		cancel:       cancel,
		pumpDone:     make(chan struct{}),
	}
	m.lastActivityAt = m.clock.Now()
	if m.alwaysActive {
		m.logger.Info(ctx, "idle detection disabled, client is always active")
	} else {
		m.deadline = m.lastActivityAt.Add(m.idleTimeout)
		m.timer = m.clock.AfterFunc(m.idleTimeout, m.expire, "activity", "idle")
	}

	if opts.Source != nil {
		go m.pump(opts.Source.Events())
	} else {
		close(m.pumpDone)
	}
	return m
}

func (m *Monitor) pump(events <-chan Event) {
	defer close(m.pumpDone)
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Hidden {
				m.SetHidden(true)
				continue
			}
			m.Signal(ev.Signal)
		}
	}
}

// Signal records user input. A visibility-restored signal also clears the
// hidden flag. Input while hidden is ignored: a hidden tab receives none.
func (m *Monitor) Signal(s Signal) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if s == SignalVisibilityRestore {
		m.hidden = false
	}
	if m.hidden {
		m.mu.Unlock()
		return
	}
	changed := m.touchLocked()
	m.mu.Unlock()

	if changed {
		m.logger.Debug(m.ctx, "client active", slog.F("signal", s))
		m.phases.Flush()
	}
}

// SetHidden records a tab visibility change. Hiding forces Idle
// immediately. Becoming visible counts as activity.
func (m *Monitor) SetHidden(hidden bool) {
	if !hidden {
		m.Signal(SignalVisibilityRestore)
		return
	}

	m.mu.Lock()
	if m.closed || m.hidden {
		m.mu.Unlock()
		return
	}
	m.hidden = true
	if m.timer != nil {
		m.timer.Stop("activity", "hidden")
	}
	changed := m.idleLocked()
	m.mu.Unlock()

	if changed {
		m.logger.Debug(m.ctx, "client idle", slog.F("reason", "hidden"))
		m.phases.Flush()
	}
}

// touchLocked resets the deadline and reports whether the phase changed.
func (m *Monitor) touchLocked() bool {
	now := m.clock.Now()
	m.lastActivityAt = now
	if m.timer != nil {
		m.deadline = now.Add(m.idleTimeout)
		m.timer.Reset(m.idleTimeout, "activity", "reset")
	}
	if m.phase == PhaseActive {
		return false
	}
	m.phase = PhaseActive
	m.phases.Store(PhaseActive)
	return true
}

func (m *Monitor) idleLocked() bool {
	if m.phase == PhaseIdle {
		return false
	}
	m.phase = PhaseIdle
	m.phases.Store(PhaseIdle)
	return true
}

func (m *Monitor) expire() {
	m.mu.Lock()
	// A Reset racing with the fire moves the deadline forward.
	if m.closed || m.clock.Now().Before(m.deadline) {
		m.mu.Unlock()
		return
	}
	changed := m.idleLocked()
	m.mu.Unlock()

	if changed {
		m.logger.Debug(m.ctx, "client idle", slog.F("reason", "timeout"))
		m.phases.Flush()
	}
}

// State returns the current phase and the time of the last input.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Phase: m.phase, LastActivityAt: m.lastActivityAt}
}

// Phase returns the current phase.
func (m *Monitor) Phase() Phase {
	return m.State().Phase
}

// Subscribe calls fn on every phase change until cancel is called.
func (m *Monitor) Subscribe(fn func(Phase)) (cancel func()) {
	return m.phases.Subscribe(fn)
}

// Close stops the idle timer and the source pump.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		if m.timer != nil {
			m.timer.Stop("activity", "close")
		}
		m.mu.Unlock()
		m.cancel()
		<-m.pumpDone
	})
	return nil
}
