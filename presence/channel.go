package presence

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/liveness/util/observable"
)

// UnavailableError wraps a transport failure. It matches
// ErrChannelUnavailable with xerrors.Is.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return e.Op + ": " + ErrChannelUnavailable.Error() + ": " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (*UnavailableError) Is(target error) bool {
	return target == ErrChannelUnavailable
}

type Options struct {
	Logger    slog.Logger
	Transport Transport
	// Name defaults to DefaultChannelName.
	Name    string
	Metrics *Metrics
}

// Channel maintains this client's declaration in a presence group and the
// deduplicated roster of active users.
//
// Join, SetActive and Leave are serialized: a Leave for one identity always
// completes before anything is joined or published for the next.
type Channel struct {
	logger    slog.Logger
	transport Transport
	name      string
	metrics   *Metrics

	mu        sync.Mutex
	handle    Handle
	self      Record
	published bool

	// rosterMu guards generation. Snapshots from a handle that has been
	// replaced or left carry a stale generation and are dropped.
	rosterMu   sync.Mutex
	generation uint64
	snapshots  *observable.Value[Snapshot]
	roster     *observable.Value[[]Member]
}

func NewChannel(opts Options) *Channel {
	if opts.Name == "" {
		opts.Name = DefaultChannelName
	}
	return &Channel{
		logger:    opts.Logger.Named("presence"),
		transport: opts.Transport,
		name:      opts.Name,
		metrics:   opts.Metrics,
		snapshots: observable.New[Snapshot](nil),
		roster:    observable.New[[]Member](nil),
	}
}

// Join declares userID as present and active. Joining again under the same
// identity is a no-op. Joining under a different identity leaves first.
// Transport failures return an error matching ErrChannelUnavailable and
// leave the roster empty.
func (c *Channel) Join(ctx context.Context, userID uuid.UUID, displayName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		if c.self.UserID == userID {
			return nil
		}
		c.logger.Info(ctx, "identity changed, leaving presence channel",
			slog.F("old_user_id", c.self.UserID),
			slog.F("new_user_id", userID),
		)
		if err := c.leaveLocked(); err != nil {
			c.logger.Warn(ctx, "leave presence channel", slog.Error(err))
		}
	}

	handle, err := c.transport.Join(ctx, c.name)
	if err != nil {
		c.metrics.joinFailed()
		c.resetRoster()
		return &UnavailableError{Op: "join", Err: err}
	}

	gen := c.resetRoster()
	c.handle = handle
	c.self = Record{
		UserID:      userID,
		DisplayName: displayName,
		Active:      true,
	}
	c.published = false
	handle.OnSnapshot(func(s Snapshot) {
		c.handleSnapshot(gen, s)
	})

	err = handle.Publish(ctx, c.self)
	if err != nil {
		c.metrics.joinFailed()
		_ = c.leaveLocked()
		return &UnavailableError{Op: "publish", Err: err}
	}
	c.published = true
	c.metrics.publish("sent")
	c.logger.Debug(ctx, "joined presence channel",
		slog.F("channel", c.name),
		slog.F("user_id", userID),
	)
	return nil
}

// SetActive publishes the active flag if it differs from the last published
// value. It is a no-op when the channel is not joined.
func (c *Channel) SetActive(ctx context.Context, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil {
		return nil
	}
	if c.published && c.self.Active == active {
		c.metrics.publish("skipped")
		return nil
	}

	rec := c.self
	rec.Active = active
	err := c.handle.Publish(ctx, rec)
	if err != nil {
		return xerrors.Errorf("publish presence: %w", err)
	}
	c.self = rec
	c.published = true
	c.metrics.publish("sent")
	return nil
}

// Leave removes this connection from the group and clears the roster.
func (c *Channel) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaveLocked()
}

func (c *Channel) leaveLocked() error {
	if c.handle == nil {
		return nil
	}
	handle := c.handle
	c.handle = nil
	c.published = false
	c.resetRoster()

	err := handle.Leave()
	if err != nil {
		return xerrors.Errorf("leave presence channel: %w", err)
	}
	return nil
}

// Joined returns the identity this channel is currently declaring.
func (c *Channel) Joined() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return uuid.Nil, false
	}
	return c.self.UserID, true
}

// resetRoster invalidates in-flight snapshots and empties the roster. It
// returns the new generation.
func (c *Channel) resetRoster() uint64 {
	c.rosterMu.Lock()
	c.generation++
	gen := c.generation
	c.snapshots.Store(nil)
	c.roster.Store(nil)
	c.rosterMu.Unlock()

	c.snapshots.Flush()
	c.roster.Flush()
	c.metrics.roster(0)
	return gen
}

func (c *Channel) handleSnapshot(gen uint64, s Snapshot) {
	roster := ActiveRoster(s)

	c.rosterMu.Lock()
	if gen != c.generation {
		c.rosterMu.Unlock()
		return
	}
	c.snapshots.Store(s)
	c.roster.Store(roster)
	c.rosterMu.Unlock()

	c.snapshots.Flush()
	c.roster.Flush()
	c.metrics.roster(len(roster))
}

// Roster returns the active users from the latest snapshot.
func (c *Channel) Roster() []Member {
	return c.roster.Get()
}

// SubscribeRoster calls fn with every recomputed roster.
func (c *Channel) SubscribeRoster(fn func([]Member)) (cancel func()) {
	return c.roster.Subscribe(fn)
}

// OnSnapshot calls fn with every raw snapshot delivered by the transport.
func (c *Channel) OnSnapshot(fn func(Snapshot)) (cancel func()) {
	return c.snapshots.Subscribe(fn)
}
