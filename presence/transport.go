package presence

import (
	"context"

	"golang.org/x/xerrors"
)

// ErrChannelUnavailable is returned when the presence transport cannot be
// reached. Presence is best-effort: callers degrade to an empty roster.
var ErrChannelUnavailable = xerrors.New("presence channel unavailable")

// Transport joins named presence groups.
type Transport interface {
	Join(ctx context.Context, channel string) (Handle, error)
}

// Handle is one connection's membership in a group.
type Handle interface {
	// Publish replaces this connection's declaration.
	Publish(ctx context.Context, rec Record) error
	// OnSnapshot sets the callback for membership snapshots. The current
	// snapshot is delivered immediately if the transport has one.
	OnSnapshot(fn func(Snapshot))
	// Leave removes this connection from the group. Other members'
	// next snapshot excludes it.
	Leave() error
}
