// Package changefeed carries account change notifications over pubsub.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/liveness/pubsub"
	"github.com/coder/liveness/session"
)

// UserEventChannel is the pubsub event carrying changes to one user.
func UserEventChannel(userID uuid.UUID) string {
	return fmt.Sprintf("user_changes:%s", userID)
}

// HandleUserEvent decodes pubsub messages into ChangeNotifications.
// Malformed messages are logged and dropped.
func HandleUserEvent(logger slog.Logger, cb func(ctx context.Context, n session.ChangeNotification)) pubsub.Listener {
	return func(ctx context.Context, message []byte) {
		var n session.ChangeNotification
		if err := json.Unmarshal(message, &n); err != nil {
			logger.Warn(ctx, "failed to unmarshal change notification", slog.Error(err))
			return
		}
		if n.UserID == uuid.Nil {
			logger.Warn(ctx, "change notification without user id")
			return
		}
		cb(ctx, n)
	}
}

// Feed implements session.ChangeFeed.
type Feed struct {
	logger slog.Logger
	ps     pubsub.Pubsub
}

var _ session.ChangeFeed = (*Feed)(nil)

func New(logger slog.Logger, ps pubsub.Pubsub) *Feed {
	return &Feed{logger: logger.Named("changefeed"), ps: ps}
}

// Publish announces n to every subscriber of n.UserID.
func (f *Feed) Publish(n session.ChangeNotification) error {
	if n.UserID == uuid.Nil {
		return xerrors.New("user id must be set")
	}
	msg, err := json.Marshal(n)
	if err != nil {
		return xerrors.Errorf("marshal change notification: %w", err)
	}
	if err := f.ps.Publish(UserEventChannel(n.UserID), msg); err != nil {
		return xerrors.Errorf("publish change notification: %w", err)
	}
	return nil
}

// Subscribe calls fn for each notification about userID that predicate
// accepts. A failure to subscribe wraps session.ErrChangeFeedUnavailable.
func (f *Feed) Subscribe(ctx context.Context, userID uuid.UUID, predicate func(session.ChangeNotification) bool, fn func(session.ChangeNotification)) (func(), error) {
	logger := f.logger.With(slog.F("user_id", userID))
	cancel, err := f.ps.Subscribe(UserEventChannel(userID), HandleUserEvent(logger, func(ctx context.Context, n session.ChangeNotification) {
		if n.UserID != userID {
			logger.Warn(ctx, "change notification for another user on channel",
				slog.F("notification_user_id", n.UserID))
			return
		}
		if predicate != nil && !predicate(n) {
			return
		}
		fn(n)
	}))
	if err != nil {
		return nil, errors.Join(session.ErrChangeFeedUnavailable, xerrors.Errorf("subscribe to user changes: %w", err))
	}
	logger.Debug(ctx, "subscribed to change feed")
	return cancel, nil
}
