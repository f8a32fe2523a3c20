// Package session holds the current authenticated identity and enforces
// that it is still valid.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Session is the authenticated identity of a client.
type Session struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	// ExpiresAt is zero for sessions that never expire.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	IsActive  bool      `json:"is_active"`
}

// Expired reports whether the session's expiry is at or before now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ChangeNotification is pushed when a user's account record changes.
type ChangeNotification struct {
	UserID    uuid.UUID `json:"user_id"`
	IsActive  bool      `json:"is_active"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

type Credentials struct {
	Username string
	Password string
}

// IdentityService is the client's view of the identity provider.
type IdentityService interface {
	CurrentSession(ctx context.Context) (Session, bool, error)
	// Login returns an *AuthError for bad credentials, inactive accounts
	// and expired accounts.
	Login(ctx context.Context, creds Credentials) (Session, error)
	// SignOut ends sessionID at the provider. It never affects another
	// session the client may hold by then.
	SignOut(ctx context.Context, sessionID uuid.UUID) error
}

// ChangeFeed delivers ChangeNotifications for one user.
type ChangeFeed interface {
	Subscribe(ctx context.Context, userID uuid.UUID, predicate func(ChangeNotification) bool, fn func(ChangeNotification)) (cancel func(), err error)
}

var (
	// ErrChangeFeedUnavailable means push notifications could not be
	// subscribed to. The guard keeps working on its periodic check alone.
	ErrChangeFeedUnavailable = xerrors.New("change feed unavailable")
	// ErrSignOutFailed means the identity provider rejected or never
	// received a sign-out. Local state is cleared regardless.
	ErrSignOutFailed = xerrors.New("sign out failed")
)

type AuthErrorKind string

const (
	AuthBadCredentials AuthErrorKind = "bad_credentials"
	AuthInactive       AuthErrorKind = "inactive"
	AuthExpired        AuthErrorKind = "expired"
)

// AuthError is returned by Login. It is never retried: the user has to
// supply new credentials.
type AuthError struct {
	Kind AuthErrorKind
}

func (e *AuthError) Error() string {
	switch e.Kind {
	case AuthBadCredentials:
		return "invalid username or password"
	case AuthInactive:
		return "account is deactivated"
	case AuthExpired:
		return "account has expired"
	default:
		return fmt.Sprintf("authentication failed: %s", e.Kind)
	}
}

// IsAuthError reports whether err is an *AuthError of the given kind. An
// empty kind matches any AuthError.
func IsAuthError(err error, kind AuthErrorKind) bool {
	var authErr *AuthError
	if !xerrors.As(err, &authErr) {
		return false
	}
	return kind == "" || authErr.Kind == kind
}

// Reason explains why a session was forcibly ended.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDeactivated
	ReasonExpired
	ReasonGeneric
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonDeactivated:
		return "deactivated"
	case ReasonExpired:
		return "expired"
	default:
		return "generic"
	}
}

// Message is shown to the user after a forced sign-out.
func (r Reason) Message() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonDeactivated:
		return "Your account has been deactivated. Contact an administrator to regain access."
	case ReasonExpired:
		return "Your account has expired. Contact an administrator to extend it."
	default:
		return "Your session has ended. Please sign in again."
	}
}
