// Package identity is a reference identity provider: accounts with
// passwords, activation and expiry, and the sessions issued for them.
// Every account change is announced on the change feed.
package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/coder/quartz"

	"cdr.dev/slog/v3"

	"github.com/coder/liveness/session"
)

var (
	ErrUsernameTaken = xerrors.New("username is already taken")
	ErrUserNotFound  = xerrors.New("user not found")
)

// Publisher announces account changes. *changefeed.Feed implements it.
type Publisher interface {
	Publish(n session.ChangeNotification) error
}

type User struct {
	ID             uuid.UUID
	Username       string
	DisplayName    string
	HashedPassword string
	IsActive       bool
	// ExpiresAt is zero for accounts that never expire.
	ExpiresAt time.Time
}

func (u User) expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && !now.Before(u.ExpiresAt)
}

func (u User) notification() session.ChangeNotification {
	return session.ChangeNotification{
		UserID:    u.ID,
		IsActive:  u.IsActive,
		ExpiresAt: u.ExpiresAt,
	}
}

type Options struct {
	Logger    slog.Logger
	Clock     quartz.Clock
	Publisher Publisher
	// HashIterations defaults to DefaultHashIterations.
	HashIterations int
}

type Service struct {
	logger     slog.Logger
	clock      quartz.Clock
	publisher  Publisher
	iterations int

	mu         sync.Mutex
	users      map[uuid.UUID]User
	byUsername map[string]uuid.UUID
	// sessions maps session IDs to user IDs.
	sessions map[uuid.UUID]uuid.UUID
}

func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Service{
		logger:     opts.Logger.Named("identity"),
		clock:      opts.Clock,
		publisher:  opts.Publisher,
		iterations: opts.HashIterations,
		users:      make(map[uuid.UUID]User),
		byUsername: make(map[string]uuid.UUID),
		sessions:   make(map[uuid.UUID]uuid.UUID),
	}
}

type RegisterParams struct {
	Username    string
	DisplayName string
	Password    string
	ExpiresAt   time.Time
}

func (s *Service) Register(ctx context.Context, params RegisterParams) (User, error) {
	if params.Username == "" {
		return User{}, xerrors.New("username is required")
	}
	hashed, err := HashPassword(params.Password, s.iterations)
	if err != nil {
		return User{}, xerrors.Errorf("hash password: %w", err)
	}
	if params.DisplayName == "" {
		params.DisplayName = params.Username
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUsername[params.Username]; ok {
		return User{}, ErrUsernameTaken
	}
	user := User{
		ID:             uuid.New(),
		Username:       params.Username,
		DisplayName:    params.DisplayName,
		HashedPassword: hashed,
		IsActive:       true,
		ExpiresAt:      params.ExpiresAt,
	}
	s.users[user.ID] = user
	s.byUsername[user.Username] = user.ID
	s.logger.Info(ctx, "registered user", slog.F("user_id", user.ID), slog.F("username", user.Username))
	return user, nil
}

func (s *Service) User(userID uuid.UUID) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

// Login verifies creds and issues a session. Failures are *session.AuthError.
func (s *Service) Login(ctx context.Context, creds session.Credentials) (session.Session, error) {
	s.mu.Lock()
	userID, ok := s.byUsername[creds.Username]
	user := s.users[userID]
	s.mu.Unlock()
	if !ok {
		// Spend the same time hashing so unknown usernames are not
		// distinguishable by latency.
		_, _ = HashPassword(creds.Password, s.iterations)
		return session.Session{}, &session.AuthError{Kind: session.AuthBadCredentials}
	}

	match, err := ComparePassword(user.HashedPassword, creds.Password)
	if err != nil {
		return session.Session{}, xerrors.Errorf("compare password: %w", err)
	}
	if !match {
		return session.Session{}, &session.AuthError{Kind: session.AuthBadCredentials}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The account may have changed while hashing.
	user, ok = s.users[userID]
	switch {
	case !ok:
		return session.Session{}, &session.AuthError{Kind: session.AuthBadCredentials}
	case !user.IsActive:
		return session.Session{}, &session.AuthError{Kind: session.AuthInactive}
	case user.expired(s.clock.Now()):
		return session.Session{}, &session.AuthError{Kind: session.AuthExpired}
	}

	sessionID := uuid.New()
	s.sessions[sessionID] = user.ID
	s.logger.Debug(ctx, "issued session", slog.F("user_id", user.ID), slog.F("session_id", sessionID))
	return sessionFor(sessionID, user), nil
}

// Session returns the session if it still exists and its account may still
// use it.
func (s *Service) Session(sessionID uuid.UUID) (session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, false
	}
	user := s.users[userID]
	if !user.IsActive || user.expired(s.clock.Now()) {
		return session.Session{}, false
	}
	return sessionFor(sessionID, user), true
}

// SignOut deletes the session. Unknown sessions are not an error.
func (s *Service) SignOut(ctx context.Context, sessionID uuid.UUID) {
	s.mu.Lock()
	userID, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if ok {
		s.logger.Debug(ctx, "signed out", slog.F("user_id", userID), slog.F("session_id", sessionID))
	}
}

// Sessions returns the number of live sessions issued to userID.
func (s *Service) Sessions(userID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, owner := range s.sessions {
		if owner == userID {
			n++
		}
	}
	return n
}

func (s *Service) Deactivate(ctx context.Context, userID uuid.UUID) error {
	return s.update(ctx, userID, "deactivate", func(u *User) { u.IsActive = false })
}

func (s *Service) Reactivate(ctx context.Context, userID uuid.UUID) error {
	return s.update(ctx, userID, "reactivate", func(u *User) { u.IsActive = true })
}

// SetExpiry changes when the account expires. A zero time removes the
// expiry.
func (s *Service) SetExpiry(ctx context.Context, userID uuid.UUID, expiresAt time.Time) error {
	return s.update(ctx, userID, "set expiry", func(u *User) { u.ExpiresAt = expiresAt })
}

// SetExpirySilently changes the expiry without announcing it. Clients only
// find out through their periodic checks, as when the change feed is lost.
func (s *Service) SetExpirySilently(ctx context.Context, userID uuid.UUID, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.ExpiresAt = expiresAt
	s.users[userID] = user
	s.logger.Info(ctx, "changed account expiry without notification",
		slog.F("user_id", userID), slog.F("expires_at", expiresAt))
	return nil
}

func (s *Service) update(ctx context.Context, userID uuid.UUID, op string, mutate func(*User)) error {
	s.mu.Lock()
	user, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return ErrUserNotFound
	}
	mutate(&user)
	s.users[userID] = user
	s.mu.Unlock()

	logger := s.logger.With(slog.F("user_id", userID), slog.F("op", op))
	logger.Info(ctx, "updated account",
		slog.F("is_active", user.IsActive),
		slog.F("expires_at", user.ExpiresAt))
	if s.publisher == nil {
		return nil
	}
	// The change is already applied. Clients that miss the notification
	// still catch expiry on their next periodic check.
	if err := s.publisher.Publish(user.notification()); err != nil {
		logger.Warn(ctx, "publish account change", slog.Error(err))
	}
	return nil
}

func sessionFor(id uuid.UUID, user User) session.Session {
	return session.Session{
		ID:          id,
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		ExpiresAt:   user.ExpiresAt,
		IsActive:    user.IsActive,
	}
}
