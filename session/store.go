package session

import (
	"github.com/google/uuid"

	"github.com/coder/liveness/util/observable"
)

// Store is the single source of truth for who is signed in. It performs no
// validation.
type Store struct {
	current *observable.Value[*Session]
}

func NewStore() *Store {
	return &Store{current: observable.New[*Session](nil)}
}

func (s *Store) Set(sess Session) {
	s.current.Set(&sess)
}

func (s *Store) Clear() {
	s.current.Set(nil)
}

// ClearIf clears the store only while it still holds the session with id.
// It reports whether it did.
func (s *Store) ClearIf(id uuid.UUID) bool {
	if !s.storeClearIf(id) {
		return false
	}
	s.current.Flush()
	return true
}

// storeClearIf clears without notifying. Callers must Flush.
func (s *Store) storeClearIf(id uuid.UUID) bool {
	return s.current.StoreIf(func(cur *Session) bool {
		return cur != nil && cur.ID == id
	}, nil)
}

// Current returns the signed-in session, if any.
func (s *Store) Current() (Session, bool) {
	cur := s.current.Get()
	if cur == nil {
		return Session{}, false
	}
	return *cur, true
}

// Subscribe calls fn after every Set and Clear. ok is false after Clear.
func (s *Store) Subscribe(fn func(sess Session, ok bool)) (cancel func()) {
	return s.current.Subscribe(func(cur *Session) {
		if cur == nil {
			fn(Session{}, false)
			return
		}
		fn(*cur, true)
	})
}
