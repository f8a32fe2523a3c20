package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/coder/liveness/session"
)

// Client is one client's handle on the Service. It remembers the session it
// was issued, the way a browser keeps its cookie.
type Client struct {
	svc *Service

	mu        sync.Mutex
	sessionID uuid.UUID
}

var _ session.IdentityService = (*Client)(nil)

func (s *Service) NewClient() *Client {
	return &Client{svc: s}
}

func (c *Client) CurrentSession(context.Context) (session.Session, bool, error) {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()
	if id == uuid.Nil {
		return session.Session{}, false, nil
	}
	sess, ok := c.svc.Session(id)
	return sess, ok, nil
}

// Login replaces any session this client held before.
func (c *Client) Login(ctx context.Context, creds session.Credentials) (session.Session, error) {
	sess, err := c.svc.Login(ctx, creds)
	if err != nil {
		return session.Session{}, err
	}
	c.mu.Lock()
	prev := c.sessionID
	c.sessionID = sess.ID
	c.mu.Unlock()
	if prev != uuid.Nil {
		c.svc.SignOut(ctx, prev)
	}
	return sess, nil
}

// SignOut ends sessionID. The client forgets it only if it is still the
// session the client holds.
func (c *Client) SignOut(ctx context.Context, sessionID uuid.UUID) error {
	if sessionID == uuid.Nil {
		return nil
	}
	c.mu.Lock()
	if c.sessionID == sessionID {
		c.sessionID = uuid.Nil
	}
	c.mu.Unlock()
	c.svc.SignOut(ctx, sessionID)
	return nil
}
