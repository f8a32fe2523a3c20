// Package pubsub broadcasts opaque messages to every subscriber of a named
// event. It is the transport underneath presence channels and the change
// feed.
package pubsub

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// Listener represents a pubsub handler.
type Listener func(ctx context.Context, message []byte)

// Pubsub is a generic interface for broadcasting and receiving messages.
type Pubsub interface {
	Subscribe(event string, listener Listener) (cancel func(), err error)
	Publish(event string, message []byte) error
	Close() error
}

// PGPubsub is a Pubsub backed by PostgreSQL LISTEN/NOTIFY. Every client
// connected to the same database sees every other client's messages.
type PGPubsub struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     slog.Logger
	pgListener *pq.Listener
	db         *sql.DB
	listenDone chan struct{}

	mut       sync.Mutex
	listeners map[string]map[uuid.UUID]Listener
	closed    bool
}

// Subscribe calls the listener when an event matching the name is received.
func (p *PGPubsub) Subscribe(event string, listener Listener) (cancel func(), err error) {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.closed {
		return nil, xerrors.New("pubsub closed")
	}

	err = p.pgListener.Listen(event)
	if errors.Is(err, pq.ErrChannelAlreadyOpen) {
		// It's ok if it's already open!
		err = nil
	}
	if err != nil {
		return nil, xerrors.Errorf("listen: %w", err)
	}

	eventListeners, ok := p.listeners[event]
	if !ok {
		eventListeners = map[uuid.UUID]Listener{}
		p.listeners[event] = eventListeners
	}

	var id uuid.UUID
	for {
		id = uuid.New()
		if _, ok = eventListeners[id]; !ok {
			break
		}
	}
	eventListeners[id] = listener

	return func() {
		p.mut.Lock()
		defer p.mut.Unlock()
		listeners := p.listeners[event]
		delete(listeners, id)

		if len(listeners) == 0 && !p.closed {
			delete(p.listeners, event)
			if err := p.pgListener.Unlisten(event); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
				p.logger.Warn(p.ctx, "unlisten", slog.F("event", event), slog.Error(err))
			}
		}
	}, nil
}

func (p *PGPubsub) Publish(event string, message []byte) error {
	// This is safe because we are calling pq.QuoteLiteral. pg_notify doesn't
	// support the first parameter being a prepared statement.
	//nolint:gosec
	_, err := p.db.ExecContext(p.ctx, `select pg_notify(`+pq.QuoteLiteral(event)+`, $1)`, message)
	if err != nil {
		return xerrors.Errorf("exec pg_notify: %w", err)
	}
	return nil
}

// Close stops listening and waits for the receive loop to exit. The
// database handle is owned by the caller and stays open.
func (p *PGPubsub) Close() error {
	p.mut.Lock()
	if p.closed {
		p.mut.Unlock()
		return nil
	}
	p.closed = true
	p.mut.Unlock()

	p.cancel()
	<-p.listenDone
	return nil
}

// listen begins receiving messages on the pq listener.
func (p *PGPubsub) listen() {
	defer close(p.listenDone)
	defer p.pgListener.Close()
	for {
		var (
			notif *pq.Notification
			ok    bool
		)
		select {
		case <-p.ctx.Done():
			return
		case notif, ok = <-p.pgListener.Notify:
			if !ok {
				return
			}
		}
		// A nil notification can be dispatched on reconnect.
		if notif == nil {
			p.logger.Debug(p.ctx, "pq listener reconnected")
			continue
		}
		p.listenReceive(notif)
	}
}

func (p *PGPubsub) listenReceive(notif *pq.Notification) {
	p.mut.Lock()
	listeners := make([]Listener, 0, len(p.listeners[notif.Channel]))
	for _, l := range p.listeners[notif.Channel] {
		listeners = append(listeners, l)
	}
	p.mut.Unlock()

	extra := []byte(notif.Extra)
	for _, listener := range listeners {
		listener(p.ctx, extra)
	}
}

// New creates a new Pubsub implementation using a PostgreSQL connection.
func New(ctx context.Context, logger slog.Logger, database *sql.DB, connectURL string) (*PGPubsub, error) {
	logger = logger.Named("pubsub")
	errCh := make(chan error, 1)
	var once sync.Once
	listener := pq.NewListener(connectURL, time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		switch event {
		case pq.ListenerEventConnected:
			once.Do(func() { errCh <- nil })
		case pq.ListenerEventConnectionAttemptFailed:
			once.Do(func() { errCh <- err })
		case pq.ListenerEventDisconnected:
			logger.Warn(context.Background(), "pq listener disconnected", slog.Error(err))
		case pq.ListenerEventReconnected:
			logger.Info(context.Background(), "pq listener reconnected")
		}
	})
	select {
	case err := <-errCh:
		if err != nil {
			_ = listener.Close()
			return nil, xerrors.Errorf("create pq listener: %w", err)
		}
	case <-ctx.Done():
		_ = listener.Close()
		return nil, ctx.Err()
	}

	// The pubsub outlives the context it was created with; Close ends it.
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &PGPubsub{
		ctx:        pctx,
		cancel:     cancel,
		logger:     logger,
		db:         database,
		pgListener: listener,
		listenDone: make(chan struct{}),
		listeners:  make(map[string]map[uuid.UUID]Listener),
	}
	go p.listen()

	return p, nil
}
