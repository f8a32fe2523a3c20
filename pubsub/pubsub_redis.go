package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// RedisPubsub is a Pubsub backed by Redis PUBLISH/SUBSCRIBE. Each Subscribe
// holds its own subscription connection.
type RedisPubsub struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger slog.Logger
	client *redis.Client

	mut    sync.Mutex
	subs   map[uuid.UUID]*redis.PubSub
	closed bool
	// receivers tracks the goroutines delivering messages. Cancel does not
	// wait for them so listeners may cancel their own subscription.
	receivers sync.WaitGroup
}

var _ Pubsub = (*RedisPubsub)(nil)

// NewRedis connects to the Redis server at redisURL, for example
// redis://localhost:6379/0.
func NewRedis(ctx context.Context, logger slog.Logger, redisURL string) (*RedisPubsub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, xerrors.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Errorf("ping redis: %w", err)
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &RedisPubsub{
		ctx:    pctx,
		cancel: cancel,
		logger: logger.Named("pubsub"),
		client: client,
		subs:   make(map[uuid.UUID]*redis.PubSub),
	}, nil
}

// Subscribe returns once Redis has confirmed the subscription, so a message
// published after it returns is delivered.
func (p *RedisPubsub) Subscribe(event string, listener Listener) (cancel func(), err error) {
	p.mut.Lock()
	closed := p.closed
	p.mut.Unlock()
	if closed {
		return nil, xerrors.New("pubsub closed")
	}

	sub := p.client.Subscribe(p.ctx, event)
	if _, err := sub.Receive(p.ctx); err != nil {
		_ = sub.Close()
		return nil, xerrors.Errorf("subscribe to %q: %w", event, err)
	}

	id := uuid.New()
	p.mut.Lock()
	if p.closed {
		p.mut.Unlock()
		_ = sub.Close()
		return nil, xerrors.New("pubsub closed")
	}
	p.subs[id] = sub
	p.receivers.Add(1)
	p.mut.Unlock()

	messages := sub.Channel()
	go func() {
		defer p.receivers.Done()
		for msg := range messages {
			listener(p.ctx, []byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mut.Lock()
			delete(p.subs, id)
			p.mut.Unlock()
			if err := sub.Close(); err != nil {
				p.logger.Debug(p.ctx, "close redis subscription", slog.F("event", event), slog.Error(err))
			}
		})
	}, nil
}

func (p *RedisPubsub) Publish(event string, message []byte) error {
	err := p.client.Publish(p.ctx, event, message).Err()
	if err != nil {
		return xerrors.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close ends every subscription and waits for in-flight deliveries.
func (p *RedisPubsub) Close() error {
	p.mut.Lock()
	if p.closed {
		p.mut.Unlock()
		return nil
	}
	p.closed = true
	subs := p.subs
	p.subs = nil
	p.mut.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	p.receivers.Wait()
	p.cancel()
	return p.client.Close()
}
