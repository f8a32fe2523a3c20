// Package pubsubtransport implements presence.Transport on top of a plain
// pubsub.Pubsub. There is no server holding membership: every connection
// keeps its own view, built from the declarations it hears, and expires
// peers that stop heartbeating.
package pubsubtransport

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/quartz"

	"github.com/coder/liveness/presence"
	"github.com/coder/liveness/pubsub"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultTTL allows two missed heartbeats before a peer is dropped.
	DefaultTTL = 45 * time.Second
)

// EventName is the pubsub event carrying a presence channel's messages.
func EventName(channel string) string {
	return "presence:" + channel
}

type messageKind string

const (
	kindDeclare messageKind = "declare"
	kindLeave   messageKind = "leave"
	kindSync    messageKind = "sync"
)

type message struct {
	Kind   messageKind      `json:"kind"`
	Key    string           `json:"key"`
	Seq    uint64           `json:"seq,omitempty"`
	Record *presence.Record `json:"record,omitempty"`
}

type Options struct {
	Logger            slog.Logger
	Clock             quartz.Clock
	HeartbeatInterval time.Duration
	TTL               time.Duration
}

type Transport struct {
	ps        pubsub.Pubsub
	logger    slog.Logger
	clock     quartz.Clock
	heartbeat time.Duration
	ttl       time.Duration
}

var _ presence.Transport = (*Transport)(nil)

func New(ps pubsub.Pubsub, opts Options) *Transport {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Transport{
		ps:        ps,
		logger:    opts.Logger.Named("pubsubtransport"),
		clock:     opts.Clock,
		heartbeat: opts.HeartbeatInterval,
		ttl:       opts.TTL,
	}
}

// Join subscribes a new connection to the channel and asks existing members
// to re-declare so the first snapshot is complete.
func (t *Transport) Join(ctx context.Context, channel string) (presence.Handle, error) {
	key := uuid.NewString()
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{
		t:       t,
		logger:  t.logger.With(slog.F("channel", channel), slog.F("key", key)),
		event:   EventName(channel),
		key:     key,
		ctx:     hctx,
		cancel:  cancel,
		members: make(map[string]*member),
	}

	unsubscribe, err := t.ps.Subscribe(h.event, h.receive)
	if err != nil {
		cancel()
		return nil, xerrors.Errorf("subscribe to %q: %w", h.event, err)
	}
	h.unsubscribe = unsubscribe
	h.ticker = t.clock.TickerFunc(hctx, t.heartbeat, h.tick, "presence", "heartbeat")

	err = h.send(message{Kind: kindSync, Key: key})
	if err != nil {
		h.mu.Lock()
		h.left = true
		h.mu.Unlock()
		_ = h.shutdown()
		return nil, xerrors.Errorf("request sync: %w", err)
	}
	h.logger.Debug(ctx, "joined presence channel")
	return h, nil
}

type member struct {
	seq      uint64
	record   presence.Record
	lastSeen time.Time
}

type handle struct {
	t      *Transport
	logger slog.Logger
	event  string
	key    string

	ctx         context.Context
	cancel      context.CancelFunc
	ticker      quartz.Waiter
	unsubscribe func()
	redeclares  sync.WaitGroup

	// pubMu orders outgoing declarations so sequence numbers reach the
	// pubsub in increasing order.
	pubMu sync.Mutex

	mu      sync.Mutex
	seq     uint64
	own     *presence.Record
	members map[string]*member
	version uint64
	cb      func(presence.Snapshot)
	left    bool

	deliverMu sync.Mutex
	delivered uint64
}

func (h *handle) Publish(_ context.Context, rec presence.Record) error {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return xerrors.New("connection has left the channel")
	}
	h.seq++
	seq := h.seq
	h.own = &rec
	h.mu.Unlock()

	return h.send(message{Kind: kindDeclare, Key: h.key, Seq: seq, Record: &rec})
}

func (h *handle) OnSnapshot(fn func(presence.Snapshot)) {
	h.mu.Lock()
	h.cb = fn
	h.version++
	h.mu.Unlock()
	h.deliver()
}

func (h *handle) Leave() error {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return nil
	}
	h.left = true
	h.cb = nil
	h.mu.Unlock()

	err := h.shutdown()
	if err != nil {
		return err
	}
	err = h.send(message{Kind: kindLeave, Key: h.key})
	if err != nil {
		return xerrors.Errorf("announce leave: %w", err)
	}
	h.logger.Debug(h.ctx, "left presence channel")
	return nil
}

func (h *handle) shutdown() error {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.cancel()
	if h.ticker != nil {
		err := h.ticker.Wait()
		if err != nil && !xerrors.Is(err, context.Canceled) {
			return xerrors.Errorf("heartbeat: %w", err)
		}
	}
	h.redeclares.Wait()
	return nil
}

func (h *handle) send(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return xerrors.Errorf("marshal %s: %w", msg.Kind, err)
	}
	err = h.t.ps.Publish(h.event, data)
	if err != nil {
		return xerrors.Errorf("publish %s: %w", msg.Kind, err)
	}
	return nil
}

// redeclare re-sends the current declaration without bumping its sequence.
func (h *handle) redeclare() {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.mu.Lock()
	if h.left || h.own == nil {
		h.mu.Unlock()
		return
	}
	rec := *h.own
	seq := h.seq
	h.mu.Unlock()

	err := h.send(message{Kind: kindDeclare, Key: h.key, Seq: seq, Record: &rec})
	if err != nil {
		h.logger.Warn(h.ctx, "re-declare presence", slog.Error(err))
	}
}

func (h *handle) receive(_ context.Context, data []byte) {
	var msg message
	err := json.Unmarshal(data, &msg)
	if err != nil {
		h.logger.Warn(h.ctx, "decode presence message", slog.Error(err))
		return
	}

	var (
		changed   bool
		redeclare bool
	)
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return
	}
	switch msg.Kind {
	case kindDeclare:
		if msg.Record == nil {
			break
		}
		m, ok := h.members[msg.Key]
		if ok && msg.Seq < m.seq {
			break
		}
		if !ok {
			m = &member{}
			h.members[msg.Key] = m
		}
		changed = !ok || m.record != *msg.Record
		m.seq = msg.Seq
		m.record = *msg.Record
		m.lastSeen = h.t.clock.Now("presence", "receive")
	case kindLeave:
		if _, ok := h.members[msg.Key]; ok {
			delete(h.members, msg.Key)
			changed = true
		}
	case kindSync:
		if msg.Key != h.key && h.own != nil {
			redeclare = true
			h.redeclares.Add(1)
		}
	default:
		h.logger.Debug(h.ctx, "ignoring unknown presence message", slog.F("kind", msg.Kind))
	}
	if changed {
		h.version++
	}
	h.mu.Unlock()

	if changed {
		h.deliver()
	}
	if redeclare {
		// Publishing from inside a listener would block the sender's
		// Publish on our own pubMu.
		go func() {
			defer h.redeclares.Done()
			h.redeclare()
		}()
	}
}

func (h *handle) tick() error {
	h.redeclare()

	now := h.t.clock.Now("presence", "sweep")
	h.mu.Lock()
	var expired []string
	for key, m := range h.members {
		if key == h.key {
			continue
		}
		if now.Sub(m.lastSeen) > h.t.ttl {
			delete(h.members, key)
			expired = append(expired, key)
		}
	}
	if len(expired) > 0 {
		h.version++
	}
	h.mu.Unlock()

	if len(expired) > 0 {
		h.logger.Debug(h.ctx, "expired silent presence members", slog.F("keys", expired))
		h.deliver()
	}
	return nil
}

func (h *handle) deliver() {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	if h.cb == nil || h.version <= h.delivered {
		h.mu.Unlock()
		return
	}
	cb := h.cb
	version := h.version
	snap := h.snapshotLocked()
	h.mu.Unlock()

	h.delivered = version
	cb(snap)
}

// snapshotLocked orders groups by connection key so every member computes
// the same roster from the same membership.
func (h *handle) snapshotLocked() presence.Snapshot {
	keys := make([]string, 0, len(h.members))
	for key := range h.members {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	snap := make(presence.Snapshot, 0, len(keys))
	for _, key := range keys {
		snap = append(snap, presence.Group{
			Key:     key,
			Records: []presence.Record{h.members[key].record},
		})
	}
	return snap
}
