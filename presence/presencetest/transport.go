// Package presencetest provides an in-process presence transport that
// records every call made through it.
package presencetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"github.com/coder/liveness/presence"
)

type Op string

const (
	OpJoin    Op = "join"
	OpPublish Op = "publish"
	OpLeave   Op = "leave"
)

// Call is one recorded transport operation.
type Call struct {
	Op      Op
	Channel string
	Key     string
	Record  presence.Record
}

// Transport keeps every connection's declaration in memory and delivers the
// full snapshot to every handle in the channel after each change, in the
// order connections joined.
type Transport struct {
	mu         sync.Mutex
	nextKey    int
	conns      map[string]*handle
	calls      []Call
	joinErr    error
	publishErr error
}

var _ presence.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{
		conns: make(map[string]*handle),
	}
}

// SetJoinError makes subsequent joins fail with err. Pass nil to recover.
func (t *Transport) SetJoinError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joinErr = err
}

// SetPublishError makes subsequent publishes fail with err.
func (t *Transport) SetPublishError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

// Calls returns a copy of every recorded operation.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsOf returns the recorded operations of one kind.
func (t *Transport) CallsOf(op Op) []Call {
	var calls []Call
	for _, c := range t.Calls() {
		if c.Op == op {
			calls = append(calls, c)
		}
	}
	return calls
}

// Connections returns the number of joined connections.
func (t *Transport) Connections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Join implements presence.Transport.
func (t *Transport) Join(_ context.Context, channel string) (presence.Handle, error) {
	t.mu.Lock()
	if t.joinErr != nil {
		err := t.joinErr
		t.mu.Unlock()
		return nil, xerrors.Errorf("fake join: %w", err)
	}
	t.nextKey++
	h := &handle{
		t:       t,
		channel: channel,
		key:     fmt.Sprintf("conn-%04d", t.nextKey),
	}
	t.conns[h.key] = h
	t.calls = append(t.calls, Call{Op: OpJoin, Channel: channel, Key: h.key})
	t.mu.Unlock()
	return h, nil
}

// Drop removes a connection without it calling Leave, the way a crashed
// client disappears from a real transport.
func (t *Transport) Drop(h presence.Handle) {
	fh, ok := h.(*handle)
	if !ok {
		return
	}
	t.mu.Lock()
	delete(t.conns, fh.key)
	t.mu.Unlock()
	t.broadcast(fh.channel)
}

// Snapshot returns the current snapshot of a channel.
func (t *Transport) Snapshot(channel string) presence.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(channel)
}

func (t *Transport) snapshotLocked(channel string) presence.Snapshot {
	keys := make([]string, 0, len(t.conns))
	for key, h := range t.conns {
		if h.channel == channel && h.declared {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	snap := make(presence.Snapshot, 0, len(keys))
	for _, key := range keys {
		snap = append(snap, presence.Group{
			Key:     key,
			Records: []presence.Record{t.conns[key].record},
		})
	}
	return snap
}

func (t *Transport) broadcast(channel string) {
	t.mu.Lock()
	snap := t.snapshotLocked(channel)
	var cbs []func(presence.Snapshot)
	for _, h := range t.conns {
		if h.channel == channel && h.cb != nil {
			cbs = append(cbs, h.cb)
		}
	}
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(snap)
	}
}

type handle struct {
	t        *Transport
	channel  string
	key      string
	cb       func(presence.Snapshot)
	record   presence.Record
	declared bool
	left     bool
}

func (h *handle) Publish(_ context.Context, rec presence.Record) error {
	h.t.mu.Lock()
	if h.left {
		h.t.mu.Unlock()
		return xerrors.New("handle has left")
	}
	if h.t.publishErr != nil {
		err := h.t.publishErr
		h.t.mu.Unlock()
		return xerrors.Errorf("fake publish: %w", err)
	}
	h.record = rec
	h.declared = true
	h.t.calls = append(h.t.calls, Call{Op: OpPublish, Channel: h.channel, Key: h.key, Record: rec})
	h.t.mu.Unlock()

	h.t.broadcast(h.channel)
	return nil
}

func (h *handle) OnSnapshot(fn func(presence.Snapshot)) {
	h.t.mu.Lock()
	h.cb = fn
	snap := h.t.snapshotLocked(h.channel)
	h.t.mu.Unlock()
	fn(snap)
}

func (h *handle) Leave() error {
	h.t.mu.Lock()
	if h.left {
		h.t.mu.Unlock()
		return nil
	}
	h.left = true
	h.cb = nil
	delete(h.t.conns, h.key)
	h.t.calls = append(h.t.calls, Call{Op: OpLeave, Channel: h.channel, Key: h.key, Record: h.record})
	h.t.mu.Unlock()

	h.t.broadcast(h.channel)
	return nil
}
