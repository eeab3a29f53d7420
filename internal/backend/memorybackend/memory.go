// Package memorybackend implements backend.Backend entirely in-process,
// for local development and tests that should not require a running
// Redis. It satisfies the identical contract as redisbackend
// using Go maps/slices and buffered channels in place of sorted sets and
// Redis pub/sub, grounded on the corpus's plain-channel fan-out pattern
// (one buffered channel per subscriber, a registry guarded by a mutex).
//
// Age-based trimming here is strict per-message TTL rather than Redis's
// whole-container-expiry behavior; backends are free to diverge on this
// point as long as a subscriber never observes a gap in retained ids.
package memorybackend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odin-labs/messagebus/internal/backend"
	"github.com/odin-labs/messagebus/internal/message"
	"github.com/odin-labs/messagebus/internal/metrics"
)

type storedMessage struct {
	msg        message.Message
	publishedAt time.Time
}

type channelState struct {
	lastID         uint64
	messages       []storedMessage
	maxBacklogSize uint64
	clearEvery     uint64
	maxBacklogAge  time.Duration
}

type event struct {
	msg   message.Message
	unsub bool
}

// Backend is an in-memory backend.Backend implementation.
type Backend struct {
	mu sync.RWMutex

	channels map[string]*channelState

	lastGlobalID uint64
	global       []storedMessage

	nextSubID uint64
	subs      map[uint64]chan event

	closed  bool
	metrics *metrics.Registry
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		channels: make(map[string]*channelState),
		subs:     make(map[uint64]chan event),
	}
}

// SetMetrics attaches a metrics registry used to account backlog trims.
// Optional; a Backend with no registry attached simply skips the counter.
func (b *Backend) SetMetrics(m *metrics.Registry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

func (b *Backend) channel(name string) *channelState {
	cs, ok := b.channels[name]
	if !ok {
		cs = &channelState{}
		b.channels[name] = cs
	}
	return cs
}

// Publish implements backend.Backend.
func (b *Backend) Publish(_ context.Context, channel string, data []byte, opts backend.PublishOptions) (uint64, error) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return 0, backend.ErrClosed
	}

	cs := b.channel(channel)
	cs.maxBacklogSize = opts.MaxBacklogSize
	cs.clearEvery = opts.ClearEvery
	cs.maxBacklogAge = opts.MaxBacklogAge

	cs.lastID++
	b.lastGlobalID++

	msg := message.Message{
		GlobalID:  b.lastGlobalID,
		MessageID: cs.lastID,
		Channel:   channel,
		Data:      append([]byte(nil), data...),
		UserIDs:   append([]string(nil), opts.UserIDs...),
		GroupIDs:  append([]string(nil), opts.GroupIDs...),
		ClientIDs: append([]string(nil), opts.ClientIDs...),
		SiteID:    opts.SiteID,
	}
	now := time.Now()

	cs.messages = append(cs.messages, storedMessage{msg: msg, publishedAt: now})
	b.global = append(b.global, storedMessage{msg: msg, publishedAt: now})

	beforeChannel, beforeGlobal := len(cs.messages), len(b.global)
	b.trimChannelLocked(cs)
	b.trimGlobalLocked()
	if b.metrics != nil {
		if len(cs.messages) < beforeChannel {
			b.metrics.BacklogTrims.Inc()
		}
		if len(b.global) < beforeGlobal {
			b.metrics.BacklogTrims.Inc()
		}
	}

	subs := make([]chan event, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event{msg: msg}:
		default:
			// slow subscriber: drop rather than block the publisher.
			// GlobalSubscribe's catch-up path will close the gap from the
			// backlog the next time it reads, same as a dropped Redis
			// pub/sub frame.
		}
	}

	return cs.lastID, nil
}

func trimContiguous(entries []storedMessage, clearEvery, maxSize uint64, idOf func(message.Message) uint64) []storedMessage {
	if maxSize == 0 || len(entries) == 0 {
		return entries
	}
	if clearEvery == 0 {
		clearEvery = 1
	}
	lastID := idOf(entries[len(entries)-1].msg)
	if uint64(len(entries)) <= maxSize {
		return entries
	}
	if lastID%clearEvery != 0 {
		return entries
	}
	floor := lastID - maxSize
	idx := sort.Search(len(entries), func(i int) bool {
		return idOf(entries[i].msg) > floor
	})
	return entries[idx:]
}

func (b *Backend) trimChannelLocked(cs *channelState) {
	if cs.maxBacklogAge > 0 {
		cutoff := time.Now().Add(-cs.maxBacklogAge)
		idx := 0
		for idx < len(cs.messages) && cs.messages[idx].publishedAt.Before(cutoff) {
			idx++
		}
		cs.messages = cs.messages[idx:]
	}
	cs.messages = trimContiguous(cs.messages, cs.clearEvery, cs.maxBacklogSize, messageIDOf)
}

func messageIDOf(m message.Message) uint64 { return m.MessageID }
func globalIDOf(m message.Message) uint64  { return m.GlobalID }

func (b *Backend) trimGlobalLocked() {
	// Global trimming uses the largest MaxBacklogSize last passed for any
	// channel (with that channel's ClearEvery) as a stand-in for a
	// configured max_global_backlog_size; callers that want a global bound
	// pass it via every Publish call's opts, matching the per-channel
	// convention. The global slice is trimmed by global_id with the same
	// shape as per-channel trimming by message_id.
	var maxSize, clearEvery uint64
	for _, cs := range b.channels {
		if cs.maxBacklogSize > maxSize {
			maxSize = cs.maxBacklogSize
			clearEvery = cs.clearEvery
		}
	}
	b.global = trimContiguous(b.global, clearEvery, maxSize, globalIDOf)
}

// LastID implements backend.Backend.
func (b *Backend) LastID(_ context.Context, channel string) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if cs, ok := b.channels[channel]; ok {
		return cs.lastID, nil
	}
	return 0, nil
}

// LastIDs implements backend.Backend.
func (b *Backend) LastIDs(ctx context.Context, channels []string) ([]uint64, error) {
	out := make([]uint64, len(channels))
	for i, c := range channels {
		id, err := b.LastID(ctx, c)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

// Backlog implements backend.Backend.
func (b *Backend) Backlog(_ context.Context, channel string, afterID uint64) ([]message.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cs, ok := b.channels[channel]
	if !ok {
		return nil, nil
	}
	out := make([]message.Message, 0, len(cs.messages))
	for _, sm := range cs.messages {
		if sm.msg.MessageID > afterID {
			out = append(out, sm.msg.Clone())
		}
	}
	return out, nil
}

// GlobalBacklog implements backend.Backend.
func (b *Backend) GlobalBacklog(_ context.Context, afterGlobalID uint64) ([]message.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]message.Message, 0, len(b.global))
	for _, sm := range b.global {
		if sm.msg.GlobalID <= afterGlobalID {
			continue
		}
		// The per-channel record may have been trimmed independently of
		// the global entry; skip it if so.
		cs, ok := b.channels[sm.msg.Channel]
		if !ok {
			continue
		}
		if !channelHas(cs, sm.msg.MessageID) {
			continue
		}
		out = append(out, sm.msg.Clone())
	}
	return out, nil
}

func channelHas(cs *channelState, messageID uint64) bool {
	for _, sm := range cs.messages {
		if sm.msg.MessageID == messageID {
			return true
		}
	}
	return false
}

// GetMessage implements backend.Backend.
func (b *Backend) GetMessage(_ context.Context, channel string, messageID uint64) (*message.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cs, ok := b.channels[channel]
	if !ok {
		return nil, backend.ErrNotFound
	}
	for _, sm := range cs.messages {
		if sm.msg.MessageID == messageID {
			clone := sm.msg.Clone()
			return &clone, nil
		}
	}
	return nil, backend.ErrNotFound
}

// Subscribe implements backend.Backend by filtering GlobalSubscribe's
// stream down to one channel plus that channel's own backlog.
func (b *Backend) Subscribe(ctx context.Context, channel string, afterID *uint64, handler backend.Handler) error {
	var afterGlobal *uint64
	if afterID != nil {
		if m, err := b.GetMessage(ctx, channel, *afterID); err == nil {
			g := m.GlobalID
			afterGlobal = &g
		} else {
			// Trimmed: fall back to using afterID as a global cursor.
			// Downstream dedup in internal/bus absorbs any resulting replay.
			g := *afterID
			afterGlobal = &g
		}
	}

	return b.GlobalSubscribe(ctx, afterGlobal, func(m message.Message) error {
		if m.Channel != channel {
			return nil
		}
		return handler(m)
	})
}

// GlobalSubscribe implements backend.Backend, simplified because the
// in-memory store can never observe a Redis-style READONLY failover or a
// NOSCRIPT cache miss.
func (b *Backend) GlobalSubscribe(ctx context.Context, afterGlobalID *uint64, handler backend.Handler) error {
	var highest uint64
	hasHighest := false
	if afterGlobalID != nil {
		highest = *afterGlobalID
		hasHighest = true
	}

	if hasHighest {
		if err := b.catchUp(&highest, handler); err != nil {
			return err
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return backend.ErrClosed
	}
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan event, 256)
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	// Catch up again now that ch is registered, so a message published
	// between the first pass and the registration is not missed.
	if hasHighest {
		if err := b.catchUp(&highest, handler); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.unsub {
				return nil
			}
			if !hasHighest || ev.msg.GlobalID == highest+1 {
				highest = ev.msg.GlobalID
				hasHighest = true
				if err := handler(ev.msg); err != nil {
					return err
				}
				continue
			}
			if ev.msg.GlobalID <= highest {
				// Already delivered by catch-up; ignore the live copy.
				continue
			}
			// Gap: replay from the backlog before resuming live delivery.
			if err := b.catchUp(&highest, handler); err != nil {
				return err
			}
			hasHighest = true
		}
	}
}

func (b *Backend) catchUp(highest *uint64, handler backend.Handler) error {
	// The in-memory store never races a reader against a still-unflushed
	// writer the way Redis's separate pub/sub and ZSET round trips can, so
	// a single pass always closes the gap and, unlike redisbackend, there
	// is no retry loop.
	backlog, err := b.GlobalBacklog(context.Background(), *highest)
	if err != nil {
		return err
	}
	for _, m := range backlog {
		if m.GlobalID <= *highest {
			continue
		}
		*highest = m.GlobalID
		if err := handler(m); err != nil {
			return err
		}
	}
	return nil
}

// GlobalUnsubscribe implements backend.Backend.
func (b *Backend) GlobalUnsubscribe() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event{unsub: true}:
		default:
		}
	}
	return nil
}

// ReadOnly implements backend.Backend; the in-memory store is never
// read-only.
func (b *Backend) ReadOnly(_ context.Context) (bool, error) {
	return false, nil
}

// Reset implements backend.Backend.
func (b *Backend) Reset(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = make(map[string]*channelState)
	b.global = nil
	b.lastGlobalID = 0
	return nil
}

// ExpireAllBacklogs implements backend.Backend.
func (b *Backend) ExpireAllBacklogs(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cs := range b.channels {
		cs.messages = nil
	}
	b.global = nil
	return nil
}

// AfterFork implements backend.Backend; there is no connection to
// re-establish for the in-memory store.
func (b *Backend) AfterFork(_ context.Context) error {
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	return nil
}
