// Package bus implements the in-process reliable-pubsub engine: the
// per-process subscriber registry, the blocking wait-for-new-messages
// primitive, the filter pipeline, and the background task that bridges a
// backend.Backend's global subscription into local dispatch .
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-labs/messagebus/internal/backend"
	"github.com/odin-labs/messagebus/internal/message"
	"github.com/odin-labs/messagebus/internal/metrics"
	"github.com/odin-labs/messagebus/internal/ratelimit"
	"github.com/odin-labs/messagebus/internal/session"
)

// PublishOptions is the closed option set Engine.Publish recognizes,
// separate from backend.PublishOptions because the Engine also
// recognizes SiteID for channel namespacing before delegating.
type PublishOptions struct {
	SiteID         string
	UserIDs        []string
	GroupIDs       []string
	ClientIDs      []string
	MaxBacklogAge  time.Duration
	MaxBacklogSize uint64
	ClearEvery     uint64
}

// SubscriptionHandle identifies a LocalSubscribe registration for later
// LocalUnsubscribe.
type SubscriptionHandle uint64

type localSub struct {
	prefix  string
	handler func(message.Message)
}

// Engine is the bus's in-process coordinator. Construct with New, then
// call Start before the first Publish so the reliable-pubsub loop is
// running to wake long-poll waiters.
type Engine struct {
	backend backend.Backend
	log     zerolog.Logger
	metrics *metrics.Registry

	publishLimiter *ratelimit.Limiter

	filterMu sync.RWMutex
	filters  []FilterRule

	subMu     sync.Mutex
	nextSubID uint64
	localSubs map[SubscriptionHandle]*localSub

	waitMu sync.Mutex
	waitCh chan struct{}

	running atomic.Bool
	wg      sync.WaitGroup
}

// Config configures Engine construction.
type Config struct {
	Backend        backend.Backend
	Logger         zerolog.Logger
	Metrics        *metrics.Registry
	PublishLimiter *ratelimit.Limiter
	Filters        []FilterRule
}

// New constructs an Engine. Call Start to begin the reliable-pubsub loop.
func New(cfg Config) *Engine {
	limiter := cfg.PublishLimiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter(0, 0)
	}
	return &Engine{
		backend:        cfg.Backend,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		publishLimiter: limiter,
		filters:        append([]FilterRule(nil), cfg.Filters...),
		localSubs:      make(map[SubscriptionHandle]*localSub),
		waitCh:         make(chan struct{}),
	}
}

// ErrRateLimited is returned by Publish when the publish token bucket is
// exhausted.
var ErrRateLimited = fmt.Errorf("bus: publish rate limit exceeded")

// Publish builds and stores a message, namespacing the channel by site
// when opts.SiteID is set.
func (e *Engine) Publish(ctx context.Context, channel string, data []byte, opts PublishOptions) (uint64, error) {
	if !e.publishLimiter.Allow() {
		return 0, ErrRateLimited
	}

	if opts.SiteID != "" {
		channel = fmt.Sprintf("/siteid/%s%s", opts.SiteID, channel)
	}

	id, err := e.backend.Publish(ctx, channel, data, backend.PublishOptions{
		MaxBacklogAge:  opts.MaxBacklogAge,
		MaxBacklogSize: opts.MaxBacklogSize,
		ClearEvery:     opts.ClearEvery,
		UserIDs:        opts.UserIDs,
		GroupIDs:       opts.GroupIDs,
		ClientIDs:      opts.ClientIDs,
		SiteID:         opts.SiteID,
	})
	if e.metrics != nil {
		if err != nil {
			e.metrics.PublishErrors.Inc()
		} else {
			e.metrics.MessagesPublished.Inc()
		}
	}
	return id, err
}

// LocalSubscribe registers an in-process listener that receives every
// server-filtered message on channels matching prefix (empty prefix means
// every channel), delivered from the reliable-pubsub dispatch path.
func (e *Engine) LocalSubscribe(prefix string, handler func(message.Message)) SubscriptionHandle {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.nextSubID++
	id := SubscriptionHandle(e.nextSubID)
	e.localSubs[id] = &localSub{prefix: prefix, handler: handler}
	return id
}

// LocalUnsubscribe removes a LocalSubscribe registration.
func (e *Engine) LocalUnsubscribe(handle SubscriptionHandle) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	delete(e.localSubs, handle)
}

// AddFilterRule registers a filter rule. Rules apply in registration order
// for every channel whose name matches their prefix.
func (e *Engine) AddFilterRule(rule FilterRule) {
	e.filterMu.Lock()
	defer e.filterMu.Unlock()
	e.filters = append(e.filters, rule)
}

func (e *Engine) filterSnapshot() []FilterRule {
	e.filterMu.RLock()
	defer e.filterMu.RUnlock()
	return e.filters
}

// collect gathers every currently-retained message across sess.Cursors
// that the session hasn't seen yet, applying the filter pipeline.
// Channels are visited in sorted order for deterministic output;
// cross-channel ordering is best-effort.
func (e *Engine) collect(ctx context.Context, sess *session.Session) ([]message.Message, error) {
	channels := sess.Channels()
	sort.Strings(channels)

	rules := e.filterSnapshot()
	var out []message.Message
	for _, ch := range channels {
		raw, err := e.backend.Backlog(ctx, ch, sess.Cursors[ch])
		if err != nil {
			return nil, err
		}
		for _, m := range raw {
			filtered, keep := applyServerFilters(rules, m)
			if !keep {
				if e.metrics != nil {
					e.metrics.MessagesFiltered.Inc()
				}
				continue
			}
			if !visibleTo(filtered, sess.Identity) {
				continue
			}
			filtered, keep = applyClientFilters(rules, filtered, sess.Identity)
			if !keep {
				if e.metrics != nil {
					e.metrics.MessagesFiltered.Inc()
				}
				continue
			}
			out = append(out, filtered)
			if e.metrics != nil {
				e.metrics.MessagesDelivered.Inc()
			}
		}
	}
	return out, nil
}

// Await implements the Client Session lifecycle: an
// immediate catch-up read, returned right away if non-empty or if the
// session isn't watching anything, otherwise a blocking wait up to
// sess.Deadline.
func (e *Engine) Await(ctx context.Context, sess *session.Session) ([]message.Message, error) {
	start := time.Now()
	msgs, err := e.collect(ctx, sess)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 || len(sess.Cursors) == 0 {
		return msgs, nil
	}

	if e.metrics != nil {
		e.metrics.ActiveLongPolls.Inc()
		defer e.metrics.ActiveLongPolls.Dec()
	}

	deadlineCtx, cancel := context.WithDeadline(ctx, sess.Deadline)
	defer cancel()

	for {
		wake := e.currentWaitChannel()
		select {
		case <-wake:
			msgs, err := e.collect(ctx, sess)
			if err != nil {
				return nil, err
			}
			if len(msgs) > 0 {
				if e.metrics != nil {
					e.metrics.PollWaitSeconds.Observe(time.Since(start).Seconds())
				}
				return msgs, nil
			}
		case <-deadlineCtx.Done():
			if e.metrics != nil {
				e.metrics.PollWaitSeconds.Observe(time.Since(start).Seconds())
			}
			return nil, nil
		}
	}
}

func (e *Engine) currentWaitChannel() chan struct{} {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	return e.waitCh
}

// wake broadcasts to every blocked Await caller, who then recheck their
// own cursors. This is the channel/generation rendering of a
// sync.Cond.Broadcast: Go's condition variables have no timed wait, and
// Await needs to race a deadline against the wake signal.
func (e *Engine) wake() {
	e.waitMu.Lock()
	old := e.waitCh
	e.waitCh = make(chan struct{})
	e.waitMu.Unlock()
	close(old)
}

// dispatch is the reliable-pubsub loop's per-message callback: it applies
// server filters, notifies local subscribers with the filtered message,
// and wakes every blocked Await call so HTTP sessions recheck the backend
// themselves (which re-applies the full filter pipeline per session).
func (e *Engine) dispatch(m message.Message) error {
	filtered, keep := applyServerFilters(e.filterSnapshot(), m)
	if keep {
		e.subMu.Lock()
		subs := make([]*localSub, 0, len(e.localSubs))
		for _, s := range e.localSubs {
			if matchesPrefix(filtered.Channel, s.prefix) {
				subs = append(subs, s)
			}
		}
		e.subMu.Unlock()
		for _, s := range subs {
			s.handler(filtered)
		}
	} else if e.metrics != nil {
		e.metrics.MessagesFiltered.Inc()
	}
	e.wake()
	return nil
}

// Start begins the reliable-pubsub loop. Safe to call once.
func (e *Engine) Start(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go e.reliableLoop(ctx)
}

// Stop unblocks the reliable-pubsub loop via backend.GlobalUnsubscribe and
// waits for it to exit.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	if err := e.backend.GlobalUnsubscribe(); err != nil {
		e.log.Warn().Err(err).Msg("global unsubscribe failed during shutdown")
	}
	e.wg.Wait()
}

func (e *Engine) reliableLoop(ctx context.Context) {
	defer e.wg.Done()

	var highest uint64
	hasHighest := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var cursor *uint64
		if hasHighest {
			cursor = &highest
		}

		err := e.backend.GlobalSubscribe(ctx, cursor, func(m message.Message) error {
			highest = m.GlobalID
			hasHighest = true
			return e.dispatch(m)
		})

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// GlobalUnsubscribe was called, or the backend closed cleanly.
			return
		}

		e.log.Error().Err(err).Msg("reliable-pubsub loop error, reconnecting")
		if e.metrics != nil {
			e.metrics.ReliablePubSubRetry.Inc()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// AfterFork re-establishes the backend connection following a process
// fork. In-flight sessions are abandoned; the parent process owns them.
func (e *Engine) AfterFork(ctx context.Context) error {
	return e.backend.AfterFork(ctx)
}
