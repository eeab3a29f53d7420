// Package backend defines the storage abstraction that both the
// Redis-backed shared-store implementation and the in-memory test
// implementation satisfy. The Bus Engine depends only on this interface.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/odin-labs/messagebus/internal/message"
)

// Sentinel errors forming the error-kind taxonomy. Backend
// implementations should wrap these with fmt.Errorf("...: %w", ...) so
// callers can still errors.Is against them.
var (
	// ErrBackendUnavailable is transient: the reliable-pubsub loop retries
	// with a fixed backoff; Publish surfaces it directly to the caller.
	ErrBackendUnavailable = errors.New("backend: unavailable")

	// ErrBacklogOutOfOrder is returned by redisbackend's GlobalSubscribe
	// when its gap catch-up makes no progress within the retry budget; the
	// reliable-pubsub loop in internal/bus logs it and resubscribes.
	ErrBacklogOutOfOrder = errors.New("backend: backlog out of order")

	// ErrMalformedMessage marks a stored entry that failed to decode. It is
	// never fatal; callers skip the entry and log a warning.
	ErrMalformedMessage = errors.New("backend: malformed message")

	// ErrNotFound is returned by GetMessage when the id doesn't exist (or
	// has been trimmed).
	ErrNotFound = errors.New("backend: message not found")

	// ErrClosed is returned by memorybackend's Publish and GlobalSubscribe
	// after Close; other calls, and redisbackend, do not return it.
	ErrClosed = errors.New("backend: closed")
)

// PublishOptions is the closed set of options recognized by Publish,
// modeled as a struct rather than an open map so callers get compile-time
// feedback on typos instead of a silently-ignored key.
type PublishOptions struct {
	// MaxBacklogAge, if non-zero, is the TTL refreshed on every publish to
	// this channel's backlog container (age-based trimming
	// nuance: either nothing is trimmed, or the whole backlog expires at
	// once after this much inactivity).
	MaxBacklogAge time.Duration

	// MaxBacklogSize, if non-zero, bounds the per-channel backlog: once
	// last_message_id > MaxBacklogSize and the trim-every condition holds,
	// entries with message_id <= last_message_id-MaxBacklogSize are
	// removed.
	MaxBacklogSize uint64

	// ClearEvery gates how often trimming runs, in units of message_id
	// ("last_message_id mod clear_every == 0"). Zero means 1
	// (trim on every publish once the size bound is exceeded).
	ClearEvery uint64

	// QueueInMemory is accepted for contract parity with the source system
	// but has no effect on either shipped backend: both already buffer the
	// fan-out write in the same round trip as the backlog write.
	QueueInMemory bool

	// UserIDs, GroupIDs, ClientIDs, SiteID carry delivery-scoping metadata
	// through to the stored Message.
	UserIDs   []string
	GroupIDs  []string
	ClientIDs []string
	SiteID    string
}

// Handler is invoked once per delivered message by Subscribe and
// GlobalSubscribe. Returning an error ends the subscription: no further
// messages are delivered and Subscribe/GlobalSubscribe return that error
// (internal/bus's reliable-pubsub loop logs it and resubscribes).
type Handler func(message.Message) error

// Backend is the storage abstraction every message-bus component depends
// on. Implementations: redisbackend.Backend (canonical) and
// memorybackend.Backend (dev/test, or any other backend store).
type Backend interface {
	// Publish atomically allocates a global_id and a per-channel
	// message_id, persists the message in both backlogs, notifies the
	// fan-out channel, and conditionally trims. Returns the assigned
	// per-channel message_id.
	Publish(ctx context.Context, channel string, data []byte, opts PublishOptions) (messageID uint64, err error)

	// LastID returns the last assigned message_id for channel, or 0 if the
	// channel has never been published to.
	LastID(ctx context.Context, channel string) (uint64, error)

	// LastIDs is the batch form of LastID, in the same order as channels.
	LastIDs(ctx context.Context, channels []string) ([]uint64, error)

	// Backlog returns messages on channel with message_id > afterID, in
	// ascending id order.
	Backlog(ctx context.Context, channel string, afterID uint64) ([]message.Message, error)

	// GlobalBacklog returns messages ordered by global_id > afterGlobalID.
	// Entries whose per-channel record has since been trimmed are omitted.
	GlobalBacklog(ctx context.Context, afterGlobalID uint64) ([]message.Message, error)

	// GetMessage returns a single message, or ErrNotFound.
	GetMessage(ctx context.Context, channel string, messageID uint64) (*message.Message, error)

	// Subscribe delivers every future message on channel to handler in
	// global_id order, replaying any backlog after afterID first. A nil
	// afterID means "live messages only, no backlog replay". Subscribe
	// blocks until ctx is cancelled or an unrecoverable error occurs.
	Subscribe(ctx context.Context, channel string, afterID *uint64, handler Handler) error

	// GlobalSubscribe is the authoritative, ordered, all-channels delivery
	// stream every reliable-pubsub consumer is ultimately driven by. It
	// blocks until ctx is cancelled, GlobalUnsubscribe is called, or an
	// unrecoverable error occurs.
	GlobalSubscribe(ctx context.Context, afterGlobalID *uint64, handler Handler) error

	// GlobalUnsubscribe unblocks a currently running GlobalSubscribe call
	// by sending a distinguished sentinel through the fan-out channel.
	GlobalUnsubscribe() error

	// ReadOnly reports whether the backing store is currently read-only
	// (e.g. a Redis replica after failover). Publishers may use this to
	// back off.
	ReadOnly(ctx context.Context) (bool, error)

	// Reset destroys all stored messages and counters. Tests only.
	Reset(ctx context.Context) error

	// ExpireAllBacklogs forces immediate age-based expiry of every backlog
	// container, independent of MaxBacklogAge bookkeeping.
	ExpireAllBacklogs(ctx context.Context) error

	// AfterFork re-establishes backend connections following a process
	// fork. In-flight subscriptions are abandoned; the parent process owns
	// them.
	AfterFork(ctx context.Context) error

	// Close releases the backend's resources. Safe to call once.
	Close() error
}
