// Package session represents one long-poll HTTP request: the channel
// cursors it arrived with, its resolved identity, and its long-poll
// deadline.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the scoping resolved for one session: who is asking, which
// groups they belong to, and which site namespace they're in.
type Identity struct {
	UserID   string
	HasUser  bool
	GroupIDs []string
	ClientID string
	SiteID   string
	HasSite  bool
}

// Session holds all per-request state between parsing and response.
type Session struct {
	Identity Identity

	// Cursors maps channel name to the last message_id the client already
	// has. A cursor of 0 means "I have nothing on this channel yet."
	Cursors map[string]uint64

	Deadline time.Time

	// Streaming selects chunked multi-frame responses over a single JSON
	// array.
	Streaming bool

	// SinceEpoch is opaque to the server; it is echoed back so a client can
	// detect a backend reset between polls.
	SinceEpoch string
}

// NewAnonymousClientID mints a random client id for a request that didn't
// supply one: an empty or "-" client id segment in the URL is treated as a
// request for a fresh one.
func NewAnonymousClientID() string {
	return uuid.NewString()
}

// Channels returns the channel names this session is watching, suitable
// for the per-channel backlog reads behind Engine.Await.
func (s *Session) Channels() []string {
	out := make([]string, 0, len(s.Cursors))
	for ch := range s.Cursors {
		out = append(out, ch)
	}
	return out
}
