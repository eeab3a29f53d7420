// Package httpapi implements the HTTP long-poll protocol:
// request parsing, Session construction, delegation to the Bus Engine, and
// response framing in either single-array or chunked streaming mode.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-labs/messagebus/internal/bus"
	"github.com/odin-labs/messagebus/internal/identity"
	"github.com/odin-labs/messagebus/internal/message"
	"github.com/odin-labs/messagebus/internal/ratelimit"
	"github.com/odin-labs/messagebus/internal/session"
)

// reservedParams are never interpreted as channel cursors.
var reservedParams = map[string]bool{
	"__seq":       true,
	"stream":      true,
	"since_epoch": true,
	"token":       true,
}

// ClientError is a 400-mapped request error: malformed cursor
// maps, never retried.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string { return e.Message }

// Config configures Handler construction.
type Config struct {
	Engine            *bus.Engine
	Hooks             identity.Hooks
	BasePath          string
	LongPollTimeout   time.Duration
	KeepaliveInterval time.Duration
	PollLimiter       *ratelimit.PerKeyLimiter
	Logger            zerolog.Logger
}

// Handler implements http.Handler for the long-poll protocol.
type Handler struct {
	engine            *bus.Engine
	hooks             identity.Hooks
	basePath          string
	longPollTimeout   time.Duration
	keepaliveInterval time.Duration
	pollLimiter       *ratelimit.PerKeyLimiter
	log               zerolog.Logger
	mux               *http.ServeMux
}

// New builds a Handler and registers its routes.
func New(cfg Config) *Handler {
	if cfg.LongPollTimeout <= 0 {
		cfg.LongPollTimeout = 25 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 20 * time.Second
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/message-bus"
	}
	cfg.BasePath = strings.TrimSuffix(cfg.BasePath, "/")

	h := &Handler{
		engine:            cfg.Engine,
		hooks:             cfg.Hooks,
		basePath:          cfg.BasePath,
		longPollTimeout:   cfg.LongPollTimeout,
		keepaliveInterval: cfg.KeepaliveInterval,
		pollLimiter:       cfg.PollLimiter,
		log:               cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+h.basePath+"/{clientID}/poll", h.handlePoll)
	mux.HandleFunc("GET "+h.basePath+"/{clientID}/poll", h.handlePoll)
	h.mux = mux
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientID")
	if clientID == "" || clientID == "-" {
		clientID = session.NewAnonymousClientID()
		w.Header().Set("X-MessageBus-Client-Id", clientID)
	}

	if h.pollLimiter != nil && !h.pollLimiter.Allow(clientID) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	cursors, err := parseCursors(r)
	if err != nil {
		var clientErr *ClientError
		if errors.As(err, &clientErr) {
			http.Error(w, clientErr.Message, http.StatusBadRequest)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resolved := h.hooks.Resolve(r)
	sess := &session.Session{
		Identity: session.Identity{
			UserID:   resolved.UserID,
			HasUser:  resolved.HasUser,
			GroupIDs: resolved.GroupIDs,
			ClientID: clientID,
			SiteID:   resolved.SiteID,
			HasSite:  resolved.HasSite,
		},
		Cursors:    cursors,
		Deadline:   time.Now().Add(h.longPollTimeout),
		Streaming:  isStreaming(r),
		SinceEpoch: r.URL.Query().Get("since_epoch"),
	}

	if sess.Streaming {
		h.serveStreaming(w, r, sess)
		return
	}
	h.serveSingle(w, r, sess)
}

func (h *Handler) serveSingle(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	msgs, err := h.engine.Await(r.Context(), sess)
	if err != nil {
		h.log.Error().Err(err).Msg("await failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeFrame(w, msgs)
}

func (h *Handler) serveStreaming(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.serveSingle(w, r, sess)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)

	overallDeadline := sess.Deadline
	for {
		remaining := time.Until(overallDeadline)
		if remaining <= 0 {
			return
		}
		step := h.keepaliveInterval
		if remaining < step {
			step = remaining
		}

		iter := *sess
		iter.Deadline = time.Now().Add(step)

		msgs, err := h.engine.Await(r.Context(), &iter)
		if err != nil {
			h.log.Error().Err(err).Msg("streaming await failed")
			return
		}
		if len(msgs) > 0 {
			writeChunk(w, msgs)
			for _, m := range msgs {
				if m.MessageID > sess.Cursors[m.Channel] {
					sess.Cursors[m.Channel] = m.MessageID
				}
			}
		} else {
			io.WriteString(w, "\n")
		}
		flusher.Flush()

		if r.Context().Err() != nil {
			return
		}
	}
}

func writeFrame(w http.ResponseWriter, msgs []message.Message) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	wire := make([]message.WireJSON, len(msgs))
	for i, m := range msgs {
		wire[i] = message.ToWireJSON(m)
	}
	if wire == nil {
		wire = []message.WireJSON{}
	}
	_ = json.NewEncoder(w).Encode(wire)
}

func writeChunk(w http.ResponseWriter, msgs []message.Message) {
	wire := make([]message.WireJSON, len(msgs))
	for i, m := range msgs {
		wire[i] = message.ToWireJSON(m)
	}
	enc, err := json.Marshal(wire)
	if err != nil {
		return
	}
	w.Write(enc)
	io.WriteString(w, "\n")
}

func isStreaming(r *http.Request) bool {
	if r.Header.Get("X-MessageBus-Stream") == "1" {
		return true
	}
	return r.URL.Query().Get("stream") == "1"
}

func parseCursors(r *http.Request) (map[string]uint64, error) {
	switch r.Method {
	case http.MethodGet:
		return parseCursorValues(r.URL.Query())
	case http.MethodPost:
		return parseCursorsFromBody(r)
	default:
		return nil, &ClientError{Message: "unsupported method"}
	}
}

func parseCursorValues(values map[string][]string) (map[string]uint64, error) {
	cursors := make(map[string]uint64, len(values))
	for key, vals := range values {
		if reservedParams[key] || len(vals) == 0 {
			continue
		}
		id, err := strconv.ParseUint(vals[0], 10, 64)
		if err != nil {
			return nil, &ClientError{Message: "invalid cursor for channel " + key}
		}
		cursors[key] = id
	}
	return cursors, nil
}

func parseCursorsFromBody(r *http.Request) (map[string]uint64, error) {
	contentType := r.Header.Get("Content-Type")
	defer r.Body.Close()

	if strings.HasPrefix(contentType, "application/json") {
		var raw map[string]json.Number
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&raw); err != nil {
			return nil, &ClientError{Message: "malformed JSON body: " + err.Error()}
		}
		cursors := make(map[string]uint64, len(raw))
		for ch, n := range raw {
			if reservedParams[ch] {
				continue
			}
			id, err := strconv.ParseUint(string(n), 10, 64)
			if err != nil {
				return nil, &ClientError{Message: "invalid cursor for channel " + ch}
			}
			cursors[ch] = id
		}
		return cursors, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, &ClientError{Message: "failed reading body"}
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, &ClientError{Message: "malformed form body: " + err.Error()}
	}
	return parseCursorValues(values)
}
