package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/odin-labs/messagebus/internal/backend"
	"github.com/odin-labs/messagebus/internal/backend/memorybackend"
	"github.com/odin-labs/messagebus/internal/bus"
	"github.com/odin-labs/messagebus/internal/identity"
)

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(data)
}

func newTestHandler(t *testing.T) (*Handler, *memorybackend.Backend) {
	t.Helper()
	b := memorybackend.New()
	engine := bus.New(bus.Config{Backend: b})
	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)
	t.Cleanup(func() {
		engine.Stop()
		cancel()
		b.Close()
	})

	h := New(Config{
		Engine:          engine,
		Hooks:           identity.NoopHooks(),
		BasePath:        "/message-bus",
		LongPollTimeout: 500 * time.Millisecond,
	})
	return h, b
}

func TestBasicPublishReceive(t *testing.T) {
	h, b := newTestHandler(t)

	if _, err := b.Publish(context.Background(), "/chat", []byte("hi"), backend.PublishOptions{}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/message-bus/abc/poll?/chat=0", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v, body=%s", err, rec.Body.String())
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0]["channel"] != "/chat" {
		t.Fatalf("channel = %v, want /chat", got[0]["channel"])
	}
	if got[0]["message_id"].(float64) != 1 {
		t.Fatalf("message_id = %v, want 1", got[0]["message_id"])
	}
}

func TestCursorCatchUpAcrossRestart(t *testing.T) {
	h, b := newTestHandler(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, "/x", []byte("m"), backend.PublishOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/message-bus/abc/poll?/x=1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var got []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0]["message_id"].(float64) != 2 || got[1]["message_id"].(float64) != 3 {
		t.Fatalf("got message_ids %v,%v want 2,3", got[0]["message_id"], got[1]["message_id"])
	}
}

func TestPollTimesOutToEmptyArray(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/message-bus/abc/poll?/x=0", nil)
	rec := httptest.NewRecorder()

	start := time.Now()
	h.ServeHTTP(rec, req)
	elapsed := time.Since(start)

	if elapsed < 400*time.Millisecond {
		t.Fatalf("returned too early (%v), expected to wait near the long-poll timeout", elapsed)
	}
	if rec.Body.String() != "[]\n" {
		t.Fatalf("body = %q, want empty JSON array", rec.Body.String())
	}
}

func TestPostJSONBodyCursors(t *testing.T) {
	h, b := newTestHandler(t)
	ctx := context.Background()
	if _, err := b.Publish(ctx, "/x", []byte("m1"), backend.PublishOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Publish(ctx, "/x", []byte("m2"), backend.PublishOptions{}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/message-bus/abc/poll", jsonBody(t, map[string]int{"/x": 1}))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var got []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v, body=%s", err, rec.Body.String())
	}
	if len(got) != 1 || got[0]["message_id"].(float64) != 2 {
		t.Fatalf("got %+v, want one message with message_id=2", got)
	}
}

func TestMalformedCursorReturns400(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/message-bus/abc/poll?/x=notanumber", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMissingClientIDGetsAnonymousID(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/message-bus/-/poll?/x=0", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-MessageBus-Client-Id") == "" {
		t.Fatal("expected an anonymous client id to be assigned")
	}
}
