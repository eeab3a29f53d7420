package bus

import (
	"context"
	"testing"
	"time"

	"github.com/odin-labs/messagebus/internal/backend"
	"github.com/odin-labs/messagebus/internal/backend/memorybackend"
	"github.com/odin-labs/messagebus/internal/message"
	"github.com/odin-labs/messagebus/internal/session"
)

func newTestEngine(t *testing.T) (*Engine, *memorybackend.Backend, context.Context, context.CancelFunc) {
	t.Helper()
	b := memorybackend.New()
	e := New(Config{Backend: b})
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		e.Stop()
		cancel()
		b.Close()
	})
	return e, b, ctx, cancel
}

func TestAwaitReturnsImmediatelyWhenBacklogNonEmpty(t *testing.T) {
	e, b, ctx, _ := newTestEngine(t)

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, "/x", []byte("m"), backend.PublishOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	sess := &session.Session{
		Cursors:  map[string]uint64{"/x": 1},
		Deadline: time.Now().Add(time.Second),
	}
	msgs, err := e.Await(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 catch-up messages", len(msgs))
	}
	if msgs[0].MessageID != 2 || msgs[1].MessageID != 3 {
		t.Fatalf("got message_ids %d,%d want 2,3", msgs[0].MessageID, msgs[1].MessageID)
	}
}

func TestAwaitReturnsImmediatelyWithNoCursors(t *testing.T) {
	e, _, ctx, _ := newTestEngine(t)
	sess := &session.Session{Cursors: map[string]uint64{}, Deadline: time.Now().Add(5 * time.Second)}

	start := time.Now()
	msgs, err := e.Await(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages, want 0", len(msgs))
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("Await with no cursors blocked for %v, want immediate return", time.Since(start))
	}
}

func TestAwaitWakesOnLivePublish(t *testing.T) {
	e, b, ctx, _ := newTestEngine(t)

	sess := &session.Session{
		Cursors:  map[string]uint64{"/x": 0},
		Deadline: time.Now().Add(2 * time.Second),
	}

	result := make(chan []message.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		msgs, err := e.Await(ctx, sess)
		if err != nil {
			errCh <- err
			return
		}
		result <- msgs
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := b.Publish(context.Background(), "/x", []byte("hello"), backend.PublishOptions{}); err != nil {
		t.Fatal(err)
	}

	select {
	case msgs := <-result:
		if len(msgs) != 1 || string(msgs[0].Data) != "hello" {
			t.Fatalf("got %+v, want one message with data=hello", msgs)
		}
	case err := <-errCh:
		t.Fatalf("Await error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not wake within 2s of a live publish")
	}
}

func TestServerFilterDropsMessage(t *testing.T) {
	e, b, ctx, _ := newTestEngine(t)
	e.AddFilterRule(FilterRule{
		Prefix: "/blocked",
		Server: []ServerFilter{
			func(m message.Message) (message.Message, bool) { return m, false },
		},
	})

	if _, err := b.Publish(ctx, "/blocked", []byte("secret"), backend.PublishOptions{}); err != nil {
		t.Fatal(err)
	}

	sess := &session.Session{Cursors: map[string]uint64{"/blocked": 0}, Deadline: time.Now().Add(100 * time.Millisecond)}
	msgs, err := e.Await(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages, want 0: server filter should have dropped it", len(msgs))
	}
}

func TestUserScopedMessageOnlyVisibleToMatchingUser(t *testing.T) {
	e, b, ctx, _ := newTestEngine(t)

	if _, err := b.Publish(ctx, "/dm", []byte("hi"), backend.PublishOptions{UserIDs: []string{"alice"}}); err != nil {
		t.Fatal(err)
	}

	bobSession := &session.Session{
		Identity: session.Identity{UserID: "bob", HasUser: true},
		Cursors:  map[string]uint64{"/dm": 0},
		Deadline: time.Now().Add(100 * time.Millisecond),
	}
	msgs, err := e.Await(ctx, bobSession)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("bob got %d messages, want 0 for a user-scoped message not addressed to him", len(msgs))
	}

	aliceSession := &session.Session{
		Identity: session.Identity{UserID: "alice", HasUser: true},
		Cursors:  map[string]uint64{"/dm": 0},
		Deadline: time.Now().Add(100 * time.Millisecond),
	}
	msgs, err = e.Await(ctx, aliceSession)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("alice got %d messages, want 1", len(msgs))
	}
}

func TestClientFilterReshapesPayload(t *testing.T) {
	e, b, ctx, _ := newTestEngine(t)
	e.AddFilterRule(FilterRule{
		Prefix: "/x",
		Client: []ClientFilter{
			func(m message.Message, _ session.Identity) (message.Message, bool) {
				m.Data = []byte("redacted")
				return m, true
			},
		},
	})

	if _, err := b.Publish(ctx, "/x", []byte("original"), backend.PublishOptions{}); err != nil {
		t.Fatal(err)
	}

	sess := &session.Session{Cursors: map[string]uint64{"/x": 0}, Deadline: time.Now().Add(100 * time.Millisecond)}
	msgs, err := e.Await(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || string(msgs[0].Data) != "redacted" {
		t.Fatalf("got %+v, want one message with data=redacted", msgs)
	}
}

func TestLocalSubscribeReceivesDispatchedMessages(t *testing.T) {
	e, b, ctx, _ := newTestEngine(t)

	received := make(chan message.Message, 1)
	handle := e.LocalSubscribe("/x", func(m message.Message) {
		received <- m
	})
	defer e.LocalUnsubscribe(handle)

	if _, err := b.Publish(ctx, "/x", []byte("m"), backend.PublishOptions{}); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-received:
		if m.Channel != "/x" {
			t.Fatalf("got channel %q, want /x", m.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("local subscriber never received the dispatched message")
	}
}

func TestPublishSiteNamespacesChannel(t *testing.T) {
	e, b, ctx, _ := newTestEngine(t)

	if _, err := e.Publish(ctx, "/chat", []byte("hi"), PublishOptions{SiteID: "acme"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := b.Backlog(ctx, "/siteid/acme/chat", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages on namespaced channel, want 1", len(msgs))
	}
}
