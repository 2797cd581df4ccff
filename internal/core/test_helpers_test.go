package core

import (
	"context"
	"testing"
	"time"

	"github.com/vovakirdan/lobbyrelay/internal/matchmaking"
	"github.com/vovakirdan/lobbyrelay/internal/presence"
	"github.com/vovakirdan/lobbyrelay/internal/store/sqlite"
)

var testOptions = Options{
	StunServer:      "stun:stun.example.org:3478",
	TurnServer:      "turn:turn.example.org:3478",
	DefaultRoomSize: 4,
	MaxRoomSize:     8,
}

type testEnv struct {
	hub     *Hub
	store   *sqlite.SQLiteStore
	engine  *matchmaking.Engine
	tracker *presence.Tracker
	cancel  context.CancelFunc
	stopped chan struct{}
}

// newTestEnv runs a hub over a fresh in-memory store. The hub is stopped and
// the store closed when the test ends.
func newTestEnv(t testing.TB, opts Options) *testEnv {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	env := &testEnv{
		store:   st,
		engine:  matchmaking.NewEngine(st, matchmaking.DefaultJoinRetries, nil, nil),
		tracker: presence.NewTracker(st, nil),
		stopped: make(chan struct{}),
	}
	env.hub = NewHub(env.engine, env.tracker, opts, nil, nil)
	env.start(t)
	return env
}

func (e *testEnv) start(t testing.TB) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go func() {
		e.hub.Run(ctx)
		close(e.stopped)
	}()

	t.Cleanup(func() {
		e.stop()
		e.store.Close()
	})
}

func (e *testEnv) stop() {
	e.cancel()
	<-e.stopped
}

// connect registers a client and waits for its connected event.
func (e *testEnv) connect(t testing.TB, connID string) *Client {
	t.Helper()

	c := NewClient(connID)
	e.hub.RegisterClient(c)
	mustEvent(t, c.Events, EventConnected)
	return c
}

func mustEvent(t testing.TB, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for kind %v", kind)
			}
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

// mustNoEvent fails if any event of the given kind shows up within a short window.
func mustNoEvent(t testing.TB, ch <-chan *Event, kind EventKind) {
	t.Helper()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev != nil && ev.Kind == kind {
				t.Fatalf("unexpected event: %+v", ev)
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func mustError(t testing.TB, ch <-chan *Event, code string) {
	t.Helper()

	ev := mustEvent(t, ch, EventError)
	if ev.Error == nil || ev.Error.Code != code {
		t.Fatalf("expected %s error, got %+v", code, ev.Error)
	}
}
