package http

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/lobbyrelay/internal/config"
	"github.com/vovakirdan/lobbyrelay/internal/core"
	"github.com/vovakirdan/lobbyrelay/internal/matchmaking"
	"github.com/vovakirdan/lobbyrelay/internal/presence"
	"github.com/vovakirdan/lobbyrelay/internal/store/sqlite"
)

type testServer struct {
	*httptest.Server
	store   *sqlite.SQLiteStore
	engine  *matchmaking.Engine
	tracker *presence.Tracker
}

// startTestServer runs the full HTTP stack over an in-memory store.
func startTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}

	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.ReadHeaderTimeout = time.Second
	cfg.ShutdownTimeout = time.Second
	cfg.TurnServer = "turn:turn.example.org:3478"
	cfg.CORSOrigins = nil
	if mutate != nil {
		mutate(&cfg)
	}

	disabledLogger := zerolog.New(nil)
	engine := matchmaking.NewEngine(st, cfg.JoinRetries, nil, nil)
	tracker := presence.NewTracker(st, nil)
	hub := core.NewHub(engine, tracker, core.Options{
		StunServer:      cfg.StunServer,
		TurnServer:      cfg.TurnServer,
		DefaultRoomSize: cfg.DefaultRoomSize,
		MaxRoomSize:     cfg.MaxRoomSize,
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	server := NewServer(hub, st, tracker, &cfg, &disabledLogger, nil)
	ts := httptest.NewServer(server.Handler)

	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-hubDone
		st.Close()
	})

	return &testServer{Server: ts, store: st, engine: engine, tracker: tracker}
}
