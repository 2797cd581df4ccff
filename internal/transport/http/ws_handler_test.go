package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/lobbyrelay/internal/config"
	"github.com/vovakirdan/lobbyrelay/internal/proto"
)

type outboundFrame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func dial(t *testing.T, ctx context.Context, ts *testServer) (*websocket.Conn, proto.EventConnectedData) {
	t.Helper()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })

	var connected proto.EventConnectedData
	readEvent(t, ctx, conn, proto.EventConnected, &connected)
	return conn, connected
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, data any) {
	t.Helper()

	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", typ, err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: payload}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readEvent skips frames until the named event arrives and decodes its data into v.
func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, event string, v any) {
	t.Helper()

	for {
		var frame outboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if frame.Type != proto.OutboundTypeEvent || frame.Event != event {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(frame.Data, v); err != nil {
				t.Fatalf("unmarshal %s: %v", event, err)
			}
		}
		return
	}
}

func readError(t *testing.T, ctx context.Context, conn *websocket.Conn) *proto.Error {
	t.Helper()

	for {
		var frame outboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("waiting for error: %v", err)
		}
		if frame.Type == proto.OutboundTypeError {
			return frame.Error
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := startTestServer(t, nil)

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := startTestServer(t, nil)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestWebSocketJoinAndMessage(t *testing.T) {
	ts := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connA, infoA := dial(t, ctx, ts)
	connB, infoB := dial(t, ctx, ts)
	if infoA.ConnectionID == "" || infoA.ConnectionID == infoB.ConnectionID || infoA.Name != "Guest" {
		t.Fatalf("unexpected connected data: %+v / %+v", infoA, infoB)
	}

	send(t, ctx, connA, proto.InboundTypeJoinRandom, proto.JoinData{MaxPlayers: 2})
	var welcomeA proto.EventWelcomeData
	readEvent(t, ctx, connA, proto.EventWelcome, &welcomeA)
	if welcomeA.Room == "" || welcomeA.MaxPlayers != 2 || welcomeA.EntryPoint != "" {
		t.Fatalf("unexpected welcome: %+v", welcomeA)
	}

	// Lowercase codes are accepted.
	send(t, ctx, connB, proto.InboundTypeJoinRoom, proto.JoinData{Room: strings.ToLower(welcomeA.Room), MaxPlayers: 2})
	var welcomeB proto.EventWelcomeData
	readEvent(t, ctx, connB, proto.EventWelcome, &welcomeB)
	if welcomeB.Room != welcomeA.Room || welcomeB.EntryPoint != infoA.ConnectionID {
		t.Fatalf("unexpected welcome for B: %+v", welcomeB)
	}

	var joined proto.EventUserJoinedData
	readEvent(t, ctx, connA, proto.EventUserJoined, &joined)
	if joined.ConnectionID != infoB.ConnectionID {
		t.Fatalf("unexpected user_joined: %+v", joined)
	}
	var list proto.EventParticipantsData
	readEvent(t, ctx, connA, proto.EventParticipants, &list)
	if len(list.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %+v", list)
	}

	send(t, ctx, connA, proto.InboundTypeMsg, proto.MsgData{Room: welcomeA.Room, Text: "hi there"})
	var msg proto.EventMessageData
	readEvent(t, ctx, connB, proto.EventMessage, &msg)
	if msg.From != infoA.ConnectionID || msg.User != "Guest" || msg.Text != "hi there" || msg.Room != welcomeA.Room {
		t.Fatalf("unexpected message: %+v", msg)
	}

	// B hangs up; A is told.
	connB.Close(websocket.StatusNormalClosure, "bye")
	var left proto.EventUserLeftData
	readEvent(t, ctx, connA, proto.EventUserLeft, &left)
	if left.ConnectionID != infoB.ConnectionID || left.Room != welcomeA.Room {
		t.Fatalf("unexpected user_left: %+v", left)
	}
}

func TestWebSocketSignalRelay(t *testing.T) {
	ts := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connA, infoA := dial(t, ctx, ts)
	connB, infoB := dial(t, ctx, ts)

	send(t, ctx, connA, proto.InboundTypeOffer, proto.SignalData{
		Room:    "ROOM01",
		Target:  infoB.ConnectionID,
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})

	var offer proto.EventSignalData
	readEvent(t, ctx, connB, proto.EventOffer, &offer)
	if offer.From != infoA.ConnectionID || !strings.Contains(string(offer.Payload), `"sdp":"v=0"`) {
		t.Fatalf("unexpected offer: %+v", offer)
	}

	send(t, ctx, connB, proto.InboundTypeRequestStun, struct{}{})
	var stunEv proto.EventServerData
	readEvent(t, ctx, connB, proto.EventStunServer, &stunEv)
	if stunEv.Address != config.Default().StunServer {
		t.Fatalf("unexpected stun server: %+v", stunEv)
	}

	send(t, ctx, connA, proto.InboundTypeP2PFailure, proto.RoomData{Room: "ROOM01"})
	var turnEv proto.EventServerData
	readEvent(t, ctx, connA, proto.EventTurnServer, &turnEv)
	if turnEv.Address != "turn:turn.example.org:3478" {
		t.Fatalf("unexpected turn server: %+v", turnEv)
	}
}

func TestWebSocketRejectsBadInput(t *testing.T) {
	ts := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dial(t, ctx, ts)

	send(t, ctx, conn, "teleport", struct{}{})
	if perr := readError(t, ctx, conn); perr == nil || perr.Code != "invalid_message" {
		t.Fatalf("expected invalid_message, got %+v", perr)
	}

	send(t, ctx, conn, proto.InboundTypeNatInfo, proto.NatInfoData{Room: "ROOM01", PublicIP: "not-an-ip", PublicPort: 1})
	if perr := readError(t, ctx, conn); perr == nil || perr.Code != "bad_request" {
		t.Fatalf("expected bad_request, got %+v", perr)
	}

	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeJoinRoom, Data: json.RawMessage(`"oops"`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if perr := readError(t, ctx, conn); perr == nil || perr.Code != "bad_request" {
		t.Fatalf("expected bad_request for malformed data, got %+v", perr)
	}

	send(t, ctx, conn, proto.InboundTypeJoinRoom, proto.JoinData{Room: "NOPE00"})
	if perr := readError(t, ctx, conn); perr == nil || perr.Code != "room_not_found" {
		t.Fatalf("expected room_not_found, got %+v", perr)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.Config) { cfg.RateLimitPerMinute = 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dial(t, ctx, ts)

	for range 3 {
		send(t, ctx, conn, proto.InboundTypeRequestStun, struct{}{})
	}
	if perr := readError(t, ctx, conn); perr == nil || perr.Code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %+v", perr)
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.Config) { cfg.CORSOrigins = []string{"http://localhost:4200"} })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://localhost:4200"}},
	})
	if err != nil {
		t.Fatalf("dial from allowed origin: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	readEvent(t, ctx, conn, proto.EventConnected, nil)

	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.example"}},
	})
	if err == nil {
		t.Fatal("expected dial from foreign origin to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got %+v", resp)
	}
}
