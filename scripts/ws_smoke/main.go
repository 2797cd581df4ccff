package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/lobbyrelay/internal/proto"
)

// frame mirrors proto.Outbound with raw data so it can be decoded per event.
type frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

type peer struct {
	name string
	conn *websocket.Conn
	id   string
}

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

// run connects two peers, puts them in the same random room, exchanges an
// offer through the entry point and relays one chat message.
func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	size := flag.Int("max-players", 2, "room size to request")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	host, err := connect(ctx, "host", *addr)
	if err != nil {
		return err
	}
	defer host.conn.Close(websocket.StatusNormalClosure, "bye")

	guest, err := connect(ctx, "guest", *addr)
	if err != nil {
		return err
	}
	defer guest.conn.Close(websocket.StatusNormalClosure, "bye")

	join := proto.JoinData{MaxPlayers: *size}
	if err := host.send(ctx, proto.InboundTypeJoinRandom, join); err != nil {
		return err
	}
	var hostWelcome proto.EventWelcomeData
	if err := host.await(ctx, proto.EventWelcome, &hostWelcome); err != nil {
		return err
	}
	fmt.Printf("host landed in %s (max %d)\n", hostWelcome.Room, hostWelcome.MaxPlayers)

	join.Room = hostWelcome.Room
	if err := guest.send(ctx, proto.InboundTypeJoinRoom, join); err != nil {
		return err
	}
	var guestWelcome proto.EventWelcomeData
	if err := guest.await(ctx, proto.EventWelcome, &guestWelcome); err != nil {
		return err
	}
	if guestWelcome.EntryPoint != host.id {
		return fmt.Errorf("guest entry point %q, want host %q", guestWelcome.EntryPoint, host.id)
	}
	fmt.Printf("guest joined %s, entry point %s\n", guestWelcome.Room, guestWelcome.EntryPoint)

	offer := proto.SignalData{
		Room:    guestWelcome.Room,
		Target:  guestWelcome.EntryPoint,
		Payload: json.RawMessage(`{"type":"offer","sdp":"smoke"}`),
	}
	if err := guest.send(ctx, proto.InboundTypeOffer, offer); err != nil {
		return err
	}
	var relayed proto.EventSignalData
	if err := host.await(ctx, proto.EventOffer, &relayed); err != nil {
		return err
	}
	fmt.Printf("host got offer from %s: %s\n", relayed.From, relayed.Payload)

	if err := host.send(ctx, proto.InboundTypeMsg, proto.MsgData{Room: hostWelcome.Room, Text: *text}); err != nil {
		return err
	}
	var msg proto.EventMessageData
	if err := guest.await(ctx, proto.EventMessage, &msg); err != nil {
		return err
	}
	fmt.Printf("guest got message: room=%s user=%s text=%q ts=%d\n", msg.Room, msg.User, msg.Text, msg.TS)
	return nil
}

func connect(ctx context.Context, name, addr string) (*peer, error) {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", name, err)
	}
	p := &peer{name: name, conn: conn}

	var connected proto.EventConnectedData
	if err := p.await(ctx, proto.EventConnected, &connected); err != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
		return nil, err
	}
	p.id = connected.ConnectionID
	fmt.Printf("%s connected as %s\n", name, p.id)
	return p, nil
}

func (p *peer) send(ctx context.Context, typ string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%s marshal %s: %w", p.name, typ, err)
	}
	if err := wsjson.Write(ctx, p.conn, proto.Inbound{Type: typ, Data: payload}); err != nil {
		return fmt.Errorf("%s send %s: %w", p.name, typ, err)
	}
	return nil
}

// await reads until the named event arrives. Error frames end the wait.
func (p *peer) await(ctx context.Context, event string, v any) error {
	for {
		var f frame
		if err := wsjson.Read(ctx, p.conn, &f); err != nil {
			return fmt.Errorf("%s read: %w", p.name, err)
		}
		if f.Type == proto.OutboundTypeError {
			if f.Error == nil {
				return errors.New(p.name + ": error frame without details")
			}
			return fmt.Errorf("%s: server error %s: %s", p.name, f.Error.Code, f.Error.Msg)
		}
		if f.Event != event {
			continue
		}
		if err := json.Unmarshal(f.Data, v); err != nil {
			return fmt.Errorf("%s unmarshal %s: %w", p.name, event, err)
		}
		return nil
	}
}
