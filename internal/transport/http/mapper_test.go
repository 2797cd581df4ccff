package http

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vovakirdan/lobbyrelay/internal/core"
	"github.com/vovakirdan/lobbyrelay/internal/proto"
)

func TestOutboundFromEventPayloads(t *testing.T) {
	cases := []struct {
		name  string
		event *core.Event
		want  string
		data  any
	}{
		{
			name:  "user joined",
			event: &core.Event{Kind: core.EventUserJoined, Room: "ABC123", User: "Guest", ConnID: "c1"},
			want:  proto.EventUserJoined,
			data:  proto.EventUserJoinedData{Room: "ABC123", User: "Guest", ConnectionID: "c1"},
		},
		{
			name:  "welcome",
			event: &core.Event{Kind: core.EventWelcome, Room: "ABC123", Welcome: &core.Welcome{MaxPlayers: 4, EntryPoint: "c0"}},
			want:  proto.EventWelcome,
			data:  proto.EventWelcomeData{Room: "ABC123", MaxPlayers: 4, EntryPoint: "c0"},
		},
		{
			name: "message",
			event: &core.Event{Kind: core.EventRoomMessage, Message: core.Message{
				Room: "ABC123", From: "c1", User: "Guest", Text: "hi", CreatedAt: time.Unix(100, 0),
			}},
			want: proto.EventMessage,
			data: proto.EventMessageData{Room: "ABC123", From: "c1", User: "Guest", Text: "hi", TS: 100},
		},
		{
			name:  "nat info",
			event: &core.Event{Kind: core.EventNatInfo, Room: "ABC123", ConnID: "c1", NatInfo: &core.NatInfo{PublicIP: "1.2.3.4", PublicPort: 5000}},
			want:  proto.EventNatInfo,
			data:  proto.EventNatInfoData{Room: "ABC123", ConnectionID: "c1", PublicIP: "1.2.3.4", PublicPort: 5000},
		},
		{
			name:  "answer",
			event: &core.Event{Kind: core.EventAnswer, Room: "ABC123", ConnID: "c1", Payload: json.RawMessage(`{"sdp":"x"}`)},
			want:  proto.EventAnswer,
			data:  proto.EventSignalData{Room: "ABC123", From: "c1", Payload: json.RawMessage(`{"sdp":"x"}`)},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := outboundFromEvent(tc.event)
			if out.Type != proto.OutboundTypeEvent || out.Event != tc.want {
				t.Fatalf("unexpected envelope: %+v", out)
			}
			got, _ := json.Marshal(out.Data)
			want, _ := json.Marshal(tc.data)
			if string(got) != string(want) {
				t.Fatalf("payload mismatch:\n got %s\nwant %s", got, want)
			}
		})
	}
}

func TestOutboundFromErrorEvent(t *testing.T) {
	out := outboundFromEvent(&core.Event{Kind: core.EventError, Error: &core.CoreError{Code: core.ErrCodeRoomFull, Message: "room is full"}})
	if out.Type != proto.OutboundTypeError || out.Error == nil || out.Error.Code != core.ErrCodeRoomFull {
		t.Fatalf("unexpected error envelope: %+v", out)
	}
}
