package http

import (
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/vovakirdan/lobbyrelay/internal/core"
	"github.com/vovakirdan/lobbyrelay/internal/presence"
	"github.com/vovakirdan/lobbyrelay/internal/proto"
)

func badRequest(msg string) *proto.Error {
	return &proto.Error{Code: core.ErrCodeBadRequest, Msg: msg}
}

// decode unmarshals inbound data. Missing data decodes as an empty object.
func decode(data json.RawMessage, v any) *proto.Error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return badRequest("malformed data")
	}
	return nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.Error) {
	switch inbound.Type {
	case proto.InboundTypeJoinRoom, proto.InboundTypeJoinRandom, proto.InboundTypeCreatePrivate:
		var join proto.JoinData
		if perr := decode(inbound.Data, &join); perr != nil {
			return nil, perr
		}
		if join.MaxPlayers < 0 {
			return nil, badRequest("max_players must not be negative")
		}
		cmd := &core.Command{MaxPlayers: join.MaxPlayers}
		switch inbound.Type {
		case proto.InboundTypeJoinRoom:
			cmd.Kind = core.CommandJoinRoom
			cmd.Room = normalizeCode(join.Room)
			if cmd.Room == "" {
				return nil, badRequest("room is required")
			}
		case proto.InboundTypeJoinRandom:
			cmd.Kind = core.CommandJoinRandom
		default:
			cmd.Kind = core.CommandCreatePrivate
		}
		return cmd, nil
	case proto.InboundTypeLeaveRoom:
		var leave proto.RoomData
		if perr := decode(inbound.Data, &leave); perr != nil {
			return nil, perr
		}
		if leave.Room == "" {
			return nil, badRequest("room is required")
		}
		return &core.Command{Kind: core.CommandLeaveRoom, Room: normalizeCode(leave.Room)}, nil
	case proto.InboundTypeMsg:
		var msg proto.MsgData
		if perr := decode(inbound.Data, &msg); perr != nil {
			return nil, perr
		}
		if msg.Room == "" {
			return nil, badRequest("room is required")
		}
		return &core.Command{
			Kind: core.CommandSendRoomMessage,
			Room: normalizeCode(msg.Room),
			Message: core.Message{
				Text:      msg.Text,
				CreatedAt: time.Now(),
			},
		}, nil
	case proto.InboundTypeNatInfo:
		var nat proto.NatInfoData
		if perr := decode(inbound.Data, &nat); perr != nil {
			return nil, perr
		}
		if nat.Room == "" {
			return nil, badRequest("room is required")
		}
		if net.ParseIP(nat.PublicIP) == nil {
			return nil, badRequest("public_ip is not a valid address")
		}
		if nat.PublicPort < 1 || nat.PublicPort > 65535 {
			return nil, badRequest("public_port is out of range")
		}
		return &core.Command{
			Kind:    core.CommandNatInfo,
			Room:    normalizeCode(nat.Room),
			NatInfo: core.NatInfo{PublicIP: nat.PublicIP, PublicPort: nat.PublicPort},
		}, nil
	case proto.InboundTypeOffer, proto.InboundTypeAnswer, proto.InboundTypeIceCandidate:
		var sig proto.SignalData
		if perr := decode(inbound.Data, &sig); perr != nil {
			return nil, perr
		}
		if sig.Target == "" {
			return nil, badRequest("target is required")
		}
		if len(sig.Payload) == 0 {
			return nil, badRequest("payload is required")
		}
		kind := core.CommandOffer
		switch inbound.Type {
		case proto.InboundTypeAnswer:
			kind = core.CommandAnswer
		case proto.InboundTypeIceCandidate:
			kind = core.CommandIceCandidate
		}
		return &core.Command{
			Kind:    kind,
			Room:    normalizeCode(sig.Room),
			Target:  sig.Target,
			Payload: sig.Payload,
		}, nil
	case proto.InboundTypeRequestStun:
		return &core.Command{Kind: core.CommandRequestStun}, nil
	case proto.InboundTypeP2PFailure:
		var fail proto.RoomData
		if perr := decode(inbound.Data, &fail); perr != nil {
			return nil, perr
		}
		return &core.Command{Kind: core.CommandP2PFailure, Room: normalizeCode(fail.Room)}, nil
	default:
		return nil, &proto.Error{Code: "invalid_message", Msg: "unknown message type"}
	}
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventConnected:
		return eventOutbound(proto.EventConnected, proto.EventConnectedData{
			ConnectionID: event.ConnID,
			ClientID:     event.ClientID,
			Name:         event.User,
		})
	case core.EventUserJoined:
		return eventOutbound(proto.EventUserJoined, proto.EventUserJoinedData{
			Room:         event.Room,
			User:         event.User,
			ConnectionID: event.ConnID,
		})
	case core.EventParticipants:
		return eventOutbound(proto.EventParticipants, proto.EventParticipantsData{
			Room:         event.Room,
			Participants: participantsToProto(event.Participants),
		})
	case core.EventWelcome:
		data := proto.EventWelcomeData{Room: event.Room}
		if event.Welcome != nil {
			data.MaxPlayers = event.Welcome.MaxPlayers
			data.Private = event.Welcome.Private
			data.EntryPoint = event.Welcome.EntryPoint
		}
		return eventOutbound(proto.EventWelcome, data)
	case core.EventRoomMessage:
		return eventOutbound(proto.EventMessage, proto.EventMessageData{
			Room: event.Message.Room,
			From: event.Message.From,
			User: event.Message.User,
			Text: event.Message.Text,
			TS:   event.Message.CreatedAt.Unix(),
		})
	case core.EventUserLeft:
		return eventOutbound(proto.EventUserLeft, proto.EventUserLeftData{
			Room:         event.Room,
			User:         event.User,
			ConnectionID: event.ConnID,
		})
	case core.EventNatInfo:
		data := proto.EventNatInfoData{Room: event.Room, ConnectionID: event.ConnID}
		if event.NatInfo != nil {
			data.PublicIP = event.NatInfo.PublicIP
			data.PublicPort = event.NatInfo.PublicPort
		}
		return eventOutbound(proto.EventNatInfo, data)
	case core.EventStunServer:
		return eventOutbound(proto.EventStunServer, proto.EventServerData{Address: event.Address})
	case core.EventTurnServer:
		return eventOutbound(proto.EventTurnServer, proto.EventServerData{Room: event.Room, Address: event.Address})
	case core.EventOffer:
		return eventOutbound(proto.EventOffer, signalData(event))
	case core.EventAnswer:
		return eventOutbound(proto.EventAnswer, signalData(event))
	case core.EventIceCandidate:
		return eventOutbound(proto.EventIceCandidate, signalData(event))
	case core.EventError:
		if event.Error == nil {
			return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: "unknown", Msg: "unknown error"}}
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: event.Error.Code, Msg: event.Error.Message},
		}
	default:
		return proto.Outbound{Type: proto.OutboundTypeEvent}
	}
}

func eventOutbound(name string, data any) proto.Outbound {
	return proto.Outbound{Type: proto.OutboundTypeEvent, Event: name, Data: data}
}

func signalData(event *core.Event) proto.EventSignalData {
	return proto.EventSignalData{Room: event.Room, From: event.ConnID, Payload: event.Payload}
}

func participantsToProto(list []presence.Participant) []proto.Participant {
	out := make([]proto.Participant, 0, len(list))
	for _, p := range list {
		out = append(out, proto.Participant{
			ConnectionID: p.ConnectionID,
			Name:         p.Name,
			PublicIP:     p.PublicIP,
			PublicPort:   p.PublicPort,
		})
	}
	return out
}
