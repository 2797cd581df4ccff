package core

import "encoding/json"

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandJoinRoom joins the room with the given code.
	CommandJoinRoom CommandKind = iota
	// CommandJoinRandom joins the fullest public room or opens a new one.
	CommandJoinRandom
	// CommandCreatePrivate opens a new private room.
	CommandCreatePrivate
	// CommandLeaveRoom leaves the room with the given code.
	CommandLeaveRoom
	// CommandSendRoomMessage delivers a chat message to room participants.
	CommandSendRoomMessage
	// CommandNatInfo reports the client's public endpoint to its room.
	CommandNatInfo
	// CommandOffer relays a session offer to the target connection.
	CommandOffer
	// CommandAnswer relays the reply to an offer.
	CommandAnswer
	// CommandIceCandidate relays one ICE candidate to the target connection.
	CommandIceCandidate
	// CommandRequestStun asks for the configured STUN server.
	CommandRequestStun
	// CommandP2PFailure reports a failed direct link; the reply carries the TURN server.
	CommandP2PFailure
	// CommandDisconnect ends the session. The transport sends it when the socket closes.
	CommandDisconnect
)

var commandNames = map[CommandKind]string{
	CommandJoinRoom:        "join_room",
	CommandJoinRandom:      "join_random",
	CommandCreatePrivate:   "create_private",
	CommandLeaveRoom:       "leave_room",
	CommandSendRoomMessage: "msg",
	CommandNatInfo:         "nat_info",
	CommandOffer:           "offer",
	CommandAnswer:          "answer",
	CommandIceCandidate:    "ice_candidate",
	CommandRequestStun:     "request_stun",
	CommandP2PFailure:      "p2p_failure",
	CommandDisconnect:      "disconnect",
}

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return "unknown"
}

// Command represents an action requested by a client.
type Command struct {
	Kind       CommandKind
	Room       string
	MaxPlayers int
	Message    Message
	NatInfo    NatInfo
	Target     string          // destination connection for offer/answer/candidate
	Payload    json.RawMessage // opaque negotiation payload
}
