package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	InboundTypeJoinRoom      = "join_room"
	InboundTypeJoinRandom    = "join_random"
	InboundTypeCreatePrivate = "create_private"
	InboundTypeLeaveRoom     = "leave_room"
	InboundTypeMsg           = "msg"
	InboundTypeNatInfo       = "nat_info"
	InboundTypeOffer         = "offer"
	InboundTypeAnswer        = "answer"
	InboundTypeIceCandidate  = "ice_candidate"
	InboundTypeRequestStun   = "request_stun"
	InboundTypeP2PFailure    = "p2p_failure"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"
)

// Outbound event names.
const (
	EventConnected    = "connected"
	EventUserJoined   = "user_joined"
	EventParticipants = "participants"
	EventWelcome      = "welcome"
	EventMessage      = "message"
	EventUserLeft     = "user_left"
	EventNatInfo      = "nat_info"
	EventStunServer   = "stun_server"
	EventTurnServer   = "turn_server"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventIceCandidate = "ice_candidate"
)

// JoinData requests a room. Room is ignored by join_random and create_private.
// MaxPlayers 0 selects the server default.
type JoinData struct {
	Room       string `json:"room"`
	MaxPlayers int    `json:"max_players,omitempty"`
}

// RoomData names a room, as in leave_room and p2p_failure.
type RoomData struct {
	Room string `json:"room"`
}

// MsgData is a chat message from the client.
type MsgData struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

// NatInfoData reports the sender's public endpoint to its room.
type NatInfoData struct {
	Room       string `json:"room"`
	PublicIP   string `json:"public_ip"`
	PublicPort int    `json:"public_port"`
}

// SignalData carries an offer, answer or ICE candidate for one peer.
type SignalData struct {
	Room    string          `json:"room"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// EventConnectedData confirms the session.
type EventConnectedData struct {
	ConnectionID string `json:"connection_id"`
	ClientID     string `json:"client_id"`
	Name         string `json:"name"`
}

// EventUserJoinedData notifies that a user joined a room.
type EventUserJoinedData struct {
	Room         string `json:"room"`
	User         string `json:"user"`
	ConnectionID string `json:"connection_id"`
}

// EventUserLeftData notifies that a user left a room.
type EventUserLeftData struct {
	Room         string `json:"room"`
	User         string `json:"user"`
	ConnectionID string `json:"connection_id"`
}

// Participant is one entry of a participant list.
type Participant struct {
	ConnectionID string  `json:"connection_id"`
	Name         string  `json:"name"`
	PublicIP     *string `json:"public_ip"`
	PublicPort   *int    `json:"public_port"`
}

// EventParticipantsData carries the full member list of a room.
type EventParticipantsData struct {
	Room         string        `json:"room"`
	Participants []Participant `json:"participants"`
}

// EventWelcomeData tells a joiner where it landed and whom to negotiate with first.
type EventWelcomeData struct {
	Room       string `json:"room"`
	MaxPlayers int    `json:"max_players"`
	Private    bool   `json:"private"`
	EntryPoint string `json:"entry_point,omitempty"`
}

// EventMessageData is a chat message relayed to a room.
type EventMessageData struct {
	Room string `json:"room"`
	From string `json:"from"`
	User string `json:"user"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

// EventNatInfoData relays a peer's public endpoint.
type EventNatInfoData struct {
	Room         string `json:"room"`
	ConnectionID string `json:"connection_id"`
	PublicIP     string `json:"public_ip"`
	PublicPort   int    `json:"public_port"`
}

// EventServerData carries a STUN or TURN address.
type EventServerData struct {
	Room    string `json:"room,omitempty"`
	Address string `json:"address"`
}

// EventSignalData is an offer, answer or ICE candidate from another peer.
type EventSignalData struct {
	Room    string          `json:"room"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
