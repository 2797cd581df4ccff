package core

import (
	"encoding/json"

	"github.com/vovakirdan/lobbyrelay/internal/presence"
)

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventConnected confirms the session and the guest identity behind it.
	EventConnected EventKind = iota
	// EventUserJoined notifies room members about a new member.
	EventUserJoined
	// EventParticipants carries the full member list of a room.
	EventParticipants
	// EventWelcome tells a joiner which room it landed in and whom to call first.
	EventWelcome
	// EventRoomMessage notifies clients about a chat message in a room.
	EventRoomMessage
	// EventUserLeft notifies room members about a member leaving.
	EventUserLeft
	// EventNatInfo relays a member's public endpoint to the rest of the room.
	EventNatInfo
	EventStunServer
	EventTurnServer
	EventOffer
	EventAnswer
	EventIceCandidate
	// EventError notifies clients about a domain error.
	EventError
)

// Event is sent to clients to describe what happened in the system.
type Event struct {
	Kind         EventKind
	Room         string
	User         string // display name of the subject
	ConnID       string // connection id of the subject
	ClientID     string
	Message      Message
	Participants []presence.Participant
	Welcome      *Welcome
	NatInfo      *NatInfo
	Address      string          // STUN or TURN server
	Payload      json.RawMessage // negotiation payload, ConnID is the sender
	Error        *CoreError
}

// Welcome describes the room a client was just placed in.
type Welcome struct {
	MaxPlayers int
	Private    bool
	EntryPoint string // connection id of the latest other joiner, empty when alone
}

func errorEvent(ce *CoreError) *Event {
	return &Event{Kind: EventError, Error: ce}
}
