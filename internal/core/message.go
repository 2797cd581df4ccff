package core

import "time"

// Message is a chat message relayed to a room. It is never stored.
type Message struct {
	Room      string
	From      string // sender connection id
	User      string // sender display name
	Text      string
	CreatedAt time.Time
}

// NatInfo is a client's externally visible endpoint.
type NatInfo struct {
	PublicIP   string
	PublicPort int
}
