package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion is returned when a room update is based on an outdated version.
	ErrStaleVersion = errors.New("stale version")
	// ErrDuplicate is returned when an insert violates a unique constraint
	// (room code or connection id).
	ErrDuplicate = errors.New("duplicate key")
)

// DefaultClientName is assigned to clients that never reported a name.
const DefaultClientName = "Guest"

// Client represents one connected participant.
type Client struct {
	ID           string
	Name         string
	ConnectionID string // empty marks the client as inactive
	PublicIP     *string
	PublicPort   *int
	RoomID       *string
	JoinedAt     *time.Time
}

// DisplayName returns the client name, falling back to the default guest name.
func (c *Client) DisplayName() string {
	if c == nil || c.Name == "" {
		return DefaultClientName
	}
	return c.Name
}

// Room represents a matchmaking group.
type Room struct {
	ID         string
	Code       string
	MaxPlayers int
	IsPrivate  bool
	IsActive   bool
	Members    []*Client // ordered by JoinedAt
	Version    int64
	CreatedAt  time.Time
}

// HasMember reports whether the client with the given id is in the room.
func (r *Room) HasMember(clientID string) bool {
	return r.memberIndex(clientID) >= 0
}

// RemoveMember drops the client from Members and reports whether it was present.
func (r *Room) RemoveMember(clientID string) bool {
	i := r.memberIndex(clientID)
	if i < 0 {
		return false
	}
	r.Members = append(r.Members[:i], r.Members[i+1:]...)
	return true
}

func (r *Room) memberIndex(clientID string) int {
	for i, m := range r.Members {
		if m.ID == clientID {
			return i
		}
	}
	return -1
}

// ClientStore handles client persistence.
type ClientStore interface {
	// CreateClient inserts a new client. Returns ErrDuplicate when the
	// connection id is already taken.
	CreateClient(ctx context.Context, c *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, id string) (*Client, error)

	// GetClientByConnection retrieves a client by transport connection id.
	GetClientByConnection(ctx context.Context, connectionID string) (*Client, error)

	// ListClients lists all clients.
	ListClients(ctx context.Context) ([]*Client, error)

	// UpdateClient overwrites name, connection and NAT fields. Room membership
	// is owned by RoomStore and is not touched here.
	UpdateClient(ctx context.Context, c *Client) error

	// DeleteClient removes a client. Deleting a missing client is not an error.
	DeleteClient(ctx context.Context, id string) error

	// ListClientsInRoom lists the members of the room with the given code,
	// oldest joiner first.
	ListClientsInRoom(ctx context.Context, code string) ([]*Client, error)

	// LastJoinedInRoom returns the member with the latest JoinedAt, skipping
	// excludeID when it is non-empty.
	LastJoinedInRoom(ctx context.Context, code, excludeID string) (*Client, error)

	// ClearConnections empties every connection id. Used at startup since no
	// connection survives a restart.
	ClearConnections(ctx context.Context) (int64, error)

	// DeleteInactiveClients removes clients without a connection id.
	DeleteInactiveClients(ctx context.Context) (int64, error)
}

// RoomStore handles room persistence.
type RoomStore interface {
	// CreateRoom inserts a room together with its initial members.
	// Returns ErrDuplicate when the code is already taken.
	CreateRoom(ctx context.Context, r *Room) error

	// GetRoom retrieves a room with its members by ID.
	GetRoom(ctx context.Context, id string) (*Room, error)

	// GetRoomByCode retrieves a room with its members by code.
	GetRoomByCode(ctx context.Context, code string) (*Room, error)

	// GetRoomByMember retrieves the room the client currently belongs to.
	GetRoomByMember(ctx context.Context, clientID string) (*Room, error)

	// ListRooms lists all rooms.
	ListRooms(ctx context.Context) ([]*Room, error)

	// ListRoomsWithCapacity lists active rooms with the given privacy flag
	// holding fewer than maxPlayers members (and fewer than their own
	// capacity), ordered by ascending occupancy.
	ListRoomsWithCapacity(ctx context.Context, maxPlayers int, isPrivate bool) ([]*Room, error)

	// UpdateRoom persists room fields and membership. It fails with
	// ErrStaleVersion when r.Version no longer matches, and bumps r.Version on
	// success.
	UpdateRoom(ctx context.Context, r *Room) error

	// DeleteRoom removes a room. Deleting a missing room is not an error.
	DeleteRoom(ctx context.Context, id string) error

	// DeleteEmptyRooms removes rooms without members.
	DeleteEmptyRooms(ctx context.Context) (int64, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	ClientStore
	RoomStore

	// Close closes the underlying database connection.
	Close() error
}
