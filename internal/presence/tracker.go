// Package presence maps live connections to persisted clients.
package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vovakirdan/lobbyrelay/internal/store"
	"github.com/vovakirdan/lobbyrelay/internal/utils"
)

// ErrNoConnection is returned when an operation needs a connection id and got none.
var ErrNoConnection = errors.New("missing connection id")

// Participant is the public view of a room member.
type Participant struct {
	ConnectionID string
	Name         string
	PublicIP     *string
	PublicPort   *int
}

// Tracker creates, resolves and removes clients on behalf of connections.
type Tracker struct {
	clients store.ClientStore
	group   singleflight.Group
	log     *zerolog.Logger
}

// NewTracker creates a tracker backed by the given client store.
func NewTracker(clients store.ClientStore, logger *zerolog.Logger) *Tracker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Tracker{clients: clients, log: logger}
}

// EnsureExists returns the client bound to connID, creating a guest client on
// first contact. Concurrent calls for the same connection share one lookup,
// and an insert that loses a race to another process is resolved by reading
// the winner back.
func (t *Tracker) EnsureExists(ctx context.Context, connID string) (*store.Client, error) {
	if connID == "" {
		return nil, ErrNoConnection
	}

	v, err, _ := t.group.Do(connID, func() (any, error) {
		c, err := t.clients.GetClientByConnection(ctx, connID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup client: %w", err)
		}

		c = &store.Client{
			ID:           utils.NewID(),
			Name:         store.DefaultClientName,
			ConnectionID: connID,
		}
		err = t.clients.CreateClient(ctx, c)
		if errors.Is(err, store.ErrDuplicate) {
			t.log.Debug().Str("conn_id", connID).Msg("client created concurrently, reusing it")
			return t.clients.GetClientByConnection(ctx, connID)
		}
		if err != nil {
			return nil, fmt.Errorf("create client: %w", err)
		}

		t.log.Debug().Str("conn_id", connID).Str("client_id", c.ID).Msg("guest client created")
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	// Callers sharing a flight must not share the pointer.
	c := *v.(*store.Client)
	return &c, nil
}

// ResolveByConnection looks up the client without creating one.
// It returns store.ErrNotFound when the connection is unknown.
func (t *Tracker) ResolveByConnection(ctx context.Context, connID string) (*store.Client, error) {
	if connID == "" {
		return nil, fmt.Errorf("resolve client: %w", store.ErrNotFound)
	}
	return t.clients.GetClientByConnection(ctx, connID)
}

// UpdateNatInfo records the client's public endpoint. Updating a client that
// was removed concurrently is a no-op.
func (t *Tracker) UpdateNatInfo(ctx context.Context, client *store.Client, ip string, port int) error {
	client.PublicIP = &ip
	client.PublicPort = &port

	err := t.clients.UpdateClient(ctx, client)
	if errors.Is(err, store.ErrNotFound) {
		t.log.Debug().Str("client_id", client.ID).Msg("nat info for removed client ignored")
		return nil
	}
	return err
}

// Remove deletes the client record.
func (t *Tracker) Remove(ctx context.Context, clientID string) error {
	return t.clients.DeleteClient(ctx, clientID)
}

// LastJoined returns the most recent joiner of the room, or nil when the room
// has no members.
func (t *Tracker) LastJoined(ctx context.Context, code string) (*store.Client, error) {
	return t.lastJoined(ctx, code, "")
}

// EntryPoint returns the connection id a newcomer should negotiate with first:
// the latest joiner other than the newcomer itself. It is empty when the
// newcomer is alone.
func (t *Tracker) EntryPoint(ctx context.Context, code, selfID string) (string, error) {
	c, err := t.lastJoined(ctx, code, selfID)
	if err != nil || c == nil {
		return "", err
	}
	return c.ConnectionID, nil
}

// Participants lists the room members, oldest joiner first.
func (t *Tracker) Participants(ctx context.Context, code string) ([]Participant, error) {
	members, err := t.clients.ListClientsInRoom(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	out := make([]Participant, 0, len(members))
	for _, m := range members {
		out = append(out, Participant{
			ConnectionID: m.ConnectionID,
			Name:         m.DisplayName(),
			PublicIP:     m.PublicIP,
			PublicPort:   m.PublicPort,
		})
	}
	return out, nil
}

func (t *Tracker) lastJoined(ctx context.Context, code, excludeID string) (*store.Client, error) {
	c, err := t.clients.LastJoinedInRoom(ctx, code, excludeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last joined: %w", err)
	}
	return c, nil
}
