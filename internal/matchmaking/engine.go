// Package matchmaking places clients into rooms while keeping room capacity
// and room codes consistent under concurrent joins.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/lobbyrelay/internal/metrics"
	"github.com/vovakirdan/lobbyrelay/internal/store"
	"github.com/vovakirdan/lobbyrelay/internal/utils"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrNotInRoom    = errors.New("client is not in the room")
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultJoinRetries bounds the read-check-write loop when no value is configured.
const DefaultJoinRetries = 3

// CodeLength is the number of characters in a room code.
const CodeLength = 6

// Join modes used for metrics labels.
const (
	modeCode    = "code"
	modeRandom  = "random"
	modePrivate = "private"
)

// Engine assigns clients to rooms.
type Engine struct {
	rooms   store.RoomStore
	retries int
	now     func() time.Time
	log     *zerolog.Logger
	metrics *metrics.Metrics
}

// NewEngine creates an engine on top of the given room store.
// m may be nil.
func NewEngine(rooms store.RoomStore, retries int, logger *zerolog.Logger, m *metrics.Metrics) *Engine {
	if retries <= 0 {
		retries = DefaultJoinRetries
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Engine{
		rooms:   rooms,
		retries: retries,
		now:     time.Now,
		log:     logger,
		metrics: m,
	}
}

// NewRoomCode derives a six character uppercase code from a random UUID.
// Uniqueness is enforced by the store, not checked here.
func NewRoomCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:CodeLength])
}

// JoinByCode adds the client to the room with the given code.
func (e *Engine) JoinByCode(ctx context.Context, code string, client *store.Client, maxRoomSize int) (*store.Room, error) {
	if err := validate(client, maxRoomSize); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("%w: empty room code", ErrInvalidInput)
	}

	room, err := e.join(ctx, client, maxRoomSize, time.Time{}, ErrRoomNotFound, func(ctx context.Context) (*store.Room, error) {
		return e.rooms.GetRoomByCode(ctx, code)
	})
	e.metrics.RoomJoin(modeCode, joinResult(err))
	return room, err
}

// AssignRandom places the client in the fullest public room that still has
// space, or creates a new public room when there is none. Losing the race for
// the chosen room returns ErrRoomFull; no fallback room is created.
func (e *Engine) AssignRandom(ctx context.Context, client *store.Client, maxRoomSize int) (*store.Room, error) {
	if err := validate(client, maxRoomSize); err != nil {
		return nil, err
	}

	candidates, err := e.rooms.ListRoomsWithCapacity(ctx, maxRoomSize, false)
	if err != nil {
		e.metrics.RoomJoin(modeRandom, metrics.JoinError)
		return nil, fmt.Errorf("list rooms with capacity: %w", err)
	}

	if len(candidates) == 0 {
		room, err := e.createRoom(ctx, client, maxRoomSize, false)
		e.metrics.RoomJoin(modeRandom, joinResult(err))
		return room, err
	}

	// Candidates come in ascending occupancy; the fullest one wins.
	target := candidates[len(candidates)-1]
	room, err := e.join(ctx, client, maxRoomSize, time.Time{}, ErrRoomFull, func(ctx context.Context) (*store.Room, error) {
		return e.rooms.GetRoom(ctx, target.ID)
	})
	e.metrics.RoomJoin(modeRandom, joinResult(err))
	return room, err
}

// CreatePrivate opens a new private room with the client as its only member.
func (e *Engine) CreatePrivate(ctx context.Context, client *store.Client, maxRoomSize int) (*store.Room, error) {
	if err := validate(client, maxRoomSize); err != nil {
		return nil, err
	}

	room, err := e.createRoom(ctx, client, maxRoomSize, true)
	e.metrics.RoomJoin(modePrivate, joinResult(err))
	return room, err
}

// Restore puts the client back into a room it has just left, keeping its
// original join time so the member order is unchanged. It fails with
// ErrRoomFull when the freed slot was taken in the meantime.
func (e *Engine) Restore(ctx context.Context, code string, client *store.Client, joinedAt time.Time) (*store.Room, error) {
	if client == nil || client.ID == "" {
		return nil, fmt.Errorf("%w: missing client", ErrInvalidInput)
	}

	return e.join(ctx, client, math.MaxInt, joinedAt, ErrRoomNotFound, func(ctx context.Context) (*store.Room, error) {
		return e.rooms.GetRoomByCode(ctx, code)
	})
}

// Leave removes the client from the room with the given code.
func (e *Engine) Leave(ctx context.Context, code string, client *store.Client) (*store.Room, error) {
	if client == nil || client.ID == "" {
		return nil, fmt.Errorf("%w: missing client", ErrInvalidInput)
	}

	return e.remove(ctx, client, func(ctx context.Context) (*store.Room, error) {
		return e.rooms.GetRoomByCode(ctx, code)
	})
}

// LeaveCurrent removes the client from whatever room it is in. It returns a
// nil room when the client was not in any room.
func (e *Engine) LeaveCurrent(ctx context.Context, client *store.Client) (*store.Room, error) {
	if client == nil || client.ID == "" {
		return nil, fmt.Errorf("%w: missing client", ErrInvalidInput)
	}

	room, err := e.remove(ctx, client, func(ctx context.Context) (*store.Room, error) {
		return e.rooms.GetRoomByMember(ctx, client.ID)
	})
	if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrNotInRoom) {
		return nil, nil
	}
	return room, err
}

// CurrentRoom returns the room the client belongs to, or nil when it is in none.
func (e *Engine) CurrentRoom(ctx context.Context, client *store.Client) (*store.Room, error) {
	if client == nil || client.ID == "" {
		return nil, fmt.Errorf("%w: missing client", ErrInvalidInput)
	}

	room, err := e.rooms.GetRoomByMember(ctx, client.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current room: %w", err)
	}
	return room, nil
}

func (e *Engine) join(
	ctx context.Context,
	client *store.Client,
	maxRoomSize int,
	at time.Time,
	missing error,
	load func(context.Context) (*store.Room, error),
) (*store.Room, error) {
	for attempt := 1; attempt <= e.retries; attempt++ {
		room, err := load(ctx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, missing
			}
			return nil, fmt.Errorf("load room: %w", err)
		}

		if room.HasMember(client.ID) {
			return room, nil
		}
		if !hasCapacity(room, maxRoomSize) {
			return nil, ErrRoomFull
		}

		joinedAt := at
		if joinedAt.IsZero() {
			joinedAt = e.now().UTC()
		}
		client.JoinedAt = &joinedAt
		room.Members = append(room.Members, client)
		room.IsActive = true

		err = e.rooms.UpdateRoom(ctx, room)
		if errors.Is(err, store.ErrStaleVersion) {
			e.metrics.VersionConflict()
			e.log.Debug().
				Str("room", room.Code).
				Str("client_id", client.ID).
				Int("attempt", attempt).
				Msg("room changed during join, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update room: %w", err)
		}

		e.log.Info().
			Str("room", room.Code).
			Str("client_id", client.ID).
			Int("members", len(room.Members)).
			Msg("client joined room")
		return room, nil
	}

	client.JoinedAt = nil
	return nil, ErrRoomFull
}

func (e *Engine) remove(ctx context.Context, client *store.Client, load func(context.Context) (*store.Room, error)) (*store.Room, error) {
	for attempt := 1; attempt <= e.retries; attempt++ {
		room, err := load(ctx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrRoomNotFound
			}
			return nil, fmt.Errorf("load room: %w", err)
		}

		if !room.RemoveMember(client.ID) {
			return nil, ErrNotInRoom
		}
		room.IsActive = len(room.Members) > 0

		err = e.rooms.UpdateRoom(ctx, room)
		if errors.Is(err, store.ErrStaleVersion) {
			e.metrics.VersionConflict()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update room: %w", err)
		}

		client.RoomID = nil
		client.JoinedAt = nil
		e.log.Info().
			Str("room", room.Code).
			Str("client_id", client.ID).
			Int("members", len(room.Members)).
			Msg("client left room")
		return room, nil
	}

	return nil, fmt.Errorf("leave room: %w", store.ErrStaleVersion)
}

func (e *Engine) createRoom(ctx context.Context, client *store.Client, maxRoomSize int, private bool) (*store.Room, error) {
	now := e.now().UTC()
	client.JoinedAt = &now

	room := &store.Room{
		ID:         utils.NewID(),
		Code:       NewRoomCode(),
		MaxPlayers: maxRoomSize,
		IsPrivate:  private,
		IsActive:   true,
		Members:    []*store.Client{client},
		CreatedAt:  now,
	}
	if err := e.rooms.CreateRoom(ctx, room); err != nil {
		client.JoinedAt = nil
		return nil, fmt.Errorf("create room: %w", err)
	}

	e.metrics.RoomCreated(private)
	e.log.Info().
		Str("room", room.Code).
		Str("client_id", client.ID).
		Bool("private", private).
		Int("max_players", maxRoomSize).
		Msg("room created")
	return room, nil
}

func hasCapacity(room *store.Room, maxRoomSize int) bool {
	n := len(room.Members)
	return n < maxRoomSize && n < room.MaxPlayers
}

func validate(client *store.Client, maxRoomSize int) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("%w: missing client", ErrInvalidInput)
	}
	if maxRoomSize < 1 {
		return fmt.Errorf("%w: room size must be positive", ErrInvalidInput)
	}
	return nil
}

func joinResult(err error) string {
	switch {
	case err == nil:
		return metrics.JoinOK
	case errors.Is(err, ErrRoomFull):
		return metrics.JoinFull
	case errors.Is(err, ErrRoomNotFound):
		return metrics.JoinNotFound
	default:
		return metrics.JoinError
	}
}
