package core

import (
	"errors"

	"github.com/vovakirdan/lobbyrelay/internal/matchmaking"
)

// Error codes for domain errors.
const (
	ErrCodeRoomNotFound    = "room_not_found"
	ErrCodeRoomFull        = "room_full"
	ErrCodeAlreadyJoined   = "already_joined"
	ErrCodeNotInRoom       = "not_in_room"
	ErrCodeBadRequest      = "bad_request"
	ErrCodeTurnUnavailable = "turn_unavailable"
	ErrCodeInternal        = "internal"
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// toCoreError maps engine and store failures to caller-visible errors.
// Anything unrecognised becomes an internal error; the caller never sees the
// underlying message.
func toCoreError(err error) *CoreError {
	var ce *CoreError
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, matchmaking.ErrRoomFull):
		return coreError(ErrCodeRoomFull, "room is full")
	case errors.Is(err, matchmaking.ErrRoomNotFound):
		return coreError(ErrCodeRoomNotFound, "room not found")
	case errors.Is(err, matchmaking.ErrNotInRoom):
		return coreError(ErrCodeNotInRoom, "not in room")
	case errors.Is(err, matchmaking.ErrInvalidInput):
		return coreError(ErrCodeBadRequest, "bad request")
	default:
		return coreError(ErrCodeInternal, "internal error")
	}
}
