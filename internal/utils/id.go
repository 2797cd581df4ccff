package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUID string used for client and room identifiers.
func NewID() string {
	return uuid.NewString()
}

// NewConnectionID returns a compact random identifier for a transport connection.
func NewConnectionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
