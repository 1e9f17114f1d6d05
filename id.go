package polybase

import (
	"github.com/google/uuid"
)

// NewID generates a UUIDv7 identifier. IDs sort by creation time, which keeps
// List ordering stable across providers.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// IsValidID checks if a string is a valid UUID
func IsValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
