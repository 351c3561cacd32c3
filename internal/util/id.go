package util

import "github.com/google/uuid"

// NewID returns a time-ordered id for toasts and generated request ids.
// Ids minted later sort after earlier ones.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
