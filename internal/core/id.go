package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a random UUIDv4 string. Falls back to a timestamp string if
// the random source fails.
func NewID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%d", time.Now().UTC().UnixNano())
	}
	return id.String()
}
