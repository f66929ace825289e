package util

import "github.com/google/uuid"

// NewID returns a random identifier used for courier senders, peer lines and
// proxied connections.
func NewID() string {
	return uuid.NewString()
}
