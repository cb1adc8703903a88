package vbm

import "github.com/google/uuid"

// NewOwnerID returns a random owner token for producers that do not have a natural identifier
// for the geometry they submit
func NewOwnerID() string {
	return uuid.NewString()
}
