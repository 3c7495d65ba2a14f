package model

import "github.com/oklog/ulid/v2"

// NewDeliveryID generates a ULID string identifying one notification delivery.
// Attempts and tasks use store-assigned integer IDs; ULIDs are only used where
// a record crosses a process boundary (queued notification envelopes).
func NewDeliveryID() string {
	return ulid.Make().String()
}
