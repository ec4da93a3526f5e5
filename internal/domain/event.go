package domain

import (
	"fmt"
	"time"
)

// Event is the canonical unit of work flowing through the reactor.
// IDs are monotonic within a source; sources are independent id spaces.
type Event struct {
	SourceID   string    `json:"source_id"`
	ID         uint64    `json:"id"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Key identifies an event globally.
type Key struct {
	SourceID string `json:"source_id"`
	ID       uint64 `json:"id"`
}

func (e Event) Key() Key {
	return Key{SourceID: e.SourceID, ID: e.ID}
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.SourceID, k.ID)
}
