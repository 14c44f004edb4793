// Package changefeed carries "something changed, re-query" hints from the
// engine to viewers. Events are best-effort; subscribers must treat the
// store as the only source of truth.
package changefeed

import (
	"context"
	"encoding/json"
	"time"
)

// Event tells one party that a request it is involved in changed status.
type Event struct {
	PartyID   string    `json:"party_id"`
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// Feed publishes events and fans them out to per-party subscribers.
type Feed interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel of events for partyID and a cancel func that
	// must be called to release the subscription.
	Subscribe(ctx context.Context, partyID string) (<-chan Event, func())
	Close() error
}

func encodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(b []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(b, &ev)
	return ev, err
}
