package domain

import "encoding/json"

// Item is a generic input record for a batch: an id plus an opaque JSON payload.
type Item struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ItemID implements the identifiable contract of the orchestrator.
func (i Item) ItemID() string {
	return i.ID
}
