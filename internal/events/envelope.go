package events

import (
	"encoding/json"
	"time"
)

// Envelope is an event with its bus-assigned id and publish time.
type Envelope struct {
	ID        uint64
	Timestamp time.Time
	Event     Event
}

type envelopeJSON struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      Kind      `json:"type"`
	Data      Event     `json:"data"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	var kind Kind
	if e.Event != nil {
		kind = e.Event.Kind()
	}
	return json.Marshal(envelopeJSON{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC(),
		Type:      kind,
		Data:      e.Event,
	})
}
