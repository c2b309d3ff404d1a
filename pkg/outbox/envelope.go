package outbox

import (
	"encoding/json"
	"time"
)

// ActorRef identifies what produced the event: an API caller, a webhook
// translation, or one of the daily sweeps.
type ActorRef struct {
	Source  string `json:"source"`
	Caller  string `json:"caller,omitempty"`
	TraceID string `json:"traceId,omitempty"`
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
