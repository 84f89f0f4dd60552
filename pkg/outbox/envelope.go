package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActorRef identifies who produced the event. Anonymous shoppers carry only a
// session id; sweepers carry the "system" role.
type ActorRef struct {
	UserID    *uuid.UUID `json:"userId,omitempty"`
	SessionID *uuid.UUID `json:"sessionId,omitempty"`
	Role      string     `json:"role,omitempty"`
}

// SystemActor is used for events raised by background jobs and gateway signals.
var SystemActor = &ActorRef{Role: "system"}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
