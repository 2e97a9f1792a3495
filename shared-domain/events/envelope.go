package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is stamped on every envelope produced by this build.
const CurrentVersion = 1

const (
	HeaderCorrelationID = "x-correlation-id"
	HeaderEventVersion  = "x-event-version"
	HeaderAggregateID   = "x-aggregate-id"
	HeaderEventType     = "x-event-type"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMalformed        = errors.New("malformed event envelope")
)

type Metadata struct {
	EventID       string    `json:"eventId"`
	EventType     Type      `json:"eventType"`
	EventVersion  int       `json:"eventVersion"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId"`
	CausationID   string    `json:"causationId,omitempty"`
	Source        string    `json:"source"`
}

type Envelope struct {
	Metadata Metadata `json:"metadata"`
	Payload  Payload  `json:"payload"`
}

// New starts a causation chain. An empty correlationID is replaced by the
// new event id.
func New(source, correlationID string, payload Payload) Envelope {
	id := uuid.NewString()
	if correlationID == "" {
		correlationID = id
	}
	return Envelope{
		Metadata: Metadata{
			EventID:       id,
			EventType:     payload.EventType(),
			EventVersion:  CurrentVersion,
			Timestamp:     time.Now().UTC(),
			CorrelationID: correlationID,
			Source:        source,
		},
		Payload: payload,
	}
}

// Caused derives an event triggered by e: same correlation id, causation set
// to e's event id.
func (e Envelope) Caused(source string, payload Payload) Envelope {
	next := New(source, e.Metadata.CorrelationID, payload)
	next.Metadata.CausationID = e.Metadata.EventID
	return next
}

func (e Envelope) Type() Type { return e.Metadata.EventType }

func (e Envelope) ID() string { return e.Metadata.EventID }

func (e Envelope) Marshal() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrMalformed)
	}
	if e.Payload.EventType() != e.Metadata.EventType {
		return nil, fmt.Errorf("%w: metadata type %s, payload type %s",
			ErrMalformed, e.Metadata.EventType, e.Payload.EventType())
	}
	return json.Marshal(e)
}

type rawEnvelope struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// Decode parses a wire envelope into its concrete payload variant.
func Decode(data []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Metadata.EventID == "" || raw.Metadata.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: missing event id or type", ErrMalformed)
	}
	if raw.Metadata.EventVersion < 1 {
		return Envelope{}, fmt.Errorf("%w: event version %d", ErrMalformed, raw.Metadata.EventVersion)
	}
	if len(raw.Payload) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	payload, err := decodePayload(raw.Metadata.EventType, raw.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Metadata: raw.Metadata, Payload: payload}, nil
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}
