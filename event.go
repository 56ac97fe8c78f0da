package xgate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind is the gateway's delivery-status taxonomy.
type EventKind string

const (
	EventAcknowledged   EventKind = "acknowledged"
	EventDeliveryReport EventKind = "delivery-report"
	EventFailure        EventKind = "failure"
)

// Event reports what a transport learned about an outbound message.
type Event struct {
	ID        string    `json:"event_id"`
	Kind      EventKind `json:"event_type"`
	MessageID string    `json:"user_message_id"`
	Status    string    `json:"status,omitempty"`
	Transport string    `json:"transport_name,omitempty"`
	RawType   string    `json:"raw_type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event for messageID.
func NewEvent(kind EventKind, messageID, status string) (*Event, error) {
	e := &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		MessageID: messageID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Event) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	case e.MessageID == "":
		return fmt.Errorf("%w: missing message reference", ErrInvalidEvent)
	case e.Kind == "" && e.RawType != "":
		// raw carrier event, kind is set by EventMapper.Normalize
		return nil
	case e.Kind != EventAcknowledged && e.Kind != EventDeliveryReport && e.Kind != EventFailure:
		return fmt.Errorf("%w: kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// EventMapping translates one carrier's raw event vocabulary. Keys are either
// "type" or "type/status", e.g. "ack" or "delivery_report/delivered".
type EventMapping map[string]EventKind

// DefaultEventMapping is used by transports that do not declare their own.
var DefaultEventMapping = EventMapping{
	"ack":                       EventAcknowledged,
	"nack":                      EventFailure,
	"delivery_report":           EventDeliveryReport,
	"delivery_report/delivered": EventDeliveryReport,
	"delivery_report/failed":    EventFailure,
	"delivery_report/pending":   EventAcknowledged,
}

// EventMapper normalizes raw transport events into EventKind per transport.
type EventMapper struct {
	mu         sync.RWMutex
	transports map[string]EventMapping
	fallback   EventMapping
}

func NewEventMapper() *EventMapper {
	return &EventMapper{
		transports: make(map[string]EventMapping),
		fallback:   DefaultEventMapping,
	}
}

// Register sets the mapping for a transport, replacing any previous one.
func (m *EventMapper) Register(transport string, mapping EventMapping) {
	m.mu.Lock()
	m.transports[transport] = mapping
	m.mu.Unlock()
}

// Resolve maps a raw type and status reported by transport.
func (m *EventMapper) Resolve(transport, rawType, status string) (EventKind, bool) {
	rawType = strings.ToLower(rawType)
	status = strings.ToLower(status)

	m.mu.RLock()
	tm := m.transports[transport]
	m.mu.RUnlock()

	for _, table := range []EventMapping{tm, m.fallback} {
		if table == nil {
			continue
		}
		if status != "" {
			if k, ok := table[rawType+"/"+status]; ok {
				return k, true
			}
		}
		if k, ok := table[rawType]; ok {
			return k, true
		}
	}
	return "", false
}

// Normalize fills e.Kind from e.RawType/e.Status when a raw type is present.
// Events that already carry a known kind and no raw type pass through.
func (m *EventMapper) Normalize(e *Event) (*Event, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	out := *e
	if out.RawType != "" {
		k, ok := m.Resolve(out.Transport, out.RawType, out.Status)
		if !ok {
			return nil, fmt.Errorf("%w: unmapped raw type %q from %q", ErrInvalidEvent, out.RawType, out.Transport)
		}
		out.Kind = k
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}
