// Package event encodes domain events into outbox payloads. Only event types
// registered with the serializer can be written, so a payload on the wire
// always has a known Go type that consumers can decode it into.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	domainevent "github.com/relay/backend/internal/domain/event"
	"github.com/relay/backend/internal/domain/shared"
)

var (
	// ErrUnregisteredType is returned for event types the serializer does not know
	ErrUnregisteredType = errors.New("unregistered event type")
	// ErrTypeMismatch is returned when an event's Go type differs from the registered one
	ErrTypeMismatch = errors.New("event type registered with a different Go type")
)

// EventSerializer handles JSON serialization/deserialization of domain events
type EventSerializer struct {
	mu       sync.RWMutex
	registry map[string]reflect.Type // eventType -> Go type
}

// NewEventSerializer creates a new event serializer
func NewEventSerializer() *EventSerializer {
	return &EventSerializer{
		registry: make(map[string]reflect.Type),
	}
}

// NewDefaultSerializer returns a serializer with every event the service publishes
func NewDefaultSerializer() *EventSerializer {
	s := NewEventSerializer()
	s.Register(domainevent.EventTypeCreated, &domainevent.CreatedEvent{})
	s.Register(domainevent.EventTypeCancelled, &domainevent.CancelledEvent{})
	return s
}

// Register registers an event type. The eventType should match what
// EventType() returns on the event.
func (s *EventSerializer) Register(eventType string, eventInstance shared.DomainEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := reflect.TypeOf(eventInstance)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	s.registry[eventType] = t
}

// Serialize serializes a registered domain event to JSON bytes
func (s *EventSerializer) Serialize(event shared.DomainEvent) ([]byte, error) {
	s.mu.RLock()
	t, ok := s.registry[event.EventType()]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredType, event.EventType())
	}
	actual := reflect.TypeOf(event)
	if actual.Kind() == reflect.Ptr {
		actual = actual.Elem()
	}
	if actual != t {
		return nil, fmt.Errorf("%w: %s is %s, got %s", ErrTypeMismatch, event.EventType(), t, actual)
	}

	return json.Marshal(event)
}

// Deserialize decodes a payload into the Go type registered for eventType
func (s *EventSerializer) Deserialize(eventType string, data []byte) (shared.DomainEvent, error) {
	s.mu.RLock()
	t, ok := s.registry[eventType]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredType, eventType)
	}

	eventPtr := reflect.New(t).Interface()
	if err := json.Unmarshal(data, eventPtr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	event, ok := eventPtr.(shared.DomainEvent)
	if !ok {
		return nil, fmt.Errorf("deserialized object does not implement DomainEvent")
	}

	return event, nil
}

// IsRegistered checks if an event type is registered
func (s *EventSerializer) IsRegistered(eventType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.registry[eventType]
	return ok
}

// RegisteredTypes returns all registered event types, sorted
func (s *EventSerializer) RegisteredTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.registry))
	for t := range s.registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
