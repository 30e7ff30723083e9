package shared

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// MaxLastErrorLength is the number of characters of a delivery failure kept on a record
	MaxLastErrorLength = 1000
	// UnknownAggregateType is used when the event type carries no domain prefix
	UnknownAggregateType = "Unknown"
)

// OutboxRecord is an event persisted in the same transaction as the business
// change it announces, waiting for delivery to the broker.
//
// A record is pending while ProcessedAt is nil. ProcessedAt is set at most
// once and RetryCount only ever grows. A pending record whose RetryCount has
// reached the configured maximum is parked: it is no longer claimed and
// stays in the table until an operator requeues or discards it.
type OutboxRecord struct {
	ID            uuid.UUID
	AggregateID   uuid.UUID
	AggregateType string
	EventType     string
	Payload       []byte
	TenantID      *uuid.UUID
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     string
}

// NewOutboxRecord creates a pending record for an already serialized event
func NewOutboxRecord(eventType string, aggregateID uuid.UUID, payload []byte) *OutboxRecord {
	return &OutboxRecord{
		ID:            uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: DeriveAggregateType(eventType),
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

// DeriveAggregateType returns the text before the first '.' of eventType with
// its first letter upper-cased. "order.created" yields "Order".
func DeriveAggregateType(eventType string) string {
	prefix, _, _ := strings.Cut(strings.TrimSpace(eventType), ".")
	if prefix == "" {
		return UnknownAggregateType
	}
	first, size := utf8.DecodeRuneInString(prefix)
	return cases.Upper(language.Und).String(string(first)) + prefix[size:]
}

// TruncateError limits a failure message to MaxLastErrorLength characters.
// Invalid UTF-8 is replaced with U+FFFD and NUL bytes are dropped, since text
// columns reject both.
func TruncateError(msg string) string {
	msg = strings.ReplaceAll(strings.ToValidUTF8(msg, "\uFFFD"), "\x00", "")
	if utf8.RuneCountInString(msg) <= MaxLastErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxLastErrorLength])
}

// IsPending returns true until the record has been delivered
func (r *OutboxRecord) IsPending() bool {
	return r.ProcessedAt == nil
}

// IsParked returns true if delivery was given up after maxRetries failures
func (r *OutboxRecord) IsParked(maxRetries int) bool {
	return r.IsPending() && r.RetryCount >= maxRetries
}

// IsClaimable returns true if a dispatcher may still attempt delivery
func (r *OutboxRecord) IsClaimable(maxRetries int) bool {
	return r.IsPending() && r.RetryCount < maxRetries
}

// MarkProcessed records a successful delivery. A record is processed once;
// later calls fail with ErrInvalidState. Times before CreatedAt are clamped.
func (r *OutboxRecord) MarkProcessed(at time.Time) error {
	if r.ProcessedAt != nil {
		return ErrInvalidState
	}
	at = at.UTC()
	if at.Before(r.CreatedAt) {
		at = r.CreatedAt
	}
	r.ProcessedAt = &at
	return nil
}

// RecordFailure counts a failed delivery attempt
func (r *OutboxRecord) RecordFailure(cause string) {
	r.RetryCount++
	r.LastError = TruncateError(cause)
}

// Requeue returns a fresh pending copy of a parked record with a new ID and
// a zero retry count. The original is left untouched and must be removed by
// the caller in the same transaction.
func (r *OutboxRecord) Requeue(maxRetries int) (*OutboxRecord, error) {
	if !r.IsParked(maxRetries) {
		return nil, ErrInvalidState
	}
	payload := make([]byte, len(r.Payload))
	copy(payload, r.Payload)
	return &OutboxRecord{
		ID:            uuid.New(),
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		EventType:     r.EventType,
		Payload:       payload,
		TenantID:      r.TenantID,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// OutboxStats summarises the outbox table
type OutboxStats struct {
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	Parked    int64 `json:"parked"`
}
