package model

import (
	"encoding/json"
	"fmt"
)

// EventKind selects which virtual column an update event targets
type EventKind uint8

const (
	// KindInsert records the offset at which a row becomes visible
	KindInsert EventKind = iota
	// KindDelete records the offset at which a row is superseded
	KindDelete
)

// String returns a readable name for the event kind
func (k EventKind) String() string {
	switch k {
	case KindInsert:
		return "INSERT"
	case KindDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// Valid reports whether the kind is one of the known values
func (k EventKind) Valid() bool {
	return k == KindInsert || k == KindDelete
}

// PrimaryKey uniquely identifies a logical row. Equality and hashing are
// defined over the full byte sequence.
type PrimaryKey []byte

// MapKey returns the string form used to key in-memory maps
func (k PrimaryKey) MapKey() string {
	return string(k)
}

// MessageContext describes one occurrence of a primary key: the segment that
// holds the row, the source log offset that produced it, and the ingestion
// timestamp used for conflict resolution.
type MessageContext struct {
	SegmentName string `json:"segment"`
	Offset      int64  `json:"offset"`
	Timestamp   int64  `json:"ts"`
}

// Equal reports whether two contexts match on every field
func (c MessageContext) Equal(o MessageContext) bool {
	return c.SegmentName == o.SegmentName && c.Offset == o.Offset && c.Timestamp == o.Timestamp
}

// Encode serializes the context for storage in the key-context store
func (c MessageContext) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeContext deserializes a stored key-context value
func DecodeContext(data []byte) (MessageContext, error) {
	var c MessageContext
	if err := json.Unmarshal(data, &c); err != nil {
		return MessageContext{}, fmt.Errorf("failed to decode message context: %w", err)
	}
	return c, nil
}

// UpsertEvent is one record of the coordinator input log
type UpsertEvent struct {
	Table   string         `json:"table"`
	Key     PrimaryKey     `json:"key"`
	Context MessageContext `json:"context"`
}

// Encode serializes the event for the input log
func (e UpsertEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeUpsertEvent deserializes an input log record value
func DecodeUpsertEvent(data []byte) (UpsertEvent, error) {
	var e UpsertEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return UpsertEvent{}, fmt.Errorf("failed to decode upsert event: %w", err)
	}
	return e, nil
}

// Validate checks an input event before processing
func (e UpsertEvent) Validate() error {
	if e.Table == "" {
		return fmt.Errorf("upsert event has empty table name")
	}
	if len(e.Key) == 0 {
		return fmt.Errorf("upsert event has empty primary key")
	}
	if len(e.Key) > MaxKeySize {
		return fmt.Errorf("primary key size %d exceeds maximum %d", len(e.Key), MaxKeySize)
	}
	if e.Context.SegmentName == "" {
		return fmt.Errorf("upsert event has empty segment name")
	}
	if e.Context.Offset < 0 {
		return fmt.Errorf("upsert event has negative source offset %d", e.Context.Offset)
	}
	return nil
}

// MaxKeySize bounds the primary key byte length accepted from the input log
const MaxKeySize = 1024

// SegmentUpdateEvent is one record of the coordinator output log. TargetOffset
// identifies the row inside SegmentName via the source offset that produced
// it; Value carries the supersession offset to record in the virtual column
// selected by Kind.
type SegmentUpdateEvent struct {
	Table        string    `json:"table"`
	SegmentName  string    `json:"segment"`
	TargetOffset int64     `json:"offset"`
	Value        int64     `json:"value"`
	Kind         EventKind `json:"kind"`
}

// Encode serializes the event for the output log
func (e SegmentUpdateEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeSegmentUpdateEvent deserializes an output log record value
func DecodeSegmentUpdateEvent(data []byte) (SegmentUpdateEvent, error) {
	var e SegmentUpdateEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return SegmentUpdateEvent{}, fmt.Errorf("failed to decode segment update event: %w", err)
	}
	return e, nil
}

// LogEntry projects the event into its durable update log form
func (e SegmentUpdateEvent) LogEntry() UpdateLogEntry {
	return UpdateLogEntry{Offset: e.TargetOffset, Value: e.Value, Kind: e.Kind}
}

// UpdateLogEntry is the durable per-segment record of one virtual column
// update. Offset addresses the row by its source log offset.
type UpdateLogEntry struct {
	Offset int64
	Value  int64
	Kind   EventKind
}
