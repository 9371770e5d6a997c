package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContext_Equal(t *testing.T) {
	base := MessageContext{SegmentName: "s1", Offset: 100, Timestamp: 10}

	tests := []struct {
		name  string
		other MessageContext
		want  bool
	}{
		{"identical", MessageContext{SegmentName: "s1", Offset: 100, Timestamp: 10}, true},
		{"different segment", MessageContext{SegmentName: "s2", Offset: 100, Timestamp: 10}, false},
		{"different offset", MessageContext{SegmentName: "s1", Offset: 101, Timestamp: 10}, false},
		{"different timestamp", MessageContext{SegmentName: "s1", Offset: 100, Timestamp: 11}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Equal(tt.other))
		})
	}
}

func TestMessageContext_EncodeDecode(t *testing.T) {
	in := MessageContext{SegmentName: "table__3__12__20240101T0000Z", Offset: 4711, Timestamp: 1700000000}

	data, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeContext(data)
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
}

func TestDecodeContext_Invalid(t *testing.T) {
	_, err := DecodeContext([]byte("not json"))
	assert.Error(t, err)
}

func TestUpsertEvent_EncodeDecode(t *testing.T) {
	in := UpsertEvent{
		Table:   "orders",
		Key:     PrimaryKey{0xAB, 0x01},
		Context: MessageContext{SegmentName: "s1", Offset: 100, Timestamp: 10},
	}

	data, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeUpsertEvent(data)
	require.NoError(t, err)
	assert.Equal(t, in.Table, out.Table)
	assert.Equal(t, in.Key, out.Key)
	assert.True(t, in.Context.Equal(out.Context))
}

func TestUpsertEvent_Validate(t *testing.T) {
	valid := UpsertEvent{
		Table:   "orders",
		Key:     PrimaryKey{0x01},
		Context: MessageContext{SegmentName: "s1", Offset: 0, Timestamp: 1},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*UpsertEvent)
	}{
		{"empty table", func(e *UpsertEvent) { e.Table = "" }},
		{"empty key", func(e *UpsertEvent) { e.Key = nil }},
		{"oversized key", func(e *UpsertEvent) { e.Key = make(PrimaryKey, MaxKeySize+1) }},
		{"empty segment", func(e *UpsertEvent) { e.Context.SegmentName = "" }},
		{"negative offset", func(e *UpsertEvent) { e.Context.Offset = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)
			assert.Error(t, ev.Validate())
		})
	}
}

func TestSegmentUpdateEvent_RoundTrip(t *testing.T) {
	in := SegmentUpdateEvent{
		Table:        "orders",
		SegmentName:  "s1",
		TargetOffset: 100,
		Value:        150,
		Kind:         KindDelete,
	}

	data, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeSegmentUpdateEvent(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	entry := out.LogEntry()
	assert.Equal(t, UpdateLogEntry{Offset: 100, Value: 150, Kind: KindDelete}, entry)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "INSERT", KindInsert.String())
	assert.Equal(t, "DELETE", KindDelete.String())
	assert.True(t, KindInsert.Valid())
	assert.True(t, KindDelete.Valid())
	assert.False(t, EventKind(7).Valid())
}

func TestOffsetMap_Observe(t *testing.T) {
	m := NewOffsetMap()
	assert.True(t, m.Empty())

	m.Observe("in", 0, 5)
	m.Observe("in", 0, 3)
	m.Observe("in", 0, 9)
	m.Observe("in", 1, 2)

	assert.Equal(t, int64(9), m[TopicPartition{Topic: "in", Partition: 0}])
	assert.Equal(t, int64(2), m[TopicPartition{Topic: "in", Partition: 1}])
	assert.False(t, m.Empty())
}
