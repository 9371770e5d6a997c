package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/upsertd/internal/errors"
)

func TestBuildOffsetIndex_LookupEveryRow(t *testing.T) {
	offsets := LongSliceReader{100, 102, 105, 101, 110}

	idx, err := BuildOffsetIndex("s1", offsets, len(offsets))
	require.NoError(t, err)
	assert.Equal(t, int64(100), idx.MinOffset())
	assert.Equal(t, 11, idx.Len())

	// Every row resolves back to its own docId
	for docID, offset := range offsets {
		got, err := idx.DocIDOf(offset)
		require.NoError(t, err)
		assert.Equal(t, docID, got)
	}
}

func TestOffsetIndex_DocIDOf_Errors(t *testing.T) {
	idx, err := BuildOffsetIndex("s1", LongSliceReader{100, 102, 105}, 3)
	require.NoError(t, err)

	tests := []struct {
		name   string
		offset int64
		code   errors.ErrorCode
	}{
		{"below range", 99, errors.ErrCodeOffsetOutOfRange},
		{"above range", 106, errors.ErrCodeOffsetOutOfRange},
		{"far above range", 100000, errors.ErrCodeOffsetOutOfRange},
		{"hole in range", 101, errors.ErrCodeDocNotFound},
		{"another hole", 104, errors.ErrCodeDocNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := idx.DocIDOf(tt.offset)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestBuildOffsetIndex_RejectsDuplicateOffsets(t *testing.T) {
	_, err := BuildOffsetIndex("s1", LongSliceReader{100, 101, 100}, 3)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfig))
}

func TestBuildOffsetIndex_RejectsNegativeOffsets(t *testing.T) {
	_, err := BuildOffsetIndex("s1", LongSliceReader{100, -1}, 2)
	assert.Error(t, err)
}

func TestBuildOffsetIndex_RejectsEmptySegment(t *testing.T) {
	_, err := BuildOffsetIndex("s1", LongSliceReader{}, 0)
	assert.Error(t, err)
}

func TestOffsetIndex_SingleRow(t *testing.T) {
	idx, err := BuildOffsetIndex("s1", LongSliceReader{7}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())

	docID, err := idx.DocIDOf(7)
	require.NoError(t, err)
	assert.Equal(t, 0, docID)
}
