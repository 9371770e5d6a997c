package segment

import (
	"fmt"
	"math"

	"github.com/fieldline/upsertd/internal/errors"
)

// OffsetIndex is the dense mapping from source log offset to local docId
// within one sealed segment. Source offsets are near-dense per segment, so a
// flat array beats a hash map on both memory and cache locality; each hole
// costs one int32. Built once at open, read-only afterwards.
type OffsetIndex struct {
	segment   string
	minOffset int64
	docIDs    []int32
}

// BuildOffsetIndex scans the segment's offset column once and constructs the
// index. Fails if two rows carry the same source offset or if the offset
// span does not fit an int32-addressed array.
func BuildOffsetIndex(segmentName string, reader LongColumnReader, totalDocs int) (*OffsetIndex, error) {
	if totalDocs <= 0 {
		return nil, errors.ConfigError(
			fmt.Sprintf("segment %s has no rows to index", segmentName), nil)
	}

	offsets := make([]int64, totalDocs)
	minOffset := int64(math.MaxInt64)
	maxOffset := int64(0)
	for docID := 0; docID < totalDocs; docID++ {
		offset := reader.ReadLong(docID)
		if offset < 0 {
			return nil, errors.ConfigError(
				fmt.Sprintf("segment %s has negative source offset %d at docId %d",
					segmentName, offset, docID), nil)
		}
		offsets[docID] = offset
		if offset < minOffset {
			minOffset = offset
		}
		if offset > maxOffset {
			maxOffset = offset
		}
	}

	span := maxOffset - minOffset + 1
	if span > math.MaxInt32 {
		return nil, errors.ConfigError(
			fmt.Sprintf("segment %s offset span %d exceeds index capacity", segmentName, span), nil)
	}

	docIDs := make([]int32, span)
	for i := range docIDs {
		docIDs[i] = -1
	}
	for docID, offset := range offsets {
		slot := offset - minOffset
		if docIDs[slot] != -1 {
			return nil, errors.ConfigError(
				fmt.Sprintf("segment %s has duplicate source offset %d at docIds %d and %d",
					segmentName, offset, docIDs[slot], docID), nil)
		}
		docIDs[slot] = int32(docID)
	}

	return &OffsetIndex{
		segment:   segmentName,
		minOffset: minOffset,
		docIDs:    docIDs,
	}, nil
}

// DocIDOf returns the docId of the row produced by the given source offset
func (idx *OffsetIndex) DocIDOf(offset int64) (int, error) {
	if offset < idx.minOffset || offset-idx.minOffset >= int64(len(idx.docIDs)) {
		return 0, errors.OffsetOutOfRange(idx.segment, offset, idx.minOffset, len(idx.docIDs))
	}
	docID := idx.docIDs[offset-idx.minOffset]
	if docID == -1 {
		return 0, errors.DocNotFound(idx.segment, offset)
	}
	return int(docID), nil
}

// MinOffset returns the lowest source offset present in the segment
func (idx *OffsetIndex) MinOffset() int64 {
	return idx.minOffset
}

// Len returns the size of the dense array including holes
func (idx *OffsetIndex) Len() int {
	return len(idx.docIDs)
}

// each iterates populated slots in offset order
func (idx *OffsetIndex) each(fn func(offset int64, docID int)) {
	for i, docID := range idx.docIDs {
		if docID != -1 {
			fn(idx.minOffset+int64(i), int(docID))
		}
	}
}
