package segment

import (
	"github.com/fieldline/upsertd/internal/model"
)

// VirtualColumnWriter is one mutable int64 column overlaid on a sealed
// segment, addressable by docId. Each writer stores values of exactly one
// event kind and keeps a per-row presence bitmap. Updates are idempotent and
// kind-monotone: an insert column keeps the lowest value ever written per
// row, a delete column the highest, so replaying the same log any number of
// times converges to one state.
type VirtualColumnWriter struct {
	kind    model.EventKind
	values  []int64
	present []uint64
}

// NewVirtualColumnWriter allocates a writer for totalDocs rows
func NewVirtualColumnWriter(kind model.EventKind, totalDocs int) *VirtualColumnWriter {
	return &VirtualColumnWriter{
		kind:    kind,
		values:  make([]int64, totalDocs),
		present: make([]uint64, (totalDocs+63)/64),
	}
}

// Kind returns the event kind this writer stores
func (w *VirtualColumnWriter) Kind() model.EventKind {
	return w.kind
}

// Update applies one update to the row at docID. Events of a different kind
// are ignored. The return reports whether the column state changed; repeated
// calls with identical arguments return false after the first change.
func (w *VirtualColumnWriter) Update(docID int, value int64, kind model.EventKind) bool {
	if kind != w.kind {
		return false
	}

	if !w.isPresent(docID) {
		w.values[docID] = value
		w.markPresent(docID)
		return true
	}

	current := w.values[docID]
	switch w.kind {
	case model.KindInsert:
		if value < current {
			w.values[docID] = value
			return true
		}
	case model.KindDelete:
		if value > current {
			w.values[docID] = value
			return true
		}
	}
	return false
}

// Get returns the stored value for docID. The second return is false when no
// value of this writer's kind has been recorded for the row.
func (w *VirtualColumnWriter) Get(docID int) (int64, bool) {
	if !w.isPresent(docID) {
		return 0, false
	}
	return w.values[docID], true
}

func (w *VirtualColumnWriter) isPresent(docID int) bool {
	return w.present[docID/64]&(1<<(uint(docID)%64)) != 0
}

func (w *VirtualColumnWriter) markPresent(docID int) {
	w.present[docID/64] |= 1 << (uint(docID) % 64)
}
