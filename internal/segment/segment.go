package segment

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fieldline/upsertd/internal/errors"
	"github.com/fieldline/upsertd/internal/model"
	"github.com/fieldline/upsertd/internal/updatelog"
	"github.com/fieldline/upsertd/internal/watermark"
)

// ImmutableUpsertSegment binds the offset index, the virtual column writers,
// and the watermark manager over one sealed segment. The segment itself is
// immutable; only the virtual columns mutate, and only through this type.
//
// Callers must serialize updates to a single segment. Different segments may
// be updated concurrently.
type ImmutableUpsertSegment struct {
	table       string
	name        string
	totalDocs   int
	writers     []*VirtualColumnWriter
	offsetIndex *OffsetIndex
	watermarks  *watermark.Manager
	updateLog   *updatelog.Store
	logger      *zap.Logger
}

// NewImmutableUpsertSegment validates the segment for upsert and builds the
// offset index. The offset column's forward index must expose long reads;
// every virtual column writer found in containers is registered. Historical
// updates are not applied until InitVirtualColumn.
func NewImmutableUpsertSegment(
	meta Metadata,
	containers map[string]IndexContainer,
	watermarks *watermark.Manager,
	updateLog *updatelog.Store,
	logger *zap.Logger,
) (*ImmutableUpsertSegment, error) {
	if !meta.UpsertEnabled {
		return nil, errors.SchemaNotUpsert(meta.Table, meta.Name)
	}
	if meta.Table == "" || meta.Name == "" {
		return nil, errors.ConfigError("segment metadata is missing table or segment name", nil)
	}

	offsetContainer, ok := containers[meta.OffsetColumn]
	if !ok {
		return nil, errors.ConfigError(
			fmt.Sprintf("segment %s has no container for offset column %s", meta.Name, meta.OffsetColumn), nil)
	}
	offsetReader, ok := offsetContainer.Forward.(LongColumnReader)
	if !ok {
		return nil, errors.BadColumnReader(meta.OffsetColumn)
	}

	var writers []*VirtualColumnWriter
	for _, container := range containers {
		if writer, ok := container.Forward.(*VirtualColumnWriter); ok {
			writers = append(writers, writer)
		}
	}

	index, err := BuildOffsetIndex(meta.Name, offsetReader, meta.TotalDocs)
	if err != nil {
		return nil, err
	}

	return &ImmutableUpsertSegment{
		table:       meta.Table,
		name:        meta.Name,
		totalDocs:   meta.TotalDocs,
		writers:     writers,
		offsetIndex: index,
		watermarks:  watermarks,
		updateLog:   updateLog,
		logger:      logger,
	}, nil
}

// Table returns the owning table name
func (s *ImmutableUpsertSegment) Table() string {
	return s.table
}

// Name returns the segment name
func (s *ImmutableUpsertSegment) Name() string {
	return s.name
}

// InitVirtualColumn fetches all durable update entries for this segment and
// replays them onto the virtual columns. Entries are grouped by source
// offset; the watermark is forwarded once per group, from its last entry,
// since per-entry forwarding buys nothing against a monotonic watermark.
func (s *ImmutableUpsertSegment) InitVirtualColumn() error {
	start := time.Now()

	entries, err := s.updateLog.GetAll(s.table, s.name)
	if err != nil {
		return fmt.Errorf("failed to load update log for segment %s: %w", s.name, err)
	}

	grouped := make(map[int64][]model.UpdateLogEntry)
	for _, entry := range entries {
		grouped[entry.Offset] = append(grouped[entry.Offset], entry)
	}

	// Iterate the index's own populated slots, so every lookup hits a row
	s.offsetIndex.each(func(offset int64, docID int) {
		group, ok := grouped[offset]
		if !ok {
			return
		}
		updated := false
		for _, entry := range group {
			for _, writer := range s.writers {
				updated = writer.Update(docID, entry.Value, entry.Kind) || updated
			}
		}
		if updated {
			last := group[len(group)-1]
			s.watermarks.Process(s.table, s.name, last.Offset)
		}
	})

	s.logger.Info("Replayed update log onto segment virtual columns",
		zap.String("table", s.table),
		zap.String("segment", s.name),
		zap.Int("entries", len(entries)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// UpdateVirtualColumn applies streaming update entries. Every offset
// delivered here must address a row this segment holds; entries that do not
// resolve are an error. Remaining entries are still processed and the first
// error is returned at the end.
func (s *ImmutableUpsertSegment) UpdateVirtualColumn(entries []model.UpdateLogEntry) error {
	var firstErr error
	for _, entry := range entries {
		docID, err := s.offsetIndex.DocIDOf(entry.Offset)
		if err != nil {
			s.logger.Error("Update entry addressed no row in segment",
				zap.String("table", s.table),
				zap.String("segment", s.name),
				zap.Int64("offset", entry.Offset),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		updated := false
		for _, writer := range s.writers {
			updated = writer.Update(docID, entry.Value, entry.Kind) || updated
		}
		if updated {
			s.watermarks.Process(s.table, s.name, entry.Offset)
		}
	}
	return firstErr
}

// VirtualColumnInfo returns a readable dump of every virtual column value at
// the row addressed by the given source offset. Debug surface only.
func (s *ImmutableUpsertSegment) VirtualColumnInfo(offset int64) (string, error) {
	docID, err := s.offsetIndex.DocIDOf(offset)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("docId=%d", docID))
	for _, writer := range s.writers {
		if value, ok := writer.Get(docID); ok {
			b.WriteString(fmt.Sprintf(" %s=%d", writer.Kind(), value))
		} else {
			b.WriteString(fmt.Sprintf(" %s=unset", writer.Kind()))
		}
	}
	return b.String(), nil
}
