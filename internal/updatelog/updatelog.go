package updatelog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fieldline/upsertd/internal/errors"
	"github.com/fieldline/upsertd/internal/model"
	"github.com/fieldline/upsertd/internal/util"
)

const (
	// payloadSize is offset (8) + value (8) + kind (1)
	payloadSize = 17
	// recordSize adds the 4-byte checksum trailer
	recordSize = payloadSize + 4

	logFileSuffix = ".ulog"
)

// Config holds configuration for the update log store
type Config struct {
	Dir        string
	SyncWrites bool
}

// Store is the durable per-(table, segment) append log of virtual column
// updates. Writes are visible to subsequent GetAll calls. There is no
// ordering guarantee among entries that share a source offset; replay safety
// comes from the idempotence of virtual column updates.
type Store struct {
	cfg    *Config
	logger *zap.Logger

	mu    sync.Mutex
	files map[tableSegment]*segmentLog
}

type tableSegment struct {
	table   string
	segment string
}

type segmentLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewStore creates the store rooted at cfg.Dir
func NewStore(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.ConfigError("update log directory is empty", nil)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create update log directory: %w", err)
	}
	return &Store{
		cfg:    cfg,
		logger: logger,
		files:  make(map[tableSegment]*segmentLog),
	}, nil
}

// Append durably appends one entry to the (table, segment) log
func (s *Store) Append(table, segment string, entry model.UpdateLogEntry) error {
	return s.AppendBatch(table, segment, []model.UpdateLogEntry{entry})
}

// AppendBatch durably appends entries to the (table, segment) log in order
func (s *Store) AppendBatch(table, segment string, entries []model.UpdateLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	log, err := s.segmentLog(table, segment)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, len(entries)*recordSize)
	for _, entry := range entries {
		buf = append(buf, encodeEntry(entry)...)
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	if _, err := log.file.Write(buf); err != nil {
		return errors.TransientIO("failed to append to update log", err)
	}
	if s.cfg.SyncWrites {
		if err := log.file.Sync(); err != nil {
			return errors.TransientIO("failed to sync update log", err)
		}
	}
	return nil
}

// GetAll returns every entry recorded for (table, segment), in append order.
// A corrupt tail is tolerated: scanning stops at the first record that fails
// its checksum.
func (s *Store) GetAll(table, segment string) ([]model.UpdateLogEntry, error) {
	path := s.logPath(table, segment)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.TransientIO("failed to read update log", err)
	}

	entries := make([]model.UpdateLogEntry, 0, len(data)/recordSize)
	for pos := 0; pos+recordSize <= len(data); pos += recordSize {
		payload, ok := util.VerifyChecksum(data[pos : pos+recordSize])
		if !ok {
			s.logger.Warn("Update log checksum mismatch, truncating scan",
				zap.String("table", table),
				zap.String("segment", segment),
				zap.Int("position", pos))
			break
		}
		entries = append(entries, decodeEntry(payload))
	}
	if rem := len(data) % recordSize; rem != 0 {
		s.logger.Warn("Update log has a partial trailing record",
			zap.String("table", table),
			zap.String("segment", segment),
			zap.Int("trailing_bytes", rem))
	}
	return entries, nil
}

// Close closes every open log file
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, log := range s.files {
		log.mu.Lock()
		if err := log.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		log.mu.Unlock()
	}
	s.files = make(map[tableSegment]*segmentLog)
	return firstErr
}

func (s *Store) logPath(table, segment string) string {
	return filepath.Join(s.cfg.Dir, table, segment+logFileSuffix)
}

func (s *Store) segmentLog(table, segment string) (*segmentLog, error) {
	key := tableSegment{table: table, segment: segment}

	s.mu.Lock()
	defer s.mu.Unlock()

	if log, ok := s.files[key]; ok {
		return log, nil
	}

	path := s.logPath(table, segment)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.TransientIO("failed to create update log table directory", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.TransientIO("failed to open update log file", err)
	}

	// Cut a torn or corrupt tail so new records stay reachable by GetAll
	data, err := os.ReadFile(path)
	valid := 0
	for err == nil && valid+recordSize <= len(data) {
		if _, ok := util.VerifyChecksum(data[valid : valid+recordSize]); !ok {
			break
		}
		valid += recordSize
	}
	if err == nil && valid < len(data) {
		err = file.Truncate(int64(valid))
	}
	if err != nil {
		file.Close()
		return nil, errors.TransientIO("failed to recover update log tail", err)
	}

	log := &segmentLog{file: file, path: path}
	s.files[key] = log
	return log, nil
}

func encodeEntry(entry model.UpdateLogEntry) []byte {
	payload := make([]byte, payloadSize)
	binary.BigEndian.PutUint64(payload[0:8], uint64(entry.Offset))
	binary.BigEndian.PutUint64(payload[8:16], uint64(entry.Value))
	payload[16] = byte(entry.Kind)
	return util.WithChecksum(payload)
}

func decodeEntry(payload []byte) model.UpdateLogEntry {
	return model.UpdateLogEntry{
		Offset: int64(binary.BigEndian.Uint64(payload[0:8])),
		Value:  int64(binary.BigEndian.Uint64(payload[8:16])),
		Kind:   model.EventKind(payload[16]),
	}
}
