package kvstore

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/fieldline/upsertd/internal/errors"
	"github.com/fieldline/upsertd/internal/model"
)

// PebbleConfig holds configuration for the Pebble-backed store
type PebbleConfig struct {
	Dir         string
	SyncWrites  bool
	CacheSizeMB int64
}

// PebbleDB implements DB on an embedded Pebble database. Table namespaces
// are encoded as a length-prefixed table name in front of each key.
type PebbleDB struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *zap.Logger
}

// NewPebbleDB opens (or creates) the database under cfg.Dir
func NewPebbleDB(cfg *PebbleConfig, logger *zap.Logger) (*PebbleDB, error) {
	if cfg.Dir == "" {
		return nil, errors.ConfigError("kv store directory is empty", nil)
	}

	opts := &pebble.Options{
		Logger: &pebbleLogger{logger: logger.Named("pebble")},
	}
	if cfg.CacheSizeMB > 0 {
		cache := pebble.NewCache(cfg.CacheSizeMB << 20)
		defer cache.Unref()
		opts.Cache = cache
	}

	db, err := pebble.Open(cfg.Dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open key-context store at %s: %w", cfg.Dir, err)
	}

	writeOpts := pebble.Sync
	if !cfg.SyncWrites {
		writeOpts = pebble.NoSync
	}

	logger.Info("Key-context store opened",
		zap.String("dir", cfg.Dir),
		zap.Bool("sync_writes", cfg.SyncWrites))

	return &PebbleDB{db: db, writeOpts: writeOpts, logger: logger}, nil
}

// Table returns the namespaced view for a table
func (p *PebbleDB) Table(name string) Table {
	return &pebbleTable{db: p, prefix: tablePrefix(name)}
}

// Close flushes and closes the underlying database
func (p *PebbleDB) Close() error {
	return p.db.Close()
}

// tablePrefix builds the namespace prefix: a 2-byte big-endian name length
// followed by the name bytes. Length-prefixing keeps namespaces disjoint for
// any table name.
func tablePrefix(name string) []byte {
	prefix := make([]byte, 2+len(name))
	binary.BigEndian.PutUint16(prefix, uint16(len(name)))
	copy(prefix[2:], name)
	return prefix
}

type pebbleTable struct {
	db     *PebbleDB
	prefix []byte
}

func (t *pebbleTable) storeKey(key []byte) []byte {
	out := make([]byte, len(t.prefix)+len(key))
	copy(out, t.prefix)
	copy(out[len(t.prefix):], key)
	return out
}

// MultiGet implements Table
func (t *pebbleTable) MultiGet(ctx context.Context, keys []model.PrimaryKey) (map[string]model.MessageContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(map[string]model.MessageContext, len(keys))
	for _, key := range keys {
		value, closer, err := t.db.db.Get(t.storeKey(key))
		if stderrors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.TransientIO("failed to read from key-context store", err)
		}
		mc, decErr := model.DecodeContext(value)
		closer.Close()
		if decErr != nil {
			return nil, errors.CorruptedData(
				fmt.Sprintf("undecodable context for key %x", []byte(key)), decErr)
		}
		result[key.MapKey()] = mc
	}
	return result, nil
}

// MultiPut implements Table
func (t *pebbleTable) MultiPut(ctx context.Context, entries map[string]model.MessageContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	batch := t.db.db.NewBatch()
	defer batch.Close()

	for key, mc := range entries {
		value, err := mc.Encode()
		if err != nil {
			return fmt.Errorf("failed to encode context: %w", err)
		}
		if err := batch.Set(t.storeKey([]byte(key)), value, nil); err != nil {
			return errors.TransientIO("failed to stage key-context write", err)
		}
	}

	if err := t.db.db.Apply(batch, t.db.writeOpts); err != nil {
		return errors.TransientIO("failed to commit key-context batch", err)
	}
	return nil
}

// pebbleLogger adapts zap to Pebble's internal logger
type pebbleLogger struct {
	logger *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Sugar().Fatalf(format, args...)
}
