package updater

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fieldline/upsertd/internal/metrics"
	"github.com/fieldline/upsertd/internal/model"
	"github.com/fieldline/upsertd/internal/queue"
	"github.com/fieldline/upsertd/internal/segment"
	"github.com/fieldline/upsertd/internal/updatelog"
	"github.com/fieldline/upsertd/internal/util/workerpool"
)

// Config holds segment updater configuration
type Config struct {
	Workers      int
	QueueSize    int
	PollMaxWait  time.Duration
	RetryBackoff time.Duration
}

func (c *Config) validate() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.PollMaxWait <= 0 {
		c.PollMaxWait = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
}

// SegmentUpdater is the query-side dispatcher. It consumes the coordinator's
// output log, durably appends every event to the update log store, and
// applies events to whichever registered segments this process hosts.
// Events for segments not hosted here are still persisted, so the segment
// can replay them when it opens. Offsets are committed only after the whole
// poll cycle is durable, so delivery is at least once and absorbed by the
// idempotent virtual column updates.
type SegmentUpdater struct {
	cfg      *Config
	consumer queue.Consumer
	store    *updatelog.Store
	pool     *workerpool.Pool
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu       sync.RWMutex
	segments map[string]map[string]*segment.ImmutableUpsertSegment

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type tableSegment struct {
	table   string
	segment string
}

// New creates a segment updater
func New(
	cfg *Config,
	consumer queue.Consumer,
	store *updatelog.Store,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SegmentUpdater {
	cfg.validate()
	return &SegmentUpdater{
		cfg:      cfg,
		consumer: consumer,
		store:    store,
		metrics:  m,
		logger:   logger,
		segments: make(map[string]map[string]*segment.ImmutableUpsertSegment),
	}
}

// RegisterSegment makes a hosted segment eligible for streaming updates.
// The caller is expected to have run InitVirtualColumn on it already.
func (u *SegmentUpdater) RegisterSegment(seg *segment.ImmutableUpsertSegment) {
	u.mu.Lock()
	defer u.mu.Unlock()

	table := seg.Table()
	if _, ok := u.segments[table]; !ok {
		u.segments[table] = make(map[string]*segment.ImmutableUpsertSegment)
	}
	u.segments[table][seg.Name()] = seg
	u.logger.Info("Segment registered for streaming updates",
		zap.String("table", table),
		zap.String("segment", seg.Name()))
}

// UnregisterSegment removes a hosted segment
func (u *SegmentUpdater) UnregisterSegment(table, name string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if segments, ok := u.segments[table]; ok {
		delete(segments, name)
		if len(segments) == 0 {
			delete(u.segments, table)
		}
	}
}

// Lookup returns a hosted segment, if any
func (u *SegmentUpdater) Lookup(table, name string) (*segment.ImmutableUpsertSegment, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	segments, ok := u.segments[table]
	if !ok {
		return nil, false
	}
	seg, ok := segments[name]
	return seg, ok
}

// Start launches the consume loop
func (u *SegmentUpdater) Start() error {
	if !u.running.CompareAndSwap(false, true) {
		return fmt.Errorf("segment updater already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.pool = workerpool.New(&workerpool.Config{
		Name:      "segment-updater",
		Workers:   u.cfg.Workers,
		QueueSize: u.cfg.QueueSize,
		Logger:    u.logger,
	})

	u.wg.Add(1)
	go u.run(ctx)
	u.logger.Info("Segment updater started", zap.Int("workers", u.cfg.Workers))
	return nil
}

// Stop shuts down the consume loop and the worker pool
func (u *SegmentUpdater) Stop() {
	if !u.running.CompareAndSwap(true, false) {
		return
	}
	u.cancel()
	u.wg.Wait()
	u.pool.Stop()
	u.logger.Info("Segment updater stopped")
}

func (u *SegmentUpdater) run(ctx context.Context) {
	defer u.wg.Done()

	for ctx.Err() == nil {
		records, err := u.consumer.Poll(ctx, u.cfg.PollMaxWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			u.logger.Error("Output log poll failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(u.cfg.RetryBackoff):
			}
			continue
		}
		if len(records) == 0 {
			continue
		}

		offsets := model.NewOffsetMap()
		groups := make(map[tableSegment][]model.UpdateLogEntry)
		for _, rec := range records {
			offsets.Observe(rec.Topic, rec.Partition, rec.Offset)
			ev, err := model.DecodeSegmentUpdateEvent(rec.Value)
			if err != nil {
				u.logger.Warn("Dropping undecodable segment update record",
					zap.Int("partition", rec.Partition),
					zap.Int64("offset", rec.Offset),
					zap.Error(err))
				continue
			}
			key := tableSegment{table: ev.Table, segment: ev.SegmentName}
			groups[key] = append(groups[key], ev.LogEntry())
		}

		if !u.applyGroups(ctx, groups) {
			// Durability failed somewhere; do not commit, take redelivery
			continue
		}

		if err := u.consumer.CommitOffsets(ctx, offsets); err != nil {
			u.logger.Error("Failed to commit output log offsets", zap.Error(err))
		}
	}
}

// applyGroups persists every group to the update log and applies groups for
// hosted segments on the worker pool. One poll cycle produces at most one
// task per segment and the cycle barrier waits for all of them, so updates
// to a single segment never run concurrently.
func (u *SegmentUpdater) applyGroups(ctx context.Context, groups map[tableSegment][]model.UpdateLogEntry) bool {
	ok := true
	var barrier sync.WaitGroup

	for key, entries := range groups {
		if err := u.store.AppendBatch(key.table, key.segment, entries); err != nil {
			u.logger.Error("Failed to persist update log entries",
				zap.String("table", key.table),
				zap.String("segment", key.segment),
				zap.Error(err))
			ok = false
			break
		}
		u.metrics.UpdateLogAppends.Add(float64(len(entries)))

		seg, hosted := u.Lookup(key.table, key.segment)
		if !hosted {
			continue
		}

		entries := entries
		segRef := seg
		barrier.Add(1)
		err := u.pool.Submit(ctx, workerpool.Task{
			Name: key.table + "/" + key.segment,
			Fn: func(context.Context) error {
				defer barrier.Done()
				applyErr := segRef.UpdateVirtualColumn(entries)
				u.metrics.SegmentUpdatesApplied.Add(float64(len(entries)))
				if applyErr != nil {
					u.metrics.SegmentUpdatesDropped.Inc()
				}
				return applyErr
			},
		})
		if err != nil {
			barrier.Done()
			u.logger.Error("Failed to submit segment update task", zap.Error(err))
			ok = false
			break
		}
	}

	barrier.Wait()
	return ok
}
