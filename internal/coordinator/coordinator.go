package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fieldline/upsertd/internal/errors"
	"github.com/fieldline/upsertd/internal/kvstore"
	"github.com/fieldline/upsertd/internal/metrics"
	"github.com/fieldline/upsertd/internal/model"
	"github.com/fieldline/upsertd/internal/queue"
	"github.com/fieldline/upsertd/internal/resolver"
)

// Config holds coordinator configuration
type Config struct {
	OutputTopic      string
	OutputPartitions int

	// Batch assembly
	FetchDelay        time.Duration
	FetchMaxDelay     time.Duration
	FetchMaxBatchSize int

	// Hand-off queue capacity, also the backpressure lever: when the
	// processing loop falls behind, the consumer loop blocks here and the
	// input log stops advancing.
	QueueSize int

	OutputAckTimeout     time.Duration
	ConsumerRetryBackoff time.Duration
	TerminationWait      time.Duration
}

// validate applies defaults and rejects unusable settings
func (c *Config) validate() error {
	if c.OutputTopic == "" {
		return errors.ConfigError("coordinator output topic is empty", nil)
	}
	if c.OutputPartitions <= 0 {
		return errors.ConfigError("coordinator output partition count must be positive", nil)
	}
	if c.FetchDelay <= 0 {
		c.FetchDelay = 100 * time.Millisecond
	}
	if c.FetchMaxDelay <= 0 {
		c.FetchMaxDelay = 5 * time.Second
	}
	if c.FetchMaxBatchSize <= 0 {
		c.FetchMaxBatchSize = 10000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100000
	}
	if c.OutputAckTimeout <= 0 {
		c.OutputAckTimeout = 10 * time.Second
	}
	if c.ConsumerRetryBackoff <= 0 {
		c.ConsumerRetryBackoff = time.Second
	}
	if c.TerminationWait <= 0 {
		c.TerminationWait = 10 * time.Second
	}
	return nil
}

// Coordinator is the log-driven upsert key coordinator. One goroutine pulls
// records from the input log into a bounded hand-off queue; a second drains
// the queue into batches, resolves per-key winners against the key-context
// store, emits tombstone and insert events to the output log, and commits
// input offsets only after a fully successful cycle.
type Coordinator struct {
	cfg      *Config
	consumer queue.Consumer
	producer queue.Producer
	kv       kvstore.DB
	resolver resolver.Resolver
	metrics  *metrics.Metrics
	logger   *zap.Logger

	records chan queue.Record
	state   atomic.Int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a coordinator in the INIT state
func New(
	cfg *Config,
	consumer queue.Consumer,
	producer queue.Producer,
	kv kvstore.DB,
	res resolver.Resolver,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		consumer: consumer,
		producer: producer,
		kv:       kv,
		resolver: res,
		metrics:  m,
		logger:   logger,
		records:  make(chan queue.Record, cfg.QueueSize),
	}
	c.state.Store(int32(StateInit))
	return c, nil
}

// State returns the current lifecycle state
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Start launches the consumer and processing loops
func (c *Coordinator) Start() error {
	if !c.transition(StateInit, StateRunning) {
		return fmt.Errorf("coordinator cannot start from state %s", c.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.logger.Info("Starting key coordinator",
		zap.String("output_topic", c.cfg.OutputTopic),
		zap.Duration("fetch_delay", c.cfg.FetchDelay),
		zap.Duration("fetch_max_delay", c.cfg.FetchMaxDelay),
		zap.Int("fetch_max_batch_size", c.cfg.FetchMaxBatchSize),
		zap.Int("queue_size", c.cfg.QueueSize))

	c.wg.Add(2)
	go c.consumeLoop(ctx)
	go c.processLoop(ctx)
	return nil
}

// Stop requests shutdown and waits up to the configured termination wait for
// the loops to finish. A batch in flight when the wait expires is abandoned
// without committing; reprocessing after restart is safe because output
// events are idempotent at the segments and the key-context store only
// advances on committed batches.
func (c *Coordinator) Stop() {
	if c.transition(StateInit, StateShutdown) {
		return
	}
	if !c.transition(StateRunning, StateShuttingDown) {
		return
	}

	c.logger.Info("Stopping key coordinator")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.TerminationWait):
		c.logger.Warn("Coordinator loops did not finish within termination wait",
			zap.Duration("termination_wait", c.cfg.TerminationWait))
	}

	c.state.Store(int32(StateShutdown))
	c.logger.Info("Key coordinator stopped")
}

// consumeLoop pulls records from the input log into the hand-off queue.
// Enqueueing blocks when the queue is full. Poll failures are retried after
// a backoff so a broker outage does not hot-loop.
func (c *Coordinator) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.logger.Info("Consumer loop exited")

	for ctx.Err() == nil {
		records, err := c.consumer.Poll(ctx, c.cfg.FetchMaxDelay)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.ConsumerPollErrors.Inc()
			c.logger.Error("Input log poll failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.ConsumerRetryBackoff):
			}
			continue
		}

		for _, rec := range records {
			select {
			case c.records <- rec:
				c.metrics.MessagesConsumed.Inc()
			case <-ctx.Done():
				return
			}
		}
		c.metrics.QueueDepth.Set(float64(len(c.records)))
	}
}

// processLoop drives batch cycles until shutdown
func (c *Coordinator) processLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.logger.Info("Processing loop exited")

	for ctx.Err() == nil {
		batch, offsets := c.nextBatch(ctx)
		if len(batch) == 0 {
			continue
		}

		start := time.Now()
		c.metrics.BatchSize.Observe(float64(len(batch)))

		if err := c.processBatch(ctx, batch, offsets); err != nil {
			c.metrics.BatchFailures.Inc()
			c.logger.Error("Batch abandoned without committing offsets",
				zap.Int("records", len(batch)),
				zap.Error(err))
			continue
		}

		c.metrics.BatchesProcessed.Inc()
		c.metrics.BatchDuration.Observe(time.Since(start).Seconds())
		c.logger.Debug("Batch committed",
			zap.Int("records", len(batch)),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// nextBatch drains the hand-off queue until the batch size ceiling or the
// wall-clock ceiling is reached, sleeping between drain attempts. The
// returned offset map is the commit set for the batch.
func (c *Coordinator) nextBatch(ctx context.Context) ([]queue.Record, model.OffsetMap) {
	deadline := time.Now().Add(c.cfg.FetchMaxDelay)
	batch := make([]queue.Record, 0, c.cfg.FetchMaxBatchSize)
	offsets := model.NewOffsetMap()

	for ctx.Err() == nil && len(batch) < c.cfg.FetchMaxBatchSize && time.Now().Before(deadline) {
	drain:
		for len(batch) < c.cfg.FetchMaxBatchSize {
			select {
			case rec := <-c.records:
				batch = append(batch, rec)
				offsets.Observe(rec.Topic, rec.Partition, rec.Offset)
			default:
				break drain
			}
		}
		c.metrics.QueueDepth.Set(float64(len(c.records)))
		if len(batch) >= c.cfg.FetchMaxBatchSize {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.FetchDelay):
		}
	}
	return batch, offsets
}

// processBatch runs one full cycle: per-table resolution, output produce
// with bounded acknowledgment wait, key-context store write, input offset
// commit. Failure at any step returns before the commit so the batch is
// re-read and reprocessed.
func (c *Coordinator) processBatch(ctx context.Context, batch []queue.Record, offsets model.OffsetMap) error {
	byTable, tableOrder := c.decodeBatch(batch)

	var tasks []queue.ProduceTask
	puts := make(map[string]map[string]model.MessageContext, len(tableOrder))
	for _, table := range tableOrder {
		changed, outEvents, err := c.resolveTable(ctx, table, byTable[table])
		if err != nil {
			return err
		}
		puts[table] = changed
		for _, ev := range outEvents {
			value, err := ev.Encode()
			if err != nil {
				return fmt.Errorf("failed to encode output event: %w", err)
			}
			tasks = append(tasks, queue.ProduceTask{
				Topic:     c.cfg.OutputTopic,
				Partition: queue.PartitionForSegment(ev.SegmentName, c.cfg.OutputPartitions),
				Value:     value,
			})
			c.metrics.OutputEvents.WithLabelValues(ev.Kind.String()).Inc()
		}
	}

	if len(tasks) > 0 {
		produceCtx, cancel := context.WithTimeout(ctx, c.cfg.OutputAckTimeout)
		failed, err := c.producer.BatchProduce(produceCtx, tasks)
		cancel()
		if err != nil {
			return errors.BatchFailure(
				fmt.Sprintf("%d of %d output events unacknowledged", len(failed), len(tasks)), err)
		}
	}

	for table, changed := range puts {
		if len(changed) == 0 {
			continue
		}
		start := time.Now()
		err := c.kv.Table(table).MultiPut(ctx, changed)
		c.metrics.KVPutDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("failed to write key contexts for table %s: %w", table, err)
		}
	}

	if err := c.consumer.CommitOffsets(ctx, offsets); err != nil {
		return err
	}
	c.metrics.OffsetCommits.Inc()
	return nil
}

// decodeBatch decodes and validates raw records, grouping events by table in
// received order. Undecodable records are dropped and counted; their offsets
// stay in the commit set.
func (c *Coordinator) decodeBatch(batch []queue.Record) (map[string][]model.UpsertEvent, []string) {
	byTable := make(map[string][]model.UpsertEvent)
	var tableOrder []string
	for _, rec := range batch {
		ev, err := model.DecodeUpsertEvent(rec.Value)
		if err == nil {
			err = ev.Validate()
		}
		if err != nil {
			c.metrics.InvalidInputs.Inc()
			c.logger.Warn("Dropping invalid input record",
				zap.String("topic", rec.Topic),
				zap.Int("partition", rec.Partition),
				zap.Int64("offset", rec.Offset),
				zap.Error(err))
			continue
		}
		if _, ok := byTable[ev.Table]; !ok {
			tableOrder = append(tableOrder, ev.Table)
		}
		byTable[ev.Table] = append(byTable[ev.Table], ev)
	}
	return byTable, tableOrder
}

// resolveTable applies the per-key decision procedure to one table's slice
// of the batch. The overlay map seeded from the key-context store collapses
// same-key messages inside the batch: only the final winner is written back,
// and only the necessary delete and insert events are emitted. The returned
// map holds just the keys whose winning context changed.
func (c *Coordinator) resolveTable(
	ctx context.Context,
	table string,
	events []model.UpsertEvent,
) (map[string]model.MessageContext, []model.SegmentUpdateEvent, error) {
	keySet := make(map[string]model.PrimaryKey, len(events))
	for _, ev := range events {
		keySet[ev.Key.MapKey()] = ev.Key
	}
	keys := make([]model.PrimaryKey, 0, len(keySet))
	for _, key := range keySet {
		keys = append(keys, key)
	}

	start := time.Now()
	overlay, err := c.kv.Table(table).MultiGet(ctx, keys)
	c.metrics.KVGetDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key contexts for table %s: %w", table, err)
	}

	dirty := make(map[string]bool)
	var out []model.SegmentUpdateEvent
	for _, ev := range events {
		key := ev.Key.MapKey()
		incoming := ev.Context

		existing, ok := overlay[key]
		if !ok {
			overlay[key] = incoming
			dirty[key] = true
			out = append(out, insertEvent(table, incoming))
			continue
		}

		if existing.Equal(incoming) {
			// Same occurrence arriving through another replica
			c.metrics.DuplicateInputs.Inc()
			continue
		}

		if c.resolver.ShouldDeleteFirst(existing, incoming) {
			out = append(out, deleteEvent(table, existing, incoming.Offset))
			overlay[key] = incoming
			dirty[key] = true
			out = append(out, insertEvent(table, incoming))
			continue
		}

		if incoming.Offset <= existing.Offset {
			// Replayed input already superseded by what we hold
			c.metrics.DuplicateInputs.Inc()
			continue
		}

		// The new occurrence loses resolution: tombstone its own row so
		// later scans skip it. The winning context is unchanged.
		out = append(out, deleteEvent(table, incoming, incoming.Offset))
	}

	changed := make(map[string]model.MessageContext, len(dirty))
	for key := range dirty {
		changed[key] = overlay[key]
	}
	return changed, out, nil
}

// insertEvent marks the row produced by ctx as visible from its own offset
func insertEvent(table string, ctx model.MessageContext) model.SegmentUpdateEvent {
	return model.SegmentUpdateEvent{
		Table:        table,
		SegmentName:  ctx.SegmentName,
		TargetOffset: ctx.Offset,
		Value:        ctx.Offset,
		Kind:         model.KindInsert,
	}
}

// deleteEvent marks the row of target as superseded as of value
func deleteEvent(table string, target model.MessageContext, value int64) model.SegmentUpdateEvent {
	return model.SegmentUpdateEvent{
		Table:        table,
		SegmentName:  target.SegmentName,
		TargetOffset: target.Offset,
		Value:        value,
		Kind:         model.KindDelete,
	}
}
