package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldline/upsertd/internal/kvstore"
	"github.com/fieldline/upsertd/internal/metrics"
	"github.com/fieldline/upsertd/internal/model"
	"github.com/fieldline/upsertd/internal/queue"
	"github.com/fieldline/upsertd/internal/resolver"
)

// fakeConsumer serves queued batches and records committed offsets
type fakeConsumer struct {
	mu        sync.Mutex
	batches   [][]queue.Record
	committed []model.OffsetMap
	commitErr error
}

func (f *fakeConsumer) Poll(ctx context.Context, maxWait time.Duration) ([]queue.Record, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(maxWait):
		return nil, nil
	}
}

func (f *fakeConsumer) CommitOffsets(ctx context.Context, offsets model.OffsetMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = append(f.committed, offsets)
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

func (f *fakeConsumer) commits() []model.OffsetMap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.OffsetMap{}, f.committed...)
}

// fakeProducer records produced tasks and can fail on demand
type fakeProducer struct {
	mu       sync.Mutex
	produced [][]queue.ProduceTask
	err      error
}

func (f *fakeProducer) BatchProduce(ctx context.Context, tasks []queue.ProduceTask) ([]queue.ProduceTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tasks, f.err
	}
	f.produced = append(f.produced, tasks)
	return nil, nil
}

func (f *fakeProducer) Close() error { return nil }

func (f *fakeProducer) events(t *testing.T) []model.SegmentUpdateEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []model.SegmentUpdateEvent
	for _, batch := range f.produced {
		for _, task := range batch {
			ev, err := model.DecodeSegmentUpdateEvent(task.Value)
			require.NoError(t, err)
			out = append(out, ev)
		}
	}
	return out
}

// fakeKV is an in-memory key-context store
type fakeKV struct {
	mu       sync.Mutex
	tables   map[string]map[string]model.MessageContext
	getErr   error
	putErr   error
	putCalls int
	putSizes []int
}

func newFakeKV() *fakeKV {
	return &fakeKV{tables: make(map[string]map[string]model.MessageContext)}
}

func (f *fakeKV) Table(name string) kvstore.Table {
	return &fakeKVTable{kv: f, name: name}
}

func (f *fakeKV) Close() error { return nil }

func (f *fakeKV) seed(table, key string, ctx model.MessageContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tables[table]; !ok {
		f.tables[table] = make(map[string]model.MessageContext)
	}
	f.tables[table][key] = ctx
}

func (f *fakeKV) get(table, key string) (model.MessageContext, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctx, ok := f.tables[table][key]
	return ctx, ok
}

type fakeKVTable struct {
	kv   *fakeKV
	name string
}

func (t *fakeKVTable) MultiGet(ctx context.Context, keys []model.PrimaryKey) (map[string]model.MessageContext, error) {
	t.kv.mu.Lock()
	defer t.kv.mu.Unlock()
	if t.kv.getErr != nil {
		return nil, t.kv.getErr
	}
	out := make(map[string]model.MessageContext)
	for _, key := range keys {
		if mc, ok := t.kv.tables[t.name][key.MapKey()]; ok {
			out[key.MapKey()] = mc
		}
	}
	return out, nil
}

func (t *fakeKVTable) MultiPut(ctx context.Context, entries map[string]model.MessageContext) error {
	t.kv.mu.Lock()
	defer t.kv.mu.Unlock()
	if t.kv.putErr != nil {
		return t.kv.putErr
	}
	t.kv.putCalls++
	t.kv.putSizes = append(t.kv.putSizes, len(entries))
	if _, ok := t.kv.tables[t.name]; !ok {
		t.kv.tables[t.name] = make(map[string]model.MessageContext)
	}
	for key, mc := range entries {
		t.kv.tables[t.name][key] = mc
	}
	return nil
}

func testConfig() *Config {
	return &Config{
		OutputTopic:       "segment-updates",
		OutputPartitions:  8,
		FetchDelay:        time.Millisecond,
		FetchMaxDelay:     20 * time.Millisecond,
		FetchMaxBatchSize: 100,
		QueueSize:         100,
		OutputAckTimeout:  time.Second,
		TerminationWait:   time.Second,
	}
}

func newTestCoordinator(t *testing.T, consumer *fakeConsumer, producer *fakeProducer, kv *fakeKV) *Coordinator {
	t.Helper()
	c, err := New(testConfig(), consumer, producer, kv,
		resolver.NewTimestampResolver(),
		metrics.New(prometheus.NewRegistry()),
		zap.NewNop())
	require.NoError(t, err)
	return c
}

func record(t *testing.T, partition int, offset int64, table string, key model.PrimaryKey, mc model.MessageContext) queue.Record {
	t.Helper()
	value, err := model.UpsertEvent{Table: table, Key: key, Context: mc}.Encode()
	require.NoError(t, err)
	return queue.Record{Topic: "upserts", Partition: partition, Offset: offset, Value: value}
}

func mc(segment string, offset, ts int64) model.MessageContext {
	return model.MessageContext{SegmentName: segment, Offset: offset, Timestamp: ts}
}

func batchOffsets(batch []queue.Record) model.OffsetMap {
	offsets := model.NewOffsetMap()
	for _, rec := range batch {
		offsets.Observe(rec.Topic, rec.Partition, rec.Offset)
	}
	return offsets
}

func TestProcessBatch_SingleNewKey(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{}
	kv := newFakeKV()
	c := newTestCoordinator(t, consumer, producer, kv)

	batch := []queue.Record{
		record(t, 0, 1, "T", model.PrimaryKey{0xAB}, mc("s1", 100, 10)),
	}
	require.NoError(t, c.processBatch(context.Background(), batch, batchOffsets(batch)))

	events := producer.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, model.SegmentUpdateEvent{
		Table: "T", SegmentName: "s1", TargetOffset: 100, Value: 100, Kind: model.KindInsert,
	}, events[0])

	stored, ok := kv.get("T", string([]byte{0xAB}))
	require.True(t, ok)
	assert.True(t, mc("s1", 100, 10).Equal(stored))

	commits := consumer.commits()
	require.Len(t, commits, 1)
	assert.Equal(t, int64(1), commits[0][model.TopicPartition{Topic: "upserts", Partition: 0}])
}

func TestProcessBatch_Replacement(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{}
	kv := newFakeKV()
	kv.seed("T", string([]byte{0xAB}), mc("s1", 100, 10))
	c := newTestCoordinator(t, consumer, producer, kv)

	batch := []queue.Record{
		record(t, 0, 2, "T", model.PrimaryKey{0xAB}, mc("s1", 150, 20)),
	}
	require.NoError(t, c.processBatch(context.Background(), batch, batchOffsets(batch)))

	events := producer.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, model.SegmentUpdateEvent{
		Table: "T", SegmentName: "s1", TargetOffset: 100, Value: 150, Kind: model.KindDelete,
	}, events[0])
	assert.Equal(t, model.SegmentUpdateEvent{
		Table: "T", SegmentName: "s1", TargetOffset: 150, Value: 150, Kind: model.KindInsert,
	}, events[1])

	stored, _ := kv.get("T", string([]byte{0xAB}))
	assert.True(t, mc("s1", 150, 20).Equal(stored))
}

func TestProcessBatch_OutOfOrderLoser(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{}
	kv := newFakeKV()
	kv.seed("T", string([]byte{0xAB}), mc("s1", 150, 20))
	c := newTestCoordinator(t, consumer, producer, kv)

	batch := []queue.Record{
		record(t, 0, 3, "T", model.PrimaryKey{0xAB}, mc("s1", 140, 15)),
	}
	require.NoError(t, c.processBatch(context.Background(), batch, batchOffsets(batch)))

	assert.Empty(t, producer.events(t))
	assert.Zero(t, kv.putCalls)

	stored, _ := kv.get("T", string([]byte{0xAB}))
	assert.True(t, mc("s1", 150, 20).Equal(stored))

	// The replayed record's offset is still acknowledged
	require.Len(t, consumer.commits(), 1)
}

func TestProcessBatch_LosingButNewerSelfTombstones(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{}
	kv := newFakeKV()
	// The stored winner has a later timestamp but an earlier offset
	kv.seed("T", string([]byte{0xAB}), mc("s1", 100, 30))
	c := newTestCoordinator(t, consumer, producer, kv)

	batch := []queue.Record{
		record(t, 0, 4, "T", model.PrimaryKey{0xAB}, mc("s1", 120, 25)),
	}
	require.NoError(t, c.processBatch(context.Background(), batch, batchOffsets(batch)))

	events := producer.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, model.SegmentUpdateEvent{
		Table: "T", SegmentName: "s1", TargetOffset: 120, Value: 120, Kind: model.KindDelete,
	}, events[0])

	// The winning context is unchanged
	stored, _ := kv.get("T", string([]byte{0xAB}))
	assert.True(t, mc("s1", 100, 30).Equal(stored))
	assert.Zero(t, kv.putCalls)
}

func TestProcessBatch_ReplicaDuplicate(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{}
	kv := newFakeKV()
	kv.seed("T", string([]byte{0xAB}), mc("s1", 100, 10))
	c := newTestCoordinator(t, consumer, producer, kv)

	batch := []queue.Record{
		record(t, 0, 5, "T", model.PrimaryKey{0xAB}, mc("s1", 100, 10)),
	}
	require.NoError(t, c.processBatch(context.Background(), batch, batchOffsets(batch)))

	assert.Empty(t, producer.events(t))
	assert.Zero(t, kv.putCalls)
	require.Len(t, consumer.commits(), 1)
}

func TestProcessBatch_InBatchCollapse(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{}
	kv := newFakeKV()
	c := newTestCoordinator(t, consumer, producer, kv)

	key := model.PrimaryKey{0xAB}
	batch := []queue.Record{
		record(t, 0, 1, "T", key, mc("s1", 100, 10)),
		record(t, 0, 2, "T", key, mc("s1", 110, 20)),
		record(t, 0, 3, "T", key, mc("s1", 120, 30)),
	}
	require.NoError(t, c.processBatch(context.Background(), batch, batchOffsets(batch)))

	events := producer.events(t)
	want := []model.SegmentUpdateEvent{
		{Table: "T", SegmentName: "s1", TargetOffset: 100, Value: 100, Kind: model.KindInsert},
		{Table: "T", SegmentName: "s1", TargetOffset: 100, Value: 110, Kind: model.KindDelete},
		{Table: "T", SegmentName: "s1", TargetOffset: 110, Value: 110, Kind: model.KindInsert},
		{Table: "T", SegmentName: "s1", TargetOffset: 110, Value: 120, Kind: model.KindDelete},
		{Table: "T", SegmentName: "s1", TargetOffset: 120, Value: 120, Kind: model.KindInsert},
	}
	assert.Equal(t, want, events)

	// In-batch dedup: one put of one entry, holding the final winner
	assert.Equal(t, 1, kv.putCalls)
	assert.Equal(t, []int{1}, kv.putSizes)
	stored, _ := kv.get("T", string([]byte{0xAB}))
	assert.True(t, mc("s1", 120, 30).Equal(stored))
}

func TestProcessBatch_PairwiseResolutionAcrossBatches(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{}
	kv := newFakeKV()
	c := newTestCoordinator(t, consumer, producer, kv)

	// Feed a shuffled sequence one batch at a time; the surviving context
	// must be the pairwise winner of the whole sequence
	contexts := []model.MessageContext{
		mc("s1", 100, 10),
		mc("s1", 130, 40),
		mc("s1", 110, 20),
		mc("s2", 140, 35),
	}
	for i, occurrence := range contexts {
		batch := []queue.Record{record(t, 0, int64(i), "T", model.PrimaryKey{0x01}, occurrence)}
		require.NoError(t, c.processBatch(context.Background(), batch, batchOffsets(batch)))
	}

	stored, ok := kv.get("T", string([]byte{0x01}))
	require.True(t, ok)
	assert.True(t, mc("s1", 130, 40).Equal(stored))
}

func TestProcessBatch_MultipleTables(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{}
	kv := newFakeKV()
	c := newTestCoordinator(t, consumer, producer, kv)

	batch := []queue.Record{
		record(t, 0, 1, "T", model.PrimaryKey{0x01}, mc("s1", 100, 10)),
		record(t, 1, 1, "U", model.PrimaryKey{0x01}, mc("u1", 7, 3)),
	}
	require.NoError(t, c.processBatch(context.Background(), batch, batchOffsets(batch)))

	require.Len(t, producer.events(t), 2)

	stored, ok := kv.get("T", string([]byte{0x01}))
	require.True(t, ok)
	assert.Equal(t, "s1", stored.SegmentName)
	stored, ok = kv.get("U", string([]byte{0x01}))
	require.True(t, ok)
	assert.Equal(t, "u1", stored.SegmentName)
}

func TestProcessBatch_ProducerFailureAbortsBeforeCommit(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{err: fmt.Errorf("broker unavailable")}
	kv := newFakeKV()
	c := newTestCoordinator(t, consumer, producer, kv)

	batch := []queue.Record{
		record(t, 0, 1, "T", model.PrimaryKey{0xAB}, mc("s1", 100, 10)),
	}
	err := c.processBatch(context.Background(), batch, batchOffsets(batch))
	require.Error(t, err)

	// Neither the store nor the input offsets moved
	assert.Zero(t, kv.putCalls)
	_, ok := kv.get("T", string([]byte{0xAB}))
	assert.False(t, ok)
	assert.Empty(t, consumer.commits())
}

func TestProcessBatch_KVPutFailureAbortsBeforeCommit(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{}
	kv := newFakeKV()
	kv.putErr = fmt.Errorf("disk failure")
	c := newTestCoordinator(t, consumer, producer, kv)

	batch := []queue.Record{
		record(t, 0, 1, "T", model.PrimaryKey{0xAB}, mc("s1", 100, 10)),
	}
	err := c.processBatch(context.Background(), batch, batchOffsets(batch))
	require.Error(t, err)
	assert.Empty(t, consumer.commits())
}

func TestProcessBatch_KVGetFailureAborts(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{}
	kv := newFakeKV()
	kv.getErr = fmt.Errorf("disk failure")
	c := newTestCoordinator(t, consumer, producer, kv)

	batch := []queue.Record{
		record(t, 0, 1, "T", model.PrimaryKey{0xAB}, mc("s1", 100, 10)),
	}
	err := c.processBatch(context.Background(), batch, batchOffsets(batch))
	require.Error(t, err)
	assert.Empty(t, producer.events(t))
	assert.Empty(t, consumer.commits())
}

func TestProcessBatch_DropsInvalidRecords(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{}
	kv := newFakeKV()
	c := newTestCoordinator(t, consumer, producer, kv)

	batch := []queue.Record{
		{Topic: "upserts", Partition: 0, Offset: 1, Value: []byte("garbage")},
		record(t, 0, 2, "T", model.PrimaryKey{0xAB}, mc("s1", 100, 10)),
	}
	require.NoError(t, c.processBatch(context.Background(), batch, batchOffsets(batch)))

	require.Len(t, producer.events(t), 1)
	// The garbage record's offset is still part of the commit set
	commits := consumer.commits()
	require.Len(t, commits, 1)
	assert.Equal(t, int64(2), commits[0][model.TopicPartition{Topic: "upserts", Partition: 0}])
}

func TestCoordinator_Lifecycle(t *testing.T) {
	consumer := &fakeConsumer{batches: [][]queue.Record{
		{record(t, 0, 1, "T", model.PrimaryKey{0xAB}, mc("s1", 100, 10))},
	}}
	producer := &fakeProducer{}
	kv := newFakeKV()
	c := newTestCoordinator(t, consumer, producer, kv)

	assert.Equal(t, StateInit, c.State())
	require.NoError(t, c.Start())
	assert.Equal(t, StateRunning, c.State())

	// A second start is rejected
	assert.Error(t, c.Start())

	require.Eventually(t, func() bool {
		return len(consumer.commits()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	c.Stop()
	assert.Equal(t, StateShutdown, c.State())

	stored, ok := kv.get("T", string([]byte{0xAB}))
	require.True(t, ok)
	assert.True(t, mc("s1", 100, 10).Equal(stored))
}

func TestCoordinator_StopWithoutStart(t *testing.T) {
	c := newTestCoordinator(t, &fakeConsumer{}, &fakeProducer{}, newFakeKV())
	c.Stop()
	assert.Equal(t, StateShutdown, c.State())
}

func TestCoordinator_EmptyInputCommitsNothing(t *testing.T) {
	consumer := &fakeConsumer{}
	producer := &fakeProducer{}
	kv := newFakeKV()
	c := newTestCoordinator(t, consumer, producer, kv)

	require.NoError(t, c.Start())
	time.Sleep(100 * time.Millisecond)
	c.Stop()

	assert.Empty(t, consumer.commits())
	assert.Empty(t, producer.events(t))
	assert.Zero(t, kv.putCalls)
}
