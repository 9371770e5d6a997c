package queue

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fieldline/upsertd/internal/errors"
	"github.com/fieldline/upsertd/internal/model"
)

// KafkaConsumerConfig holds configuration for the input log consumer
type KafkaConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	MinBytes      int
	MaxBytes      int
	QueueCapacity int
}

// KafkaConsumer implements Consumer on a kafka-go reader. Offsets are
// committed synchronously through CommitOffsets, never automatically.
type KafkaConsumer struct {
	reader *kafka.Reader
	logger *zap.Logger
}

// NewKafkaConsumer creates a consumer joined to the configured group
func NewKafkaConsumer(cfg *KafkaConsumerConfig, logger *zap.Logger) *KafkaConsumer {
	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	queueCapacity := cfg.QueueCapacity
	if queueCapacity <= 0 {
		queueCapacity = 100
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:       cfg.Brokers,
		Topic:         cfg.Topic,
		GroupID:       cfg.GroupID,
		MinBytes:      minBytes,
		MaxBytes:      maxBytes,
		QueueCapacity: queueCapacity,
		// CommitInterval zero keeps commits synchronous; the processing
		// loop decides when an offset is safe to acknowledge.
		CommitInterval: 0,
	})

	return &KafkaConsumer{reader: reader, logger: logger}
}

// Poll implements Consumer
func (c *KafkaConsumer) Poll(ctx context.Context, maxWait time.Duration) ([]Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	var records []Record
	for {
		msg, err := c.reader.FetchMessage(pollCtx)
		if err != nil {
			// The window elapsing is the normal end of a poll
			if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return records, nil
			}
			if ctx.Err() != nil {
				return records, ctx.Err()
			}
			return records, errors.TransientIO("failed to fetch from input log", err)
		}
		records = append(records, Record{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
		})
	}
}

// CommitOffsets implements Consumer
func (c *KafkaConsumer) CommitOffsets(ctx context.Context, offsets model.OffsetMap) error {
	if offsets.Empty() {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(offsets))
	for tp, offset := range offsets {
		msgs = append(msgs, kafka.Message{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Offset:    offset,
		})
	}
	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		return errors.TransientIO("failed to commit input offsets", err)
	}
	return nil
}

// Close implements Consumer
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// KafkaProducerConfig holds configuration for the output log producer
type KafkaProducerConfig struct {
	Brokers      []string
	BatchSize    int
	BatchTimeout time.Duration
	ClientID     string
}

// KafkaProducer implements Producer on a kafka-go writer. Records carry a
// 4-byte partition hint key; the balancer routes on it so that all records
// for one destination segment stay on one partition.
type KafkaProducer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaProducer creates a producer that waits for full acknowledgment
func NewKafkaProducer(cfg *KafkaProducerConfig, logger *zap.Logger) *KafkaProducer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &partitionHintBalancer{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
	}
	if cfg.ClientID != "" {
		writer.Transport = &kafka.Transport{ClientID: cfg.ClientID}
	}

	return &KafkaProducer{writer: writer, logger: logger}
}

// BatchProduce implements Producer
func (p *KafkaProducer) BatchProduce(ctx context.Context, tasks []ProduceTask) ([]ProduceTask, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	msgs := make([]kafka.Message, len(tasks))
	for i, task := range tasks {
		msgs[i] = kafka.Message{
			Topic: task.Topic,
			Key:   encodePartitionHint(task.Partition),
			Value: task.Value,
		}
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		return nil, nil
	}

	var writeErrs kafka.WriteErrors
	if stderrors.As(err, &writeErrs) {
		var failed []ProduceTask
		for i := range writeErrs {
			if writeErrs[i] != nil {
				failed = append(failed, tasks[i])
			}
		}
		return failed, errors.BatchFailure("output producer reported per-record failures", err)
	}
	return tasks, errors.BatchFailure("output producer write failed", err)
}

// Close implements Producer
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// encodePartitionHint packs the routing hint into a 4-byte big-endian key
func encodePartitionHint(partition int) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(partition))
	return key
}

// partitionHintBalancer routes each record to the partition named by its
// hint key, wrapping around the partitions actually present on the topic.
type partitionHintBalancer struct{}

func (b *partitionHintBalancer) Balance(msg kafka.Message, partitions ...int) int {
	if len(partitions) == 0 {
		return 0
	}
	if len(msg.Key) != 4 {
		return partitions[0]
	}
	hint := int(binary.BigEndian.Uint32(msg.Key))
	return partitions[hint%len(partitions)]
}
