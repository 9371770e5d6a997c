package queue

import (
	"context"
	"time"

	"github.com/fieldline/upsertd/internal/model"
)

// Record is one raw record fetched from a log partition. Value is the
// undecoded payload; the consumer of this package owns decoding.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}

// ProduceTask is one record to append to the output log. Partition is a
// routing hint carried in the record key; the producer maps it onto an
// actual partition of the destination topic.
type ProduceTask struct {
	Topic     string
	Partition int
	Value     []byte
}

// Consumer pulls records from the input side of a partitioned log and
// commits consumed offsets back to it.
type Consumer interface {
	// Poll returns the records that arrived within maxWait. An empty slice
	// with a nil error means the window elapsed without records.
	Poll(ctx context.Context, maxWait time.Duration) ([]Record, error)

	// CommitOffsets acknowledges the highest processed offset per partition
	CommitOffsets(ctx context.Context, offsets model.OffsetMap) error

	Close() error
}

// Producer appends batches of records to the output log and reports which
// records were not acknowledged.
type Producer interface {
	// BatchProduce submits all tasks and waits for acknowledgment within the
	// context deadline. Tasks that failed or did not complete in time are
	// returned along with a non-nil error.
	BatchProduce(ctx context.Context, tasks []ProduceTask) ([]ProduceTask, error)

	Close() error
}
