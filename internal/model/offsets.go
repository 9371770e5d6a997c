package model

// TopicPartition identifies one partition of a log topic
type TopicPartition struct {
	Topic     string
	Partition int
}

// OffsetMap tracks the highest observed offset per input log partition. The
// coordinator builds one per batch and commits it after a successful cycle.
type OffsetMap map[TopicPartition]int64

// NewOffsetMap creates an empty offset map
func NewOffsetMap() OffsetMap {
	return make(OffsetMap)
}

// Observe records the offset if it is higher than the current value for the
// partition
func (m OffsetMap) Observe(topic string, partition int, offset int64) {
	tp := TopicPartition{Topic: topic, Partition: partition}
	if cur, ok := m[tp]; !ok || offset > cur {
		m[tp] = offset
	}
}

// Empty reports whether no offsets have been observed
func (m OffsetMap) Empty() bool {
	return len(m) == 0
}
