package queue

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// PartitionForSegment maps a destination segment name onto an output log
// partition. Low-level consumer segment names carry their partition group as
// the second double-underscore field (table__partition__sequence__creation);
// that group is used directly so updates for rows ingested together stay
// together. Any other name falls back to a stable hash. Either way the
// mapping is deterministic, so one segment always lands on one partition.
func PartitionForSegment(segmentName string, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	if group, ok := parsePartitionGroup(segmentName); ok {
		return group % numPartitions
	}
	return int(xxhash.Sum64String(segmentName) % uint64(numPartitions))
}

// parsePartitionGroup extracts the partition group from an LLC-style segment
// name
func parsePartitionGroup(segmentName string) (int, bool) {
	parts := strings.Split(segmentName, "__")
	if len(parts) < 4 {
		return 0, false
	}
	group, err := strconv.Atoi(parts[1])
	if err != nil || group < 0 {
		return 0, false
	}
	return group, true
}
