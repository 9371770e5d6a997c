package watermark

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Manager tracks the highest source offset whose update has been applied,
// per table and segment. Watermarks only move forward. The manager is an
// injected collaborator shared by every segment in the process; one segment
// can receive concurrent updates, so access is synchronized.
type Manager struct {
	mu     sync.RWMutex
	marks  map[tableSegment]int64
	gauge  *prometheus.GaugeVec
	logger *zap.Logger
}

type tableSegment struct {
	table   string
	segment string
}

// NewManager creates a watermark manager. gauge may be nil when metrics are
// disabled.
func NewManager(gauge *prometheus.GaugeVec, logger *zap.Logger) *Manager {
	return &Manager{
		marks:  make(map[tableSegment]int64),
		gauge:  gauge,
		logger: logger,
	}
}

// Process advances the watermark for (table, segment) to offset if it is
// higher than the current value
func (m *Manager) Process(table, segment string, offset int64) {
	key := tableSegment{table: table, segment: segment}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.marks[key]
	if !ok || offset > cur {
		m.marks[key] = offset
		cur = offset
	}
	if m.gauge != nil {
		m.gauge.WithLabelValues(table, segment).Set(float64(cur))
	}
}

// Get returns the current watermark for (table, segment). The second return
// is false when no update has been observed yet.
func (m *Manager) Get(table, segment string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offset, ok := m.marks[tableSegment{table: table, segment: segment}]
	return offset, ok
}

// Snapshot returns a copy of all watermarks keyed by table then segment
func (m *Manager) Snapshot() map[string]map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[string]int64)
	for key, offset := range m.marks {
		segments, ok := out[key.table]
		if !ok {
			segments = make(map[string]int64)
			out[key.table] = segments
		}
		segments[key.segment] = offset
	}
	return out
}
