package health

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckResult is the outcome of one periodic health check
type CheckResult struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds health checker configuration
type Config struct {
	NodeID   string
	DataDir  string
	Interval time.Duration
}

// Checker runs periodic liveness and readiness checks for the daemon.
// Liveness covers the process and its data directory; readiness
// additionally requires the coordinator to be in its running state.
type Checker struct {
	cfg     *Config
	stateFn func() string
	logger  *zap.Logger

	mu          sync.RWMutex
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// NewChecker creates a health checker. stateFn reports the coordinator
// lifecycle state.
func NewChecker(cfg *Config, stateFn func() string, logger *zap.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Checker{
		cfg:        cfg,
		stateFn:    stateFn,
		logger:     logger,
		checks:     make(map[string]CheckResult),
		livenessOK: true,
	}
}

// Start runs checks until the context is canceled
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.runChecks()
	for {
		select {
		case <-ticker.C:
			c.runChecks()
		case <-ctx.Done():
			c.logger.Info("Health checker stopped")
			return
		}
	}
}

// Liveness reports whether the process should be considered alive
func (c *Checker) Liveness() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.livenessOK
}

// Readiness reports whether the process should receive work
func (c *Checker) Readiness() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readinessOK
}

// Results returns a copy of the latest check results
func (c *Checker) Results() []CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]CheckResult, 0, len(c.checks))
	for _, result := range c.checks {
		out = append(out, result)
	}
	return out
}

func (c *Checker) runChecks() {
	now := time.Now()

	dataDirOK, dataDirMsg := c.checkDataDir()
	state := c.stateFn()
	stateOK := state == "RUNNING"

	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks["data_dir"] = CheckResult{
		Name: "data_dir", Healthy: dataDirOK, Message: dataDirMsg, Timestamp: now,
	}
	c.checks["coordinator_state"] = CheckResult{
		Name: "coordinator_state", Healthy: stateOK, Message: state, Timestamp: now,
	}

	c.livenessOK = dataDirOK
	c.readinessOK = dataDirOK && stateOK

	if !c.livenessOK {
		c.logger.Warn("Liveness check failed", zap.String("data_dir", dataDirMsg))
	}
}

// checkDataDir verifies the data directory is present and writable
func (c *Checker) checkDataDir() (bool, string) {
	if c.cfg.DataDir == "" {
		return true, "no data directory configured"
	}
	probe := filepath.Join(c.cfg.DataDir, ".health-probe")
	if err := os.WriteFile(probe, []byte(c.cfg.NodeID), 0644); err != nil {
		return false, err.Error()
	}
	os.Remove(probe)
	return true, ""
}
