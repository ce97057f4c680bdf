package metrics

import (
	"sync"
	"time"

	"grimm.is/pfkit/internal/clock"
	"grimm.is/pfkit/internal/logging"
)

// StateStats summarises one state table snapshot.
type StateStats struct {
	Total           int               `json:"total" yaml:"total"`
	ByProtocol      map[string]int    `json:"by_protocol" yaml:"by_protocol"`
	BytesByProtocol map[string]uint64 `json:"bytes_by_protocol" yaml:"bytes_by_protocol"`
	DecodeErrors    int               `json:"decode_errors" yaml:"decode_errors"`
	Taken           time.Time         `json:"taken" yaml:"taken"`
}

// StateSource produces a fresh state summary. It is called from the
// collector goroutine only.
type StateSource func() (StateStats, error)

// Collector polls a StateSource and publishes it to the registry.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	clock    clock.Clock
	source   StateSource
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	mu         sync.RWMutex
	lastUpdate time.Time
	last       StateStats
	lastErr    error
}

// NewCollector creates a new metrics collector.
func NewCollector(logger *logging.Logger, source StateSource, interval time.Duration) *Collector {
	return &Collector{
		registry: Get(),
		logger:   logging.Or(logger).WithComponent("metrics"),
		clock:    clock.Real,
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until Stop is called.
func (c *Collector) Start() {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	c.Collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop stops the collection loop. It is safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect takes one sample.
func (c *Collector) Collect() {
	stats, err := c.source()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastErr = err
	if err != nil {
		c.logger.Warn("Failed to collect state stats", "error", err)
		return
	}
	c.registry.UpdateStates(stats)
	c.last = stats
	c.lastUpdate = c.clock.Now()
}

// GetLastUpdate returns when the last successful sample was taken.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// GetStateStats returns the last successful sample and the last error.
func (c *Collector) GetStateStats() (StateStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.lastErr
}
