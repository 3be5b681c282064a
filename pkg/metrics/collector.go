package metrics

import (
	"time"

	"github.com/cuemby/wasmbus-host/pkg/types"
)

// InventorySource is the minimal view a Collector needs of the running
// host. pkg/host.Host satisfies it; defined here rather than imported to
// avoid a pkg/metrics -> pkg/host import cycle.
type InventorySource interface {
	Inventory() types.HostInventory
	PoolSnapshot() map[string]map[types.InstanceState]int
}

// Collector periodically samples gauge-shaped state off the host and
// updates the corresponding Prometheus metrics. Counters and histograms
// are updated inline by the packages that own the events they measure.
type Collector struct {
	source InventorySource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source InventorySource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval, collecting once
// immediately before the first tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectInventory()
	c.collectPool()
}

func (c *Collector) collectInventory() {
	inv := c.source.Inventory()
	ComponentsTotal.Set(float64(len(inv.Components)))
	ProvidersTotal.Set(float64(len(inv.Providers)))
}

func (c *Collector) collectPool() {
	snapshot := c.source.PoolSnapshot()
	for componentID, byState := range snapshot {
		for state, count := range byState {
			InstancesByState.WithLabelValues(componentID, string(state)).Set(float64(count))
		}
	}
}
