// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exports the fill state of the shared tables to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/corrstate/internal/ipc"
	"grimm.is/corrstate/internal/logging"
)

// NearFullRatio is the fill level at which the sampler warns about a table.
const NearFullRatio = 0.9

// Source is the read side of an ipc.Registry.
type Source interface {
	Tables() []ipc.TableInfo
	CountersFresh() bool
}

var (
	entriesDesc = prometheus.NewDesc(
		"corrstate_table_entries",
		"Live records in a shared table",
		[]string{"table"}, nil,
	)
	capacityDesc = prometheus.NewDesc(
		"corrstate_table_capacity",
		"Configured record capacity of a shared table",
		[]string{"table"}, nil,
	)
	bytesDesc = prometheus.NewDesc(
		"corrstate_table_bytes",
		"Size of the mapped region of a shared table",
		[]string{"table"}, nil,
	)
	appendRateDesc = prometheus.NewDesc(
		"corrstate_table_append_rate",
		"Records appended per second between the last two samples",
		[]string{"table"}, nil,
	)
	freshDesc = prometheus.NewDesc(
		"corrstate_counters_fresh",
		"1 if this process created the counters table and started every table empty",
		nil, nil,
	)
)

// Collector implements prometheus.Collector over a Source. Counts are read
// at scrape time. Append rates come from the sampling loop started by Start.
type Collector struct {
	src      Source
	logger   *logging.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	prev     map[ipc.TableID]int
	prevAt   time.Time
	rates    map[ipc.TableID]float64
	nearFull map[ipc.TableID]bool
}

// NewCollector creates a collector for src.
func NewCollector(src Source, logger *logging.Logger, interval time.Duration) *Collector {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	return &Collector{
		src:      src,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		prev:     make(map[ipc.TableID]int),
		rates:    make(map[ipc.TableID]float64),
		nearFull: make(map[ipc.TableID]bool),
	}
}

// Start runs the sampling loop until Stop is called.
func (c *Collector) Start() {
	c.logger.Info("Starting table sampler", "interval", c.interval.String())

	c.sample(time.Now())
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			c.sample(now)
		case <-c.stopCh:
			c.logger.Info("Stopping table sampler")
			return
		}
	}
}

// Stop ends the sampling loop. It is safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// sample records live counts, updates append rates and logs tables that
// cross NearFullRatio.
func (c *Collector) sample(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := 0.0
	if !c.prevAt.IsZero() {
		elapsed = now.Sub(c.prevAt).Seconds()
	}

	for _, t := range c.src.Tables() {
		if prev, ok := c.prev[t.ID]; ok {
			c.rates[t.ID] = c.calculateRate(uint64(t.Live), uint64(prev), elapsed)
		}
		c.prev[t.ID] = t.Live

		full := t.Capacity > 0 && float64(t.Live) >= NearFullRatio*float64(t.Capacity)
		if full && !c.nearFull[t.ID] {
			c.logger.Warn("Shared table nearly full", "table", t.ID.String(), "live", t.Live, "max", t.Capacity)
		}
		c.nearFull[t.ID] = full
	}
	c.prevAt = now
}

// calculateRate computes a per-second rate. A count lower than the previous
// one means the table was reset, and the current count is taken as the delta.
func (c *Collector) calculateRate(current, previous uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}

	var delta uint64
	if current < previous {
		delta = current
		c.logger.Debug("Table reset detected", "current", current, "previous", previous)
	} else {
		delta = current - previous
	}

	return float64(delta) / elapsedSeconds
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- entriesDesc
	ch <- capacityDesc
	ch <- bytesDesc
	ch <- appendRateDesc
	ch <- freshDesc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, t := range c.src.Tables() {
		name := t.ID.String()
		ch <- prometheus.MustNewConstMetric(entriesDesc, prometheus.GaugeValue, float64(t.Live), name)
		ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(t.Capacity), name)
		ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.GaugeValue, float64(t.Bytes), name)
		ch <- prometheus.MustNewConstMetric(appendRateDesc, prometheus.GaugeValue, c.rates[t.ID], name)
	}

	fresh := 0.0
	if c.src.CountersFresh() {
		fresh = 1
	}
	ch <- prometheus.MustNewConstMetric(freshDesc, prometheus.GaugeValue, fresh)
}
