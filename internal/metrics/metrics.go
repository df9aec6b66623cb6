// Package metrics collects and exposes bisection run observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-host counters + time series) for
//     a lightweight JSON status endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// # Concurrency — hot path
//
// RecordIteration is called from the phase engine once per iteration and
// must be fast. It uses atomic increments for global counters and
// dispatches a lightweight event onto a buffered channel (tsChan) for the
// time-series worker to process asynchronously, so no lock is held on the
// hot path. RecordHostResult updates per-host counters with atomics only;
// the phase engine does not call it.
//
// The per-host HostMetrics struct also uses atomic operations exclusively;
// the sync.Map that stores per-host entries is read-heavy and
// write-once-per-new-host, which is the ideal use case for sync.Map.
//
// # Invariants
//
//   - TotalIterations == GoodVerdicts + BadVerdicts + SkipVerdicts (once an
//     iteration's aggregate verdict is recorded).
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Iterations   int64
	Errors       int64
	TotalLatency int64
	Count        int64
}

// Metrics collects and exposes bisection run metrics.
type Metrics struct {
	TotalIterations atomic.Int64
	GoodVerdicts    atomic.Int64
	BadVerdicts     atomic.Int64
	SkipVerdicts    atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	BuildFailures atomic.Int64
	BootFailures  atomic.Int64
	TestFailures  atomic.Int64

	hostMetrics sync.Map // host name -> *HostMetrics

	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// HostMetrics tracks per-host phase outcomes.
type HostMetrics struct {
	Iterations    atomic.Int64
	BuildFailures atomic.Int64
	BootFailures  atomic.Int64
	TestFailures  atomic.Int64
	TotalMs       atomic.Int64
	MinMs         atomic.Int64
	MaxMs         atomic.Int64
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1))
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordIteration records an iteration's aggregated verdict and wall time.
func (m *Metrics) RecordIteration(verdict string, durationMs int64) {
	m.TotalIterations.Add(1)
	switch verdict {
	case "good":
		m.GoodVerdicts.Add(1)
	case "bad":
		m.BadVerdicts.Add(1)
	case "skip":
		m.SkipVerdicts.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	m.recordTimeSeries(durationMs, verdict == "")
	RecordPrometheusIteration(verdict, durationMs)
}

// RecordHostResult records one host's phase outcome within an iteration.
func (m *Metrics) RecordHostResult(host string, buildOK, bootOK, testOK bool, durationMs int64) {
	hm := m.getHostMetrics(host)
	hm.Iterations.Add(1)
	if !buildOK {
		hm.BuildFailures.Add(1)
		m.BuildFailures.Add(1)
	}
	if !bootOK {
		hm.BootFailures.Add(1)
		m.BootFailures.Add(1)
	}
	if !testOK {
		hm.TestFailures.Add(1)
		m.TestFailures.Add(1)
	}
	hm.TotalMs.Add(durationMs)
	updateMin(&hm.MinMs, durationMs)
	updateMax(&hm.MaxMs, durationMs)

	RecordPrometheusHostResult(host, buildOK, bootOK, testOK, durationMs)
}

func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Iterations++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

func (m *Metrics) getHostMetrics(host string) *HostMetrics {
	if v, ok := m.hostMetrics.Load(host); ok {
		return v.(*HostMetrics)
	}

	hm := &HostMetrics{}
	hm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.hostMetrics.LoadOrStore(host, hm)
	return actual.(*HostMetrics)
}

// GetHostMetrics returns the metrics for a specific host (or nil if none recorded yet).
func (m *Metrics) GetHostMetrics(host string) *HostMetrics {
	if v, ok := m.hostMetrics.Load(host); ok {
		return v.(*HostMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalIterations.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"iterations": map[string]interface{}{
			"total": total,
			"good":  m.GoodVerdicts.Load(),
			"bad":   m.BadVerdicts.Load(),
			"skip":  m.SkipVerdicts.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"phase_failures": map[string]interface{}{
			"build": m.BuildFailures.Load(),
			"boot":  m.BootFailures.Load(),
			"test":  m.TestFailures.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}
}

// HostStats returns per-host metrics.
func (m *Metrics) HostStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.hostMetrics.Range(func(key, value interface{}) bool {
		host := key.(string)
		hm := value.(*HostMetrics)

		total := hm.Iterations.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(hm.TotalMs.Load()) / float64(total)
		}

		minMs := hm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[host] = map[string]interface{}{
			"iterations":     total,
			"build_failures": hm.BuildFailures.Load(),
			"boot_failures":  hm.BootFailures.Load(),
			"test_failures":  hm.TestFailures.Load(),
			"avg_ms":         avgMs,
			"min_ms":         minMs,
			"max_ms":         hm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["hosts"] = m.HostStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"iterations":   bucket.Iterations,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
