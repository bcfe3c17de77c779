// Package monitoring tracks live ingestion metrics.
//
// Counters are registered with Prometheus for scraping and mirrored in an
// in-process snapshot that backs the JSON /metrics and /health payloads.
package monitoring

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// recentWindow bounds how many processing durations feed the latency
// percentiles. Old samples age out as new requests arrive.
const recentWindow = 2048

// Metrics tracks ingestion throughput, latency, and error counters.
type Metrics struct {
	mu sync.Mutex

	startedAt       time.Time
	eventsProcessed int64
	kafkaWrites     int64
	dlqEvents       int64
	bufferEvents    int64

	durations []float64 // milliseconds, ring of recentWindow
	durIdx    int

	recentEvents []time.Time // accepted-at stamps for events/sec

	promProcessed  prometheus.Counter
	promKafka      prometheus.Counter
	promDLQ        prometheus.Counter
	promBuffered   prometheus.Gauge
	promProcessing prometheus.Histogram
}

// Snapshot is the JSON shape served by GET /metrics.
type Snapshot struct {
	EventsProcessedTotal int64   `json:"events_processed_total"`
	EventsPerSecond      float64 `json:"events_per_second"`
	KafkaWritesTotal     int64   `json:"kafka_writes_total"`
	DLQEventsTotal       int64   `json:"dlq_events_total"`
	BufferEventsCount    int64   `json:"buffer_events_count"`
	AvgProcessingTimeMs  float64 `json:"avg_processing_time_ms"`
	P99ProcessingTimeMs  float64 `json:"p99_processing_time_ms"`
}

// New registers the pipeline collectors with reg and returns the tracker.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startedAt: time.Now(),
		promProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "events_processed_total",
			Help: "Events accepted by the collector.",
		}),
		promKafka: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_writes_total",
			Help: "Events confirmed written to the broker.",
		}),
		promDLQ: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlq_events_total",
			Help: "Events routed to a dead-letter topic.",
		}),
		promBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buffer_events_count",
			Help: "Events currently buffered in the disk spool.",
		}),
		promProcessing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "collect_processing_seconds",
			Help:    "POST /collect processing time.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.promProcessed, m.promKafka, m.promDLQ, m.promBuffered, m.promProcessing)
	}
	return m
}

// EventsProcessed records n accepted events.
func (m *Metrics) EventsProcessed(n int) {
	m.mu.Lock()
	m.eventsProcessed += int64(n)
	now := time.Now()
	for i := 0; i < n; i++ {
		m.recentEvents = append(m.recentEvents, now)
	}
	// Trim stamps older than the rate window.
	cutoff := now.Add(-10 * time.Second)
	trim := 0
	for trim < len(m.recentEvents) && m.recentEvents[trim].Before(cutoff) {
		trim++
	}
	m.recentEvents = m.recentEvents[trim:]
	m.mu.Unlock()
	m.promProcessed.Add(float64(n))
}

// KafkaWrites records n broker-confirmed writes.
func (m *Metrics) KafkaWrites(n int) {
	m.mu.Lock()
	m.kafkaWrites += int64(n)
	m.mu.Unlock()
	m.promKafka.Add(float64(n))
}

// DLQEvents records n dead-lettered events.
func (m *Metrics) DLQEvents(n int) {
	m.mu.Lock()
	m.dlqEvents += int64(n)
	m.mu.Unlock()
	m.promDLQ.Add(float64(n))
}

// BufferedEvents adjusts the spool occupancy by delta (may be negative).
func (m *Metrics) BufferedEvents(delta int) {
	m.mu.Lock()
	m.bufferEvents += int64(delta)
	if m.bufferEvents < 0 {
		m.bufferEvents = 0
	}
	v := m.bufferEvents
	m.mu.Unlock()
	m.promBuffered.Set(float64(v))
}

// ObserveProcessing records one request's processing duration.
func (m *Metrics) ObserveProcessing(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	m.mu.Lock()
	if len(m.durations) < recentWindow {
		m.durations = append(m.durations, ms)
	} else {
		m.durations[m.durIdx] = ms
		m.durIdx = (m.durIdx + 1) % recentWindow
	}
	m.mu.Unlock()
	m.promProcessing.Observe(d.Seconds())
}

// UptimeSeconds reports how long the process has been serving.
func (m *Metrics) UptimeSeconds() float64 {
	return time.Since(m.startedAt).Seconds()
}

// Snapshot computes the JSON counters from current state.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		EventsProcessedTotal: m.eventsProcessed,
		KafkaWritesTotal:     m.kafkaWrites,
		DLQEventsTotal:       m.dlqEvents,
		BufferEventsCount:    m.bufferEvents,
	}

	cutoff := time.Now().Add(-10 * time.Second)
	recent := 0
	for _, t := range m.recentEvents {
		if t.After(cutoff) {
			recent++
		}
	}
	snap.EventsPerSecond = float64(recent) / 10.0

	if n := len(m.durations); n > 0 {
		sorted := make([]float64, n)
		copy(sorted, m.durations)
		sort.Float64s(sorted)
		sum := 0.0
		for _, v := range sorted {
			sum += v
		}
		snap.AvgProcessingTimeMs = sum / float64(n)
		idx := int(float64(n)*0.99) - 1
		if idx < 0 {
			idx = 0
		}
		snap.P99ProcessingTimeMs = sorted[idx]
	}
	return snap
}
