// Package observability tracks per-survey ingestion counters for a CLI run
// and exports them for the node exporter textfile collector.
package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter names one ingestion counter.
type Counter string

const (
	NameMatches      Counter = "name_matches"
	SpatialMatches   Counter = "spatial_matches"
	NewIDs           Counter = "new_ids"
	CopiedRows       Counter = "copied_rows"
	SkippedRows      Counter = "skipped_rows"
	StagedRows       Counter = "staged_rows"
	SummariesUpdated Counter = "summaries_updated"
	Distances        Counter = "distances"
	Errors           Counter = "errors"
)

// AllCounters lists every counter in export order.
var AllCounters = []Counter{
	NameMatches, SpatialMatches, NewIDs, CopiedRows, SkippedRows,
	StagedRows, SummariesUpdated, Distances, Errors,
}

// SurveyStats holds the counters of one survey.
type SurveyStats struct {
	Survey   string
	Counts   map[Counter]int64
	LastSeen time.Time
}

// RunStats tracks ingestion counters per survey. Counts are mirrored into
// Prometheus counters on a private registry so several runs in one process
// (tests) do not collide.
type RunStats struct {
	mu       sync.RWMutex
	surveys  map[string]*SurveyStats
	registry *prometheus.Registry
	counters map[Counter]*prometheus.CounterVec
	duration *prometheus.GaugeVec
}

// NewRunStats creates a tracker with its own registry.
func NewRunStats() *RunStats {
	r := &RunStats{
		surveys:  make(map[string]*SurveyStats),
		registry: prometheus.NewRegistry(),
		counters: make(map[Counter]*prometheus.CounterVec, len(AllCounters)),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marshall",
			Subsystem: "ingest",
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last import of a survey.",
		}, []string{"survey"}),
	}
	for _, c := range AllCounters {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marshall",
			Subsystem: "ingest",
			Name:      string(c) + "_total",
			Help:      fmt.Sprintf("Number of %s per survey.", humanName(c)),
		}, []string{"survey"})
		r.registry.MustRegister(vec)
		r.counters[c] = vec
	}
	r.registry.MustRegister(r.duration)
	return r
}

func humanName(c Counter) string {
	b := []byte(c)
	for i := range b {
		if b[i] == '_' {
			b[i] = ' '
		}
	}
	return string(b)
}

// Add increments a survey counter. Non-positive deltas are ignored.
// This method is thread-safe.
func (r *RunStats) Add(survey string, c Counter, delta int64) {
	if delta <= 0 {
		return
	}
	vec, ok := r.counters[c]
	if !ok {
		return
	}

	r.mu.Lock()
	s, exists := r.surveys[survey]
	if !exists {
		s = &SurveyStats{Survey: survey, Counts: make(map[Counter]int64)}
		r.surveys[survey] = s
	}
	s.Counts[c] += delta
	s.LastSeen = time.Now()
	r.mu.Unlock()

	vec.WithLabelValues(survey).Add(float64(delta))
}

// ObserveDuration records how long the last import of a survey took.
func (r *RunStats) ObserveDuration(survey string, d time.Duration) {
	r.duration.WithLabelValues(survey).Set(d.Seconds())
}

// Get returns one counter of a survey.
func (r *RunStats) Get(survey string, c Counter) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.surveys[survey]; ok {
		return s.Counts[c]
	}
	return 0
}

// Snapshot returns a copy of every survey's counters ordered by survey.
func (r *RunStats) Snapshot() []SurveyStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SurveyStats, 0, len(r.surveys))
	for _, s := range r.surveys {
		counts := make(map[Counter]int64, len(s.Counts))
		for c, n := range s.Counts {
			counts[c] = n
		}
		out = append(out, SurveyStats{Survey: s.Survey, Counts: counts, LastSeen: s.LastSeen})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Survey < out[j].Survey
	})
	return out
}

// Registry returns the registry holding the run counters.
func (r *RunStats) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes the counters in the Prometheus text format. The
// file is written atomically.
func (r *RunStats) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
