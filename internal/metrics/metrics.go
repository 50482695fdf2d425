// Package metrics records run statistics in a Prometheus registry that can
// be exported as a node_exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// File states reported by the files gauge.
const (
	StateDiscovered = "discovered"
	StateParsed     = "parsed"
	StateReused     = "reused"
	StateFailed     = "failed"
	StateSkipped    = "skipped"
)

// Metrics holds one registry per process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ParseDuration *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec
	Files         *prometheus.GaugeVec
	GraphNodes    prometheus.Gauge
	GraphEdges    prometheus.Gauge
	RankIters     prometheus.Gauge
	RankConverged prometheus.Gauge
	Runs          *prometheus.CounterVec
	WatchEvents   prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ParseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcecrumb_parse_seconds",
			Help:    "Time spent extracting tags from one source file.",
			Buckets: prometheus.DefBuckets,
		}, []string{"language"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sourcecrumb_stage_seconds",
			Help:    "Time spent in each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		Files: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sourcecrumb_files",
			Help: "Files seen by the last run, by state.",
		}, []string{"state"}),
		GraphNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sourcecrumb_graph_nodes",
			Help: "Number of nodes in the dependency graph.",
		}),
		GraphEdges: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sourcecrumb_graph_edges",
			Help: "Number of edges in the dependency graph.",
		}),
		RankIters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sourcecrumb_rank_iterations",
			Help: "Power iterations used by the last ranking.",
		}),
		RankConverged: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sourcecrumb_rank_converged",
			Help: "1 if the last ranking converged within its iteration bound.",
		}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcecrumb_runs_total",
			Help: "Completed runs, by result.",
		}, []string{"result"}),
		WatchEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "sourcecrumb_watch_events_total",
			Help: "File system events received in watch mode.",
		}),
	}
}

// ObserveParse records one extraction.
func (m *Metrics) ObserveParse(language string, d time.Duration) {
	if m == nil {
		return
	}
	m.ParseDuration.WithLabelValues(language).Observe(d.Seconds())
}

// ObserveStage records the duration of a pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetFiles sets the count for one file state.
func (m *Metrics) SetFiles(state string, n int) {
	if m == nil {
		return
	}
	m.Files.WithLabelValues(state).Set(float64(n))
}

// SetGraph records graph size and ranking outcome.
func (m *Metrics) SetGraph(nodes, edges, iterations int, converged bool) {
	if m == nil {
		return
	}
	m.GraphNodes.Set(float64(nodes))
	m.GraphEdges.Set(float64(edges))
	m.RankIters.Set(float64(iterations))
	if converged {
		m.RankConverged.Set(1)
	} else {
		m.RankConverged.Set(0)
	}
}

// RunDone counts a finished run.
func (m *Metrics) RunDone(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Runs.WithLabelValues(result).Inc()
}

// WatchEvent counts one file system event.
func (m *Metrics) WatchEvent() {
	if m == nil {
		return
	}
	m.WatchEvents.Inc()
}

// WriteFile exports the registry in the text exposition format. The write
// is atomic.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
