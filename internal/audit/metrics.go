package audit

import (
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Bucket boundaries fixed by §6.
var durationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

// JobStatusCounter is satisfied by the job queue: metrics are computed
// on-demand from the source of truth, never from in-process counters that
// could drift (§6 "no in-process counters drifting from source of truth").
type JobStatusCounter interface {
	CountByStatus() map[string]int
}

// Metrics exposes Axis's on-demand metrics via a Prometheus Collector.
// It queries JobStatusCounter at collection time instead of caching state.
type Metrics struct {
	jobs JobStatusCounter

	mu               sync.Mutex
	durationSamples  []float64 // last-N sample of completed-job durations, seconds
	maxSamples       int
	toolExecutions   map[toolOutcomeKey]int
	validatorVerdict map[string]int

	jobsGauge        *prometheus.Desc
	durationHist     *prometheus.Desc
	toolExecGauge    *prometheus.Desc
	validatorGauge   *prometheus.Desc
	rssGauge         *prometheus.Desc
	sysMemGauge      *prometheus.Desc
}

type toolOutcomeKey struct {
	tool    string
	outcome string
}

// NewMetrics builds a Metrics collector backed by jobs for status counts.
func NewMetrics(jobs JobStatusCounter) *Metrics {
	return &Metrics{
		jobs:             jobs,
		maxSamples:       1000,
		toolExecutions:   make(map[toolOutcomeKey]int),
		validatorVerdict: make(map[string]int),
		jobsGauge:        prometheus.NewDesc("axis_jobs", "Count of jobs by status", []string{"status"}, nil),
		durationHist:     prometheus.NewDesc("axis_job_duration_seconds", "Completed job duration histogram", nil, nil),
		toolExecGauge:    prometheus.NewDesc("axis_tool_executions", "Tool execution counts by tool and outcome", []string{"tool", "outcome"}, nil),
		validatorGauge:   prometheus.NewDesc("axis_validator_verdicts", "Validator verdict counts", []string{"verdict"}, nil),
		rssGauge:         prometheus.NewDesc("axis_process_rss_bytes", "Process resident set size", nil, nil),
		sysMemGauge:      prometheus.NewDesc("axis_system_memory_bytes", "System memory metrics", []string{"kind"}, nil),
	}
}

// RecordJobDuration appends a completed job's duration to the last-N sample.
func (m *Metrics) RecordJobDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durationSamples = append(m.durationSamples, d.Seconds())
	if len(m.durationSamples) > m.maxSamples {
		m.durationSamples = m.durationSamples[len(m.durationSamples)-m.maxSamples:]
	}
}

// RecordToolExecution increments the counter for one tool/outcome pair.
func (m *Metrics) RecordToolExecution(tool, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolExecutions[toolOutcomeKey{tool, outcome}]++
}

// RecordValidatorVerdict increments the counter for one verdict.
func (m *Metrics) RecordValidatorVerdict(verdict string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validatorVerdict[verdict]++
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.jobsGauge
	ch <- m.durationHist
	ch <- m.toolExecGauge
	ch <- m.validatorGauge
	ch <- m.rssGauge
	ch <- m.sysMemGauge
}

// Collect implements prometheus.Collector, computing everything fresh.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m.jobs != nil {
		for status, count := range m.jobs.CountByStatus() {
			ch <- prometheus.MustNewConstMetric(m.jobsGauge, prometheus.GaugeValue, float64(count), status)
		}
	}

	m.mu.Lock()
	buckets := make(map[float64]uint64, len(durationBuckets))
	var sum float64
	var count uint64
	for _, s := range m.durationSamples {
		sum += s
		count++
		for _, b := range durationBuckets {
			if s <= b {
				buckets[b]++
			}
		}
	}
	toolExec := make(map[toolOutcomeKey]int, len(m.toolExecutions))
	for k, v := range m.toolExecutions {
		toolExec[k] = v
	}
	verdicts := make(map[string]int, len(m.validatorVerdict))
	for k, v := range m.validatorVerdict {
		verdicts[k] = v
	}
	m.mu.Unlock()

	histMetric, err := prometheus.NewConstHistogram(m.durationHist, count, sum, buckets)
	if err == nil {
		ch <- histMetric
	}

	for k, v := range toolExec {
		ch <- prometheus.MustNewConstMetric(m.toolExecGauge, prometheus.GaugeValue, float64(v), k.tool, k.outcome)
	}
	for verdict, v := range verdicts {
		ch <- prometheus.MustNewConstMetric(m.validatorGauge, prometheus.GaugeValue, float64(v), verdict)
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			ch <- prometheus.MustNewConstMetric(m.rssGauge, prometheus.GaugeValue, float64(mi.RSS))
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		ch <- prometheus.MustNewConstMetric(m.sysMemGauge, prometheus.GaugeValue, float64(vm.Total), "total")
		ch <- prometheus.MustNewConstMetric(m.sysMemGauge, prometheus.GaugeValue, float64(vm.Available), "available")
	}
}
