package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/input-output-hk/branchline/src/domain"
)

const (
	DeployResultApplied   = "applied"
	DeployResultUnchanged = "unchanged"
	DeployResultFailed    = "failed"
)

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	selfUpdates   *prometheus.CounterVec
	deploys       *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "branchline_runs_total",
			Help: "Finished pipeline runs by terminal status.",
		}, []string{"branch", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "branchline_stage_duration_seconds",
			Help:    "Time from entering a stage until its barrier.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"branch", "stage"}),
		selfUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "branchline_self_updates_total",
			Help: "Pipeline definitions applied by the self-update stage.",
		}, []string{"branch"}),
		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "branchline_deploys_total",
			Help: "Deploy attempts by result.",
		}, []string{"branch", "result"}),
	}

	if registerer != nil {
		registerer.MustRegister(metrics.runs, metrics.stageDuration, metrics.selfUpdates, metrics.deploys)
	}

	return metrics
}

func (self *Metrics) runFinished(branch domain.Branch, status domain.RunStatus) {
	if self == nil {
		return
	}
	self.runs.WithLabelValues(branch.String(), status.String()).Inc()
}

func (self *Metrics) stageFinished(branch domain.Branch, stage string, duration time.Duration) {
	if self == nil {
		return
	}
	self.stageDuration.WithLabelValues(branch.String(), stage).Observe(duration.Seconds())
}

func (self *Metrics) selfUpdated(branch domain.Branch) {
	if self == nil {
		return
	}
	self.selfUpdates.WithLabelValues(branch.String()).Inc()
}

func (self *Metrics) deployed(branch domain.Branch, result string) {
	if self == nil {
		return
	}
	self.deploys.WithLabelValues(branch.String(), result).Inc()
}
