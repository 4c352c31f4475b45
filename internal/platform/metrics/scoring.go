package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/howdju/howdju-scoring/internal/core/scoring"
)

// ScoringMetrics はスコアリング実行のメトリクス
type ScoringMetrics struct {
	Runs            *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	VotesProcessed  *prometheus.CounterVec
	VotesRejected   *prometheus.CounterVec
	EntitiesUpdated *prometheus.CounterVec
	LastSuccess     *prometheus.GaugeVec
}

// NewScoringMetrics はメトリクスを作成し、reg に登録します
func NewScoringMetrics(reg prometheus.Registerer) *ScoringMetrics {
	m := &ScoringMetrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of scoring runs, by job type and result.",
		}, []string{"job_type", "result"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of scoring runs in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"job_type"}),
		VotesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_processed_total",
			Help:      "Total number of votes read by committed scoring runs.",
		}, []string{"job_type"}),
		VotesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_rejected_total",
			Help:      "Total number of votes excluded for an unrecognized polarity.",
		}, []string{"job_type"}),
		EntitiesUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_updated_total",
			Help:      "Total number of entity scores updated by committed scoring runs.",
		}, []string{"job_type"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Checkpoint time of the last successful scoring run.",
		}, []string{"job_type"}),
	}

	reg.MustRegister(m.Runs, m.RunDuration, m.VotesProcessed, m.VotesRejected, m.EntitiesUpdated, m.LastSuccess)
	return m
}

var _ scoring.RunObserver = (*ScoringMetrics)(nil)

// ObserveRun は実行結果をメトリクスに反映する
// 失敗・ドライランの件数はコミットされていないため加算しない
func (m *ScoringMetrics) ObserveRun(report *scoring.RunReport) {
	jobType := string(report.JobType)

	result := scoring.RunStatusSucceeded
	switch {
	case report.Err != nil:
		result = scoring.RunStatusFailed
	case report.DryRun:
		result = scoring.RunStatusDryRun
	}
	m.Runs.WithLabelValues(jobType, string(result)).Inc()
	m.RunDuration.WithLabelValues(jobType).Observe(report.Duration().Seconds())

	if result != scoring.RunStatusSucceeded {
		return
	}
	m.VotesProcessed.WithLabelValues(jobType).Add(float64(report.VoteCount))
	m.VotesRejected.WithLabelValues(jobType).Add(float64(report.RejectedVotes))
	m.EntitiesUpdated.WithLabelValues(jobType).Add(float64(report.EntityCount))
	m.LastSuccess.WithLabelValues(jobType).Set(float64(report.CheckpointAt.Unix()))
}
