// Package metrics 定义续签过程的Prometheus指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"me.sttot/cert-reconciler/src/models"
)

func init() {
	prometheus.MustRegister(RenewalRuns)
	prometheus.MustRegister(DaysRemaining)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(RateLimitBackoffs)
}

var (
	// RenewalRuns 按结果和失败阶段统计运行次数
	RenewalRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autocert_renewal_runs_total",
			Help: "Total renewal runs per outcome and failed stage",
		},
		[]string{"outcome", "stage"},
	)

	// DaysRemaining 记录最近一次检查时证书剩余的天数
	DaysRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autocert_certificate_days_remaining",
			Help: "Days until the deployed certificate expires, as of the last inspection",
		},
		[]string{"namespace", "secret"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autocert_renewal_run_duration_seconds",
			Help:    "Duration of renewal runs",
			Buckets: []float64{0.1, 1, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	RateLimitBackoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autocert_rate_limit_backoffs_total",
			Help: "Backoffs scheduled after the certificate authority rate limited a target",
		},
		[]string{"namespace", "secret"},
	)
)

// ObserveOutcome 记录一次运行的结果
func ObserveOutcome(outcome models.RenewalOutcome, seconds float64) {
	stage := ""
	if outcome.Kind == models.OutcomeFailed {
		stage = string(outcome.Stage)
	}
	RenewalRuns.WithLabelValues(string(outcome.Kind), stage).Inc()
	RunDuration.WithLabelValues(string(outcome.Kind)).Observe(seconds)
}
