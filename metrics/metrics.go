// Package metrics contains all application-logic metrics.
package metrics

import (
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	bundlesReceived     = metrics.NewCounter("bundles_received_total")
	bundlesAccepted     = metrics.NewCounter("bundles_accepted_total")
	bundlesRejected     = metrics.NewCounter("bundles_rejected_total")
	bundlesLanded       = metrics.NewCounter("bundles_landed_total")
	bundlesExpired      = metrics.NewCounter("bundles_expired_total")
	bundlesFailed       = metrics.NewCounter("bundles_failed_total")
	dailyCapRejections  = metrics.NewCounter("bundles_daily_cap_exceeded_total")

	stageDurationValidate = metrics.NewHistogram(`pipeline_stage_duration_seconds{stage="validate"}`)
	stageDurationPayment  = metrics.NewHistogram(`pipeline_stage_duration_seconds{stage="payment"}`)
	stageDurationForge    = metrics.NewHistogram(`pipeline_stage_duration_seconds{stage="forge"}`)
	stageDurationDispatch = metrics.NewHistogram(`pipeline_stage_duration_seconds{stage="dispatch"}`)
)

func IncBundlesReceived()    { bundlesReceived.Inc() }
func IncBundlesAccepted()    { bundlesAccepted.Inc() }
func IncBundlesRejected()    { bundlesRejected.Inc() }
func IncBundlesLanded()      { bundlesLanded.Inc() }
func IncBundlesExpired()     { bundlesExpired.Inc() }
func IncBundlesFailed()      { bundlesFailed.Inc() }
func IncDailyCapRejections() { dailyCapRejections.Inc() }

// RecordStageDuration records how long one pipeline stage took, called
// via defer at the call site around each stage.
func RecordStageDuration(stage string, d time.Duration) {
	switch stage {
	case "validate":
		stageDurationValidate.Update(d.Seconds())
	case "payment":
		stageDurationPayment.Update(d.Seconds())
	case "forge":
		stageDurationForge.Update(d.Seconds())
	case "dispatch":
		stageDurationDispatch.Update(d.Seconds())
	}
}

// IncRelaySubmissionOutcome counts one relay's submission outcome. The
// VictoriaMetrics registry itself dedups by name, so no local cache is
// needed even though the builder set is config-driven.
func IncRelaySubmissionOutcome(builder, outcome string) {
	metrics.GetOrCreateCounter(`relay_submissions_total{builder="` + builder + `",outcome="` + outcome + `"}`).Inc()
}
