// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	bundlesReceived      = metrics.NewCounter("bundles_received_total")
	bundlesReceivedValid = metrics.NewCounter("bundles_received_valid_total")
	bundlesRejectedDrops = metrics.NewCounter("bundles_rejected_dropped_total")
	bundlesCancelled     = metrics.NewCounter("bundles_cancelled_total")
	queueFullBundles     = metrics.NewCounter("bundles_queue_full_total")
	queueStaleBundles    = metrics.NewCounter("bundles_queue_stale_total")

	bundlesCommitted = metrics.NewCounter("bundles_committed_total")
	bundlesAborted   = metrics.NewCounter("bundles_aborted_total")

	bundleValidationDuration = metrics.NewSummary("bundle_validation_duration_milliseconds")
	bundleAddQueueDuration   = metrics.NewSummary("bundle_add_queue_duration_milliseconds")
	bundleProcessDuration    = metrics.NewSummary("bundle_process_duration_milliseconds")
)

const (
	bundleAttemptsLabel  = `bundle_attempts_total{error="%s"}`
	bundlesDroppedLabel  = `bundles_dropped_total{reason="%s"}`
	rpcCallDurationLabel = `rpc_call_duration_milliseconds{method="%s"}`
	rpcCallFailureLabel  = `rpc_call_failure_total{method="%s"}`
)

func IncBundlesReceived() {
	bundlesReceived.Inc()
}

func IncBundlesReceivedValid() {
	bundlesReceivedValid.Inc()
}

func IncBundlesRejectedDrops() {
	bundlesRejectedDrops.Inc()
}

func IncBundlesCancelled() {
	bundlesCancelled.Inc()
}

func IncQueueFullBundles() {
	queueFullBundles.Inc()
}

func IncQueueStaleBundles() {
	queueStaleBundles.Inc()
}

// IncBundleAttempt counts one execution attempt, errorKind is "none" for committed attempts.
func IncBundleAttempt(errorKind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(bundleAttemptsLabel, errorKind)).Inc()
}

func IncBundleCommitted() {
	bundlesCommitted.Inc()
}

func IncBundleDropped(reason string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(bundlesDroppedLabel, reason)).Inc()
}

func IncBundleAborted() {
	bundlesAborted.Inc()
}

func RecordBundleValidationDuration(duration int64) {
	bundleValidationDuration.Update(float64(duration))
}

func RecordBundleAddQueueDuration(duration int64) {
	bundleAddQueueDuration.Update(float64(duration))
}

func RecordBundleProcessDuration(duration int64) {
	bundleProcessDuration.Update(float64(duration))
}

func RecordRPCCallDuration(method string, duration int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(rpcCallDurationLabel, method)).Update(float64(duration))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(rpcCallFailureLabel, method)).Inc()
}
