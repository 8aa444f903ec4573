// Package bundlestage implements atomic execution of MEV bundles on a block producing validator.
// Here is a full flow of a bundle through the node:
//
// JSON-RPC -> API validates the bundle and derives its tip
// API -> BundleQueue schedules the bundle for its target slots
// BundleQueue -> BundleWorker is called with the next bundle to execute
//
//	BundleWorker -> BundleConsumer retries the bundle until it is committed, dropped or aborted
//	BundleConsumer -> Engine runs a single attempt: lock, height check, cost check, execution, tip settlement
//	BundleConsumer -> OutcomeStore records every attempt and the final outcome
//
// Shutdown stops every attempt at its next suspension point.
package bundlestage

import "time"

const (
	MaxBundleSize = 5

	// MaxSlotRange is the number of slots after the current one a bundle may target.
	MaxSlotRange = uint64(8)

	storeTimeout = 2 * time.Second
)
