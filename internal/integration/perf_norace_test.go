//go:build !race

package integration

import "time"

// perfP99Threshold is the maximum acceptable p99 inspection latency
// without the race detector.
var perfP99Threshold = 25 * time.Millisecond

// perfP50Threshold is the maximum acceptable p50 inspection latency
// without the race detector.
var perfP50Threshold = 5 * time.Millisecond
