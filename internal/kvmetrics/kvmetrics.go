// Package kvmetrics bridges per-transaction counters to a go-metrics sink,
// so a process embedding the store can export commit-path statistics
// (pages written, spills, rebalances) through whatever the caller already
// uses for telemetry.
package kvmetrics

import (
	"time"

	gometrics "github.com/armon/go-metrics"
)

// CommitSample is a point-in-time snapshot of one committed (or rolled
// back) transaction's counters, decoupled from the store's own Tx/TxStats
// types so this package never imports the root module.
type CommitSample struct {
	PageCount   int64
	PageAlloc   int64
	CursorCount int64
	NodeCount   int64
	Rebalance   int64
	Split       int64
	Spill       int64
	Write       int64
	Duration    time.Duration
	Committed   bool
}

// Sink is the minimal surface this package needs from a go-metrics
// handle, satisfied by *gometrics.Metrics (armon/go-metrics, resolved via
// the module's replace directive to the hashicorp fork).
type Sink interface {
	IncrCounter(key []string, val float32)
	SetGauge(key []string, val float32)
	AddSample(key []string, val float32)
}

var _ Sink = (*gometrics.Metrics)(nil)

// Record emits one commit's counters as a set of go-metrics keys, prefixed
// "ember.tx.*". Counters are cumulative (IncrCounter); page/write volumes
// and commit latency are recorded as samples so the sink's configured
// aggregation (percentiles, moving average) applies.
func Record(sink Sink, s CommitSample) {
	if sink == nil {
		return
	}

	status := "rollback"
	if s.Committed {
		status = "commit"
	}

	sink.IncrCounter([]string{"ember", "tx", status}, 1)
	sink.AddSample([]string{"ember", "tx", "page_count"}, float32(s.PageCount))
	sink.AddSample([]string{"ember", "tx", "page_alloc_bytes"}, float32(s.PageAlloc))
	sink.AddSample([]string{"ember", "tx", "cursor_count"}, float32(s.CursorCount))
	sink.AddSample([]string{"ember", "tx", "node_count"}, float32(s.NodeCount))
	sink.AddSample([]string{"ember", "tx", "rebalance_count"}, float32(s.Rebalance))
	sink.AddSample([]string{"ember", "tx", "split_count"}, float32(s.Split))
	sink.AddSample([]string{"ember", "tx", "spill_count"}, float32(s.Spill))
	sink.AddSample([]string{"ember", "tx", "write_count"}, float32(s.Write))
	sink.AddSample([]string{"ember", "tx", "commit_ms"}, float32(s.Duration.Milliseconds()))
}

// NewInmemSink builds a short-window in-memory go-metrics sink suitable for
// tests, with no external exporter attached.
func NewInmemSink(interval, retain time.Duration) *gometrics.InmemSink {
	return gometrics.NewInmemSink(interval, retain)
}
