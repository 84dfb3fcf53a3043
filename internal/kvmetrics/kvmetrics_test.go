package kvmetrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	counters []string
	samples  map[string]float32
}

func newFakeSink() *fakeSink {
	return &fakeSink{samples: make(map[string]float32)}
}

func (f *fakeSink) IncrCounter(key []string, val float32) {
	f.counters = append(f.counters, keyName(key))
}

func (f *fakeSink) SetGauge(key []string, val float32) {
	f.samples[keyName(key)] = val
}

func (f *fakeSink) AddSample(key []string, val float32) {
	f.samples[keyName(key)] = val
}

func keyName(key []string) string {
	out := ""
	for i, k := range key {
		if i > 0 {
			out += "."
		}
		out += k
	}
	return out
}

func TestRecordCommittedTransaction(t *testing.T) {
	sink := newFakeSink()
	Record(sink, CommitSample{
		PageCount: 3,
		Write:     3,
		Duration:  5 * time.Millisecond,
		Committed: true,
	})

	require.Contains(t, sink.counters, "ember.tx.commit")
	require.Equal(t, float32(3), sink.samples["ember.tx.page_count"])
	require.Equal(t, float32(3), sink.samples["ember.tx.write_count"])
}

func TestRecordRolledBackTransaction(t *testing.T) {
	sink := newFakeSink()
	Record(sink, CommitSample{Committed: false})

	require.Contains(t, sink.counters, "ember.tx.rollback")
}

func TestRecordNilSinkIsNoop(t *testing.T) {
	require.NotPanics(t, func() {
		Record(nil, CommitSample{Committed: true})
	})
}

func TestNewInmemSink(t *testing.T) {
	sink := NewInmemSink(time.Second, time.Minute)
	require.NotNil(t, sink)
	sink.IncrCounter([]string{"test"}, 1)
}
