package ember

import (
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/emberdb/ember/internal/kvmetrics"
)

// DefaultInitialPages is the number of pages a freshly created file is
// pre-sized to hold, absent an explicit Options.InitialPages.
const DefaultInitialPages = 32

// MinInitialPages is the floor enforced on Options.InitialPages.
const MinInitialPages = 4

// DefaultFillPercent is the target page occupancy used by node.spill when
// Options.FillPercent is left zero.
const DefaultFillPercent = 0.5

// MinFillPercent and MaxFillPercent bound Options.FillPercent.
const (
	MinFillPercent = 0.1
	MaxFillPercent = 1.0
)

// minPageSize is the smallest page size Open accepts.
const minPageSize = 512

// Options configures Open. The zero value is valid and resolves every field
// to its documented default.
type Options struct {
	// PageSize is the on-disk page size in bytes. Must be >= 512 and a
	// power of two. Defaults to the OS page size, which is required for
	// correct mmap alignment on every platform this store supports.
	PageSize int

	// InitialPages is how many pages a brand new file is pre-allocated to,
	// expressed in PageSize units. Defaults to DefaultInitialPages, floored
	// at MinInitialPages.
	InitialPages int

	// FillPercent is the default target page occupancy used by every
	// bucket's spill phase unless the bucket overrides Bucket.FillPercent.
	// Clamped to [MinFillPercent, MaxFillPercent].
	FillPercent float64

	// ReadOnly opens the file without acquiring the writer lock and refuses
	// to start writable transactions.
	ReadOnly bool

	// Logger receives an Info message when the database is opened; close,
	// commit, rollback, remap and freelist reload are not logged. Defaults
	// to a logger that discards output.
	Logger hclog.Logger

	// NoSync disables fsync after writing pages and meta. Only meant for
	// tests that do not care about crash durability.
	NoSync bool

	// Metrics, when set, receives a sample of commit-path counters after
	// every writable transaction finishes (committed or rolled back);
	// read-only transactions record nothing. See internal/kvmetrics.
	Metrics kvmetrics.Sink
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = os.Getpagesize()
	}
	if o.InitialPages <= 0 {
		o.InitialPages = DefaultInitialPages
	}
	if o.InitialPages < MinInitialPages {
		o.InitialPages = MinInitialPages
	}
	if o.FillPercent <= 0 {
		o.FillPercent = DefaultFillPercent
	}
	if o.FillPercent < MinFillPercent {
		o.FillPercent = MinFillPercent
	}
	if o.FillPercent > MaxFillPercent {
		o.FillPercent = MaxFillPercent
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	return o
}

func (o Options) validate() error {
	if o.PageSize < minPageSize {
		return ErrInvalidOptions
	}
	if o.PageSize&(o.PageSize-1) != 0 {
		return ErrInvalidOptions
	}
	return nil
}
