package ordex

import (
	"sync"

	"github.com/alexhholmes/ordex/pagestore"
)

// Options configures an Index.
type Options struct {
	logger   Logger
	locker   sync.Locker
	writeCtx pagestore.WriteContext
}

// DefaultOptions returns the configuration used when no option is given:
// no logging, one mutex per index, and the store itself as WriteContext.
func DefaultOptions() Options {
	return Options{
		logger: DiscardLogger{},
	}
}

// Option configures index options using the functional options pattern.
type Option func(*Options)

// WithLogger routes index diagnostics to l.
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		opts.logger = l
	}
}

// WithLocker replaces the index-wide mutex. Every operation runs between
// Lock and Unlock of l, so a caller may share one lock between indexes or
// substitute a finer-grained scheme behind the same boundary.
func WithLocker(l sync.Locker) Option {
	return func(opts *Options) {
		opts.locker = l
	}
}

// WithWriteContext sets where merged-away pages are sent for deferred
// reclamation. Without it the store must implement pagestore.WriteContext.
func WithWriteContext(wc pagestore.WriteContext) Option {
	return func(opts *Options) {
		opts.writeCtx = wc
	}
}
