package fragment

import (
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
)

// Fragment is one piece of a sequence. Indices start at 0 and are unique
// within a sequence; the final fragment carries the highest index.
type Fragment struct {
	SequenceID string
	Index      int
	IsFinal    bool
	Data       []byte
}

// Processor consumes the fragments of one sequence and returns those that
// are ready to be released
type Processor interface {
	// ProcessFragment accepts f and returns the fragments released by it, in
	// index order. Nothing is released twice.
	ProcessFragment(f Fragment) ([]Fragment, error)
	// IsWholeSequenceProcessed reports whether the final fragment was released
	IsWholeSequenceProcessed() bool
	// SequenceID returns the id of the sequence the processor handles
	SequenceID() string
}

// ProcessorFactory creates the processor of a newly seen sequence id
type ProcessorFactory func(sequenceID string) Processor

// Drop reasons reported to FragmentMetrics
const (
	DropDuplicate        = "duplicate"
	DropSequenceComplete = "sequence_complete"
	DropBeyondFinal      = "beyond_final"
)

// DefaultCompletedHistory is how many completed sequence ids a
// MultiInstanceProcessor remembers to recognize late fragments
const DefaultCompletedHistory = 4096

// Option configures processors
type Option func(*options)

type options struct {
	logger           logging.Logger
	metrics          observability.FragmentMetrics
	completedHistory int
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics observability.FragmentMetrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithCompletedHistory sets how many completed sequence ids a
// MultiInstanceProcessor remembers. Late fragments of a remembered id are
// dropped instead of starting a new sequence. n <= 0 uses
// DefaultCompletedHistory.
func WithCompletedHistory(n int) Option {
	return func(o *options) {
		o.completedHistory = n
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Component("Fragment")
	}
	if o.metrics == nil {
		o.metrics = observability.NopMetrics{}
	}
	if o.completedHistory <= 0 {
		o.completedHistory = DefaultCompletedHistory
	}
	return o
}

// SequencerFactory returns a factory creating Sequencers
func SequencerFactory(opts ...Option) ProcessorFactory {
	return func(sequenceID string) Processor {
		return NewSequencer(sequenceID, opts...)
	}
}

// FinalizerFactory returns a factory creating Finalizers
func FinalizerFactory(opts ...Option) ProcessorFactory {
	return func(sequenceID string) Processor {
		return NewFinalizer(sequenceID, opts...)
	}
}
