package fragment

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
)

// MultiInstanceProcessor routes fragments of many sequences to one processor
// per sequence id. Processors are created on the first fragment of an id and
// forgotten once their sequence is complete. The most recently completed ids
// are remembered so that a retransmitted fragment of a finished sequence is
// dropped rather than starting a sequence that never completes.
type MultiInstanceProcessor struct {
	factory ProcessorFactory
	logger  logging.Logger
	metrics observability.FragmentMetrics

	mu        sync.Mutex
	instances map[string]Processor
	completed *lru.Cache[string, struct{}]
}

// NewMultiInstanceProcessor creates a processor using factory for new
// sequence ids. A nil factory creates Sequencers.
func NewMultiInstanceProcessor(factory ProcessorFactory, opts ...Option) *MultiInstanceProcessor {
	o := buildOptions(opts)
	if factory == nil {
		factory = SequencerFactory(opts...)
	}
	// size is always positive after buildOptions
	completed, _ := lru.New[string, struct{}](o.completedHistory)
	return &MultiInstanceProcessor{
		factory:   factory,
		logger:    o.logger,
		metrics:   o.metrics,
		instances: make(map[string]Processor),
		completed: completed,
	}
}

// ProcessFragment hands f to the processor of its sequence. Fragments of
// one sequence are serialized by that processor; different sequences only
// share the map lookup.
func (m *MultiInstanceProcessor) ProcessFragment(f Fragment) ([]Fragment, error) {
	m.mu.Lock()
	p, ok := m.instances[f.SequenceID]
	if !ok {
		if m.completed.Contains(f.SequenceID) {
			m.mu.Unlock()
			m.metrics.FragmentDropped(DropSequenceComplete)
			m.logger.Debug("dropping fragment of a completed sequence",
				logging.String("sequence_id", f.SequenceID),
				logging.Int("index", f.Index),
			)
			return nil, nil
		}
		p = m.factory(f.SequenceID)
		m.instances[f.SequenceID] = p
	}
	m.mu.Unlock()

	released, err := p.ProcessFragment(f)
	if err != nil {
		return nil, err
	}

	if p.IsWholeSequenceProcessed() {
		m.mu.Lock()
		if m.instances[f.SequenceID] == p {
			delete(m.instances, f.SequenceID)
			m.completed.Add(f.SequenceID, struct{}{})
			m.logger.Debug("sequence complete", logging.String("sequence_id", f.SequenceID))
		}
		m.mu.Unlock()
	}

	return released, nil
}

// Discard forgets an incomplete sequence. It reports whether the id was known.
// A discarded id may start over.
func (m *MultiInstanceProcessor) Discard(sequenceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[sequenceID]; !ok {
		return false
	}
	delete(m.instances, sequenceID)
	return true
}

// ActiveSequences returns the number of incomplete sequences
func (m *MultiInstanceProcessor) ActiveSequences() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}
