package fragment

import "sync"

// Finalizer withholds the fragments of a sequence until the whole sequence
// is available, then releases all of them at once.
type Finalizer struct {
	sequencer *Sequencer

	mu        sync.Mutex
	collected []Fragment
	delivered bool
}

// NewFinalizer creates a finalizer for sequenceID
func NewFinalizer(sequenceID string, opts ...Option) *Finalizer {
	return &Finalizer{
		sequencer: NewSequencer(sequenceID, opts...),
	}
}

// SequenceID returns the id of the sequence
func (f *Finalizer) SequenceID() string {
	return f.sequencer.SequenceID()
}

// IsWholeSequenceProcessed reports whether the final fragment was released
func (f *Finalizer) IsWholeSequenceProcessed() bool {
	return f.sequencer.IsWholeSequenceProcessed()
}

// ProcessFragment returns nothing until fr completes the sequence, and then
// the complete ordered sequence. The sequence is returned only once.
func (f *Finalizer) ProcessFragment(fr Fragment) ([]Fragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	released, err := f.sequencer.ProcessFragment(fr)
	if err != nil {
		return nil, err
	}
	if f.delivered {
		return nil, nil
	}

	f.collected = append(f.collected, released...)
	if !f.sequencer.IsWholeSequenceProcessed() {
		return nil, nil
	}

	f.delivered = true
	all := f.collected
	f.collected = nil
	return all, nil
}
