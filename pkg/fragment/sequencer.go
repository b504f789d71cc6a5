package fragment

import (
	"sync"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
)

// Sequencer releases the fragments of one sequence in contiguous index
// order, buffering those that arrive early.
//
// For arrivals [0 1 5 3 2 4] of a six fragment sequence the releases are
// [0], [1], [], [], [2 3] and [4 5].
type Sequencer struct {
	sequenceID string
	logger     logging.Logger
	metrics    observability.FragmentMetrics

	mu       sync.Mutex
	next     int
	buffered map[int]Fragment
	complete bool
}

// NewSequencer creates a sequencer for sequenceID
func NewSequencer(sequenceID string, opts ...Option) *Sequencer {
	o := buildOptions(opts)
	return &Sequencer{
		sequenceID: sequenceID,
		logger:     o.logger.WithFields(logging.String("sequence_id", sequenceID)),
		metrics:    o.metrics,
		buffered:   make(map[int]Fragment),
	}
}

// SequenceID returns the id of the sequence
func (s *Sequencer) SequenceID() string {
	return s.sequenceID
}

// IsWholeSequenceProcessed reports whether the final fragment was released
func (s *Sequencer) IsWholeSequenceProcessed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// ProcessFragment releases f together with every buffered fragment that
// directly follows it, or buffers f when an earlier index is missing.
// Duplicates and fragments arriving after completion are dropped.
func (s *Sequencer) ProcessFragment(f Fragment) ([]Fragment, error) {
	if f.SequenceID != s.sequenceID {
		return nil, dxerrors.SequenceMismatch(s.sequenceID, f.SequenceID)
	}
	if f.Index < 0 {
		return nil, dxerrors.InvalidArgument("index", f.Index, "non-negative fragment index")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.complete {
		s.drop(f, DropSequenceComplete)
		return nil, nil
	}
	if _, ok := s.buffered[f.Index]; ok || f.Index < s.next {
		s.drop(f, DropDuplicate)
		return nil, nil
	}

	if f.Index != s.next {
		s.buffered[f.Index] = f
		s.metrics.FragmentsBuffered(1)
		return nil, nil
	}

	released := []Fragment{f}
	s.next++
	s.complete = f.IsFinal

	for !s.complete {
		nf, ok := s.buffered[s.next]
		if !ok {
			break
		}
		delete(s.buffered, s.next)
		s.metrics.FragmentsBuffered(-1)
		released = append(released, nf)
		s.next++
		s.complete = nf.IsFinal
	}

	if s.complete {
		s.metrics.SequenceCompleted()
		for idx, bf := range s.buffered {
			delete(s.buffered, idx)
			s.metrics.FragmentsBuffered(-1)
			s.drop(bf, DropBeyondFinal)
		}
	}

	return released, nil
}

func (s *Sequencer) drop(f Fragment, reason string) {
	s.metrics.FragmentDropped(reason)
	s.logger.Debug("dropping fragment",
		logging.Int("index", f.Index),
		logging.String("reason", reason),
	)
}
