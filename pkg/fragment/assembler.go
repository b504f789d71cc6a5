package fragment

// Split cuts payload into fragments of at most fragmentSize bytes. The
// fragments share payload's memory. An empty payload yields one empty final
// fragment; a non-positive fragmentSize yields a single fragment.
func Split(sequenceID string, payload []byte, fragmentSize int) []Fragment {
	if fragmentSize <= 0 || len(payload) <= fragmentSize {
		return []Fragment{{SequenceID: sequenceID, Index: 0, IsFinal: true, Data: payload}}
	}

	count := (len(payload) + fragmentSize - 1) / fragmentSize
	fragments := make([]Fragment, 0, count)
	for i := 0; i < count; i++ {
		start := i * fragmentSize
		end := min(start+fragmentSize, len(payload))
		fragments = append(fragments, Fragment{
			SequenceID: sequenceID,
			Index:      i,
			IsFinal:    i == count-1,
			Data:       payload[start:end:end],
		})
	}
	return fragments
}

// Assembler rebuilds payloads cut by Split, accepting the fragments of any
// number of sequences in any order
type Assembler struct {
	processor *MultiInstanceProcessor
}

// NewAssembler creates an assembler
func NewAssembler(opts ...Option) *Assembler {
	return &Assembler{
		processor: NewMultiInstanceProcessor(FinalizerFactory(opts...), opts...),
	}
}

// Add accepts f. Once f completes its sequence the joined payload is
// returned with complete set.
func (a *Assembler) Add(f Fragment) (payload []byte, complete bool, err error) {
	released, err := a.processor.ProcessFragment(f)
	if err != nil || len(released) == 0 {
		return nil, false, err
	}

	size := 0
	for _, r := range released {
		size += len(r.Data)
	}
	payload = make([]byte, 0, size)
	for _, r := range released {
		payload = append(payload, r.Data...)
	}
	return payload, true, nil
}

// AddEncoded decodes a fragment produced by EncodeFragment and adds it
func (a *Assembler) AddEncoded(encoded []byte) (sequenceID string, payload []byte, complete bool, err error) {
	f, err := DecodeFragment(encoded)
	if err != nil {
		return "", nil, false, err
	}
	payload, complete, err = a.Add(f)
	return f.SequenceID, payload, complete, err
}

// Discard forgets an incomplete sequence
func (a *Assembler) Discard(sequenceID string) bool {
	return a.processor.Discard(sequenceID)
}

// ActiveSequences returns the number of sequences still being assembled
func (a *Assembler) ActiveSequences() int {
	return a.processor.ActiveSequences()
}
