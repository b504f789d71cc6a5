// Package fragment restores the order of fragmented sequences that travel
// over channels which do not preserve order.
//
// A Sequencer releases the fragments of one sequence as soon as they form a
// contiguous run from index 0. A Finalizer releases nothing until the whole
// sequence is present and then releases it once. A MultiInstanceProcessor
// keeps one of either per sequence id and drops it when the sequence
// completes.
//
// Split, EncodeFragment and Assembler cover the common case of carrying a
// large payload as several channel messages:
//
//	for _, f := range fragment.Split(id, payload, 16*1024) {
//		b, _ := fragment.EncodeFragment(f)
//		out.SendMessage(b)
//	}
//
//	// on the receiving side
//	id, payload, complete, err := assembler.AddEncoded(ev.Message)
package fragment
