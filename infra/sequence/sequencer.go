package sequence

import "sync/atomic"

// Sequencer issues the strictly monotonic arrival sequence numbers used
// for price-time tie-breaks. It is independent of wall-clock time, so
// ordering stays deterministic under clock skew.
type Sequencer struct {
	next atomic.Uint64
}

// New creates a sequencer. start is 0 on a fresh engine; a restored
// engine passes the last sequence it handed out.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next arrival sequence number.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued sequence.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}
