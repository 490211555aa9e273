package hostport

import "sync"

// Speech is the speech-synthesizer backend (§4.4): bytes written to the
// port accumulate into a phoneme buffer for an external synthesizer to
// drain via Drain. It never produces input.
type Speech struct {
	mu      sync.Mutex
	phonemes []byte
}

// NewSpeech creates an empty speech backend.
func NewSpeech() *Speech { return &Speech{} }

func (s *Speech) Send(b byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phonemes = append(s.phonemes, b)
	return nil
}

// Drain removes and returns everything accumulated so far.
func (s *Speech) Drain() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.phonemes
	s.phonemes = nil
	return out
}

func (s *Speech) Recv() (byte, bool) { return 0, false }

func (s *Speech) ModemStatus() (cts, dsr, ri, dcd bool) { return true, true, false, true }

func (s *Speech) Control(dtr, rts bool) {}

func (s *Speech) Close() error { return nil }
