package providers

import (
	"io"
	"sync"
)

// Delta is an incremental piece of one choice's text.
type Delta struct {
	ChoiceIndex  int
	Text         string
	FinishReason string
}

// DeltaStream yields deltas until Next returns io.EOF. Usage is only
// meaningful afterwards, and only when the service reported it.
//
// DeltaStream is not safe for concurrent use; Close may be called from
// any goroutine.
type DeltaStream struct {
	next      func() (Delta, error)
	closer    io.Closer
	usage     *UsageInfo
	model     string
	done      bool
	closeOnce sync.Once
	closeErr  error
}

// NewDeltaStream wraps next, which must return (Delta{}, io.EOF) once the
// stream is complete. closer may be nil.
func NewDeltaStream(next func() (Delta, error), closer io.Closer) *DeltaStream {
	return &DeltaStream{next: next, closer: closer}
}

func (s *DeltaStream) Next() (Delta, error) {
	if s.done || s.next == nil {
		return Delta{}, io.EOF
	}
	d, err := s.next()
	if err != nil {
		s.done = true
		_ = s.Close()
		return Delta{}, err
	}
	return d, nil
}

func (s *DeltaStream) Usage() *UsageInfo {
	return s.usage
}

func (s *DeltaStream) SetUsage(u UsageInfo) {
	s.usage = &u
}

func (s *DeltaStream) Model() string {
	return s.model
}

func (s *DeltaStream) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}
