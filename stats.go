package uvc

import (
	"time"
)

// Stats counts what happened on the current (or last) stream.
type Stats struct {
	StreamID      string    `json:"streamId"`
	Started       time.Time `json:"started"`
	Frames        uint64    `json:"frames"`
	Timeouts      uint64    `json:"timeouts"`
	DequeueErrors uint64    `json:"dequeueErrors"`
	RequeueErrors uint64    `json:"requeueErrors"`
	DecodeErrors  uint64    `json:"decodeErrors"`
	LastSequence  uint32    `json:"lastSequence"`
	FPS           float64   `json:"fps"`
}

// counter names one of the Stats counters.
type counter int

const (
	cntTimeout counter = iota
	cntDequeue
	cntRequeue
	cntDecode
)

// Stats returns a snapshot of the stream counters.
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Session) resetStats(id string) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats = Stats{StreamID: id, Started: time.Now()}
	s.rate.Reset()
}

func (s *Session) count(c counter) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	switch c {
	case cntTimeout:
		s.stats.Timeouts++
	case cntDequeue:
		s.stats.DequeueErrors++
	case cntRequeue:
		s.stats.RequeueErrors++
	case cntDecode:
		s.stats.DecodeErrors++
	}
}

func (s *Session) countFrame(seq uint32, ts time.Duration) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Frames++
	s.stats.LastSequence = seq
	if fps, err := s.rate.Update(ts); err == nil {
		s.stats.FPS = fps
	}
}
