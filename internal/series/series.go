// Package series holds the bounded per-metric reading history.
//
// A Series is a fixed-capacity FIFO ring over the last N readings in
// arrival order. Out-of-order timestamps are flagged on the stored
// reading, never resorted: downstream trend math is defined over arrival
// order, and ingestion order is what the engine observes.
//
// Series carries no lock of its own; the owning equipment unit serializes
// access (see internal/engine).
package series

import (
	"math"

	"millwatch/internal/model"
)

type Series struct {
	buf   []model.Reading
	head  int // index of the oldest reading
	count int

	// cached aggregates, recomputed on append
	min  float64
	max  float64
	mean float64
}

func New(capacity int) *Series {
	if capacity <= 0 {
		capacity = 24
	}
	return &Series{buf: make([]model.Reading, capacity)}
}

func (s *Series) Cap() int { return len(s.buf) }
func (s *Series) Len() int { return s.count }

// Append records a reading, evicting the oldest when full. Returns the
// stored reading, with OutOfOrder set when the timestamp precedes the
// previous latest.
func (s *Series) Append(r model.Reading) model.Reading {
	if last, ok := s.Latest(); ok && r.Timestamp.Before(last.Timestamp) {
		r.OutOfOrder = true
	}
	if s.count < len(s.buf) {
		s.buf[(s.head+s.count)%len(s.buf)] = r
		s.count++
	} else {
		s.buf[s.head] = r
		s.head = (s.head + 1) % len(s.buf)
	}
	s.recompute()
	return r
}

func (s *Series) Latest() (model.Reading, bool) {
	if s.count == 0 {
		return model.Reading{}, false
	}
	return s.buf[(s.head+s.count-1)%len(s.buf)], true
}

// Window returns up to n most recent readings, oldest first (most recent
// last). The returned slice is a copy; callers may re-read freely.
func (s *Series) Window(n int) []model.Reading {
	if n <= 0 || n > s.count {
		n = s.count
	}
	out := make([]model.Reading, 0, n)
	start := s.count - n
	for i := start; i < s.count; i++ {
		out = append(out, s.buf[(s.head+i)%len(s.buf)])
	}
	return out
}

func (s *Series) Min() float64  { return s.min }
func (s *Series) Max() float64  { return s.max }
func (s *Series) Mean() float64 { return s.mean }

func (s *Series) recompute() {
	if s.count == 0 {
		s.min, s.max, s.mean = 0, 0, 0
		return
	}
	min := math.Inf(1)
	max := math.Inf(-1)
	sum := 0.0
	for i := 0; i < s.count; i++ {
		v := s.buf[(s.head+i)%len(s.buf)].Value
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	s.min = min
	s.max = max
	s.mean = sum / float64(s.count)
}
