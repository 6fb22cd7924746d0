package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards one in every N events for the named high
// volume events and everything else untouched.
type SamplingObserver struct {
	inner   Observer
	every   uint64
	names   map[string]struct{}
	counter atomic.Uint64
}

// NewSamplingObserver samples names at rate in [0,1]. A zero rate drops
// those events entirely.
func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = uint64(math.Max(1, math.Round(1/rate)))
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &SamplingObserver{inner: inner, every: every, names: set}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, sampled := s.names[ev.Name]; !sampled {
		s.inner.RecordEvent(ev)
		return
	}
	if s.every == 0 {
		return
	}
	if s.counter.Add(1)%s.every == 0 {
		s.inner.RecordEvent(ev)
	}
}
