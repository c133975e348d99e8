package camera

import (
	"math"
	"time"
)

const (
	fpsWindowSize = 90
	minFPSSamples = 10
	// stable if stddev of the instantaneous rate is below 15% of the mean
	fpsStabilityThreshold = 0.15
)

type FPSStats struct {
	Samples int
	Mean    float64
	Min     float64
	Max     float64
	StdDev  float64
	Stable  bool
}

// fpsMeter keeps the capture timestamps of the most recent frames.
type fpsMeter struct {
	times []time.Time
	next  int
	full  bool
}

func newFPSMeter(size int) *fpsMeter {
	return &fpsMeter{times: make([]time.Time, size)}
}

func (m *fpsMeter) add(t time.Time) {
	m.times[m.next] = t
	m.next = (m.next + 1) % len(m.times)
	if m.next == 0 {
		m.full = true
	}
}

func (m *fpsMeter) reset() {
	m.next = 0
	m.full = false
}

// ordered returns the samples oldest first.
func (m *fpsMeter) ordered() []time.Time {
	if !m.full {
		return m.times[:m.next]
	}
	ret := make([]time.Time, 0, len(m.times))
	ret = append(ret, m.times[m.next:]...)
	return append(ret, m.times[:m.next]...)
}

func (m *fpsMeter) stats() FPSStats {
	return calculateFPSStats(m.ordered())
}

func calculateFPSStats(frameTimes []time.Time) FPSStats {
	n := len(frameTimes)
	st := FPSStats{Samples: n}
	if n < 2 {
		return st
	}
	span := frameTimes[n-1].Sub(frameTimes[0]).Seconds()
	if span <= 0 {
		return st
	}
	st.Mean = float64(n-1) / span

	instant := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); interval > 0 {
			instant = append(instant, 1/interval)
		}
	}
	if len(instant) == 0 {
		return st
	}
	st.Min, st.Max = instant[0], instant[0]
	var sumSquares float64
	for _, fps := range instant {
		st.Min = math.Min(st.Min, fps)
		st.Max = math.Max(st.Max, fps)
		diff := fps - st.Mean
		sumSquares += diff * diff
	}
	st.StdDev = math.Sqrt(sumSquares / float64(len(instant)))
	st.Stable = st.StdDev < st.Mean*fpsStabilityThreshold
	return st
}
