package sequence

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// well known phase keys, also used as audio cue keys
const (
	KeyGoToStart  = "go_to_start"
	KeyInPosition = "in_position"
	KeySet        = "set"
	KeyStartBeep  = "start_beep"
)

// DurationPolicy is either a fixed duration (Min == Max) or a uniform random range.
type DurationPolicy struct {
	Min time.Duration
	Max time.Duration
}

func Fixed(d time.Duration) DurationPolicy {
	return DurationPolicy{Min: d, Max: d}
}

func Uniform(lower, upper time.Duration) DurationPolicy {
	if upper < lower {
		lower, upper = upper, lower
	}
	return DurationPolicy{Min: lower, Max: upper}
}

func (p DurationPolicy) IsFixed() bool {
	return p.Min == p.Max
}

func (p DurationPolicy) Resolve(rnd RandomSource) time.Duration {
	if p.IsFixed() {
		return p.Min
	}
	return p.Min + time.Duration(rnd.Float64()*float64(p.Max-p.Min))
}

type Phase struct {
	Key      string
	Text     string
	Duration DurationPolicy
}

// Bounds configure the default start sequence.
type Bounds struct {
	GoToStart     time.Duration
	InPositionMin time.Duration
	InPositionMax time.Duration
	SetMin        time.Duration
	SetMax        time.Duration
}

func DefaultBounds() Bounds {
	return Bounds{
		GoToStart:     5 * time.Second,
		InPositionMin: time.Second,
		InPositionMax: 3 * time.Second,
		SetMin:        time.Second,
		SetMax:        3 * time.Second,
	}
}

// DefaultPhases returns the standard sequence. The last phase is the ignition phase.
func DefaultPhases(b Bounds) []Phase {
	return []Phase{
		{Key: KeyGoToStart, Text: "Go to the start", Duration: Fixed(b.GoToStart)},
		{Key: KeyInPosition, Text: "In position", Duration: Uniform(b.InPositionMin, b.InPositionMax)},
		{Key: KeySet, Text: "Set", Duration: Uniform(b.SetMin, b.SetMax)},
		{Key: KeyStartBeep, Text: "GO!"},
	}
}

// RandomSource yields values in [0,1).
type RandomSource interface {
	Float64() float64
}

// CryptoSource draws from the operating system's secure random generator, so phase
// durations can neither be predicted nor replayed.
type CryptoSource struct{}

func (CryptoSource) Float64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return float64(binary.LittleEndian.Uint64(b[:])>>11) / (1 << 53)
}

// resolve draws the durations of all non ignition phases.
func resolve(phases []Phase, rnd RandomSource) []time.Duration {
	ret := make([]time.Duration, len(phases))
	for i := range phases[:len(phases)-1] {
		ret[i] = phases[i].Duration.Resolve(rnd)
	}
	return ret
}
