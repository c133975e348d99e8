// Package ledger is the single source of truth for start time, finish entries and
// the durations derived from them.
package ledger

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

var (
	ErrLedgerState     = errors.New("ledger state error")
	ErrStartAlreadySet = fmt.Errorf("%w: start time already set", ErrLedgerState)
	ErrStartNotSet     = fmt.Errorf("%w: start time not set", ErrLedgerState)
	ErrInvalidLane     = errors.New("lane must be >= 1")
)

type FinishEntry struct {
	Lane          int
	ParticipantID string
	Time          time.Time
}

// Snapshot is a consistent copy of the ledger contents.
type Snapshot struct {
	EventID   string
	StartTime time.Time // zero if unset
	Entries   []FinishEntry
	LaneCount int
}

func (s Snapshot) HasStart() bool {
	return !s.StartTime.IsZero()
}

// Duration returns the duration of the most recent finish of lane.
func (s Snapshot) Duration(lane int) (time.Duration, bool) {
	if !s.HasStart() {
		return 0, false
	}
	for i := len(s.Entries) - 1; i >= 0; i-- {
		if s.Entries[i].Lane == lane {
			return s.Entries[i].Time.Sub(s.StartTime), true
		}
	}
	return 0, false
}

// Winners returns all lanes sharing the minimum duration, sorted by lane.
func (s Snapshot) Winners() []int {
	if !s.HasStart() {
		return nil
	}
	lanes := lo.Uniq(lo.Map(s.Entries, func(e FinishEntry, _ int) int { return e.Lane }))
	var best time.Duration
	var winners []int
	for _, lane := range lanes {
		d, _ := s.Duration(lane)
		switch {
		case winners == nil || d < best:
			best = d
			winners = []int{lane}
		case d == best:
			winners = append(winners, lane)
		}
	}
	slices.Sort(winners)
	return winners
}

func (s Snapshot) LaneStatus() map[int]bool {
	status := make(map[int]bool, s.LaneCount)
	for lane := 1; lane <= s.LaneCount; lane++ {
		status[lane] = lo.ContainsBy(s.Entries, func(e FinishEntry) bool {
			return e.Lane == lane
		})
	}
	return status
}

// FinishTime returns the most recent finish time.
func (s Snapshot) FinishTime() (time.Time, bool) {
	if len(s.Entries) == 0 {
		return time.Time{}, false
	}
	return s.Entries[len(s.Entries)-1].Time, true
}

type Ledger struct {
	mu        sync.RWMutex
	eventID   string
	start     time.Time
	entries   []FinishEntry
	laneCount int
}

func New() *Ledger {
	return &Ledger{laneCount: 1}
}

// SetStart records the race start. It fails if a start is already recorded;
// ClearMarkers has to be called between races.
func (l *Ledger) SetStart(at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.start.IsZero() {
		return ErrStartAlreadySet
	}
	l.start = at
	return nil
}

// AddFinish appends a finish entry. Entries for the same lane are all retained.
func (l *Ledger) AddFinish(at time.Time, lane int, participantID string) (FinishEntry, error) {
	if lane < 1 {
		return FinishEntry{}, ErrInvalidLane
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.start.IsZero() {
		return FinishEntry{}, ErrStartNotSet
	}
	e := FinishEntry{Lane: lane, ParticipantID: participantID, Time: at}
	l.entries = append(l.entries, e)
	return e, nil
}

func (l *Ledger) ClearMarkers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.start = time.Time{}
	l.entries = nil
}

func (l *Ledger) SetEventID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eventID = id
}

func (l *Ledger) SetLaneCount(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.laneCount = max(1, n)
}

func (l *Ledger) StartTime() (time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.start, !l.start.IsZero()
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{
		EventID:   l.eventID,
		StartTime: l.start,
		Entries:   slices.Clone(l.entries),
		LaneCount: l.laneCount,
	}
}

func (l *Ledger) Duration(lane int) (time.Duration, bool) {
	return l.Snapshot().Duration(lane)
}

// Winner returns the lane with the minimum duration. On a tie the lowest lane
// number is returned, Winners lists all of them.
func (l *Ledger) Winner() (int, bool) {
	w := l.Snapshot().Winners()
	if len(w) == 0 {
		return 0, false
	}
	return w[0], true
}

func (l *Ledger) Winners() []int {
	return l.Snapshot().Winners()
}

func (l *Ledger) LaneStatus() map[int]bool {
	return l.Snapshot().LaneStatus()
}

// IsComplete reports whether a start and at least one finish are recorded.
func (l *Ledger) IsComplete() bool {
	s := l.Snapshot()
	_, ok := s.FinishTime()
	return s.HasStart() && ok
}

// restore replaces the ledger contents.
func (l *Ledger) restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eventID = s.EventID
	l.start = s.StartTime
	l.entries = s.Entries
	l.laneCount = max(1, s.LaneCount)
}

// FormatDuration formats d as MM:SS.mmm. Minutes are not capped at 59.
func FormatDuration(d time.Duration) string {
	neg := d < 0
	if neg {
		d = -d
	}
	ms := d.Milliseconds()
	s := fmt.Sprintf("%02d:%02d.%03d", ms/60000, (ms/1000)%60, ms%1000)
	if neg {
		return "-" + s
	}
	return s
}
