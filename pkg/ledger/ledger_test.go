//nolint:funlen // ok for tests
package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestSetStartOncePerRace(t *testing.T) {
	l := New()
	require.NoError(t, l.SetStart(t0))
	err := l.SetStart(t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrStartAlreadySet)
	assert.ErrorIs(t, err, ErrLedgerState)

	start, ok := l.StartTime()
	assert.True(t, ok)
	assert.Equal(t, t0, start, "ledger must be left unchanged")

	l.ClearMarkers()
	_, ok = l.StartTime()
	assert.False(t, ok)
	require.NoError(t, l.SetStart(t0.Add(time.Minute)))
}

func TestAddFinish(t *testing.T) {
	l := New()
	_, err := l.AddFinish(t0, 1, "r1")
	assert.ErrorIs(t, err, ErrStartNotSet)
	assert.ErrorIs(t, err, ErrLedgerState)

	require.NoError(t, l.SetStart(t0))
	_, err = l.AddFinish(t0, 0, "")
	assert.ErrorIs(t, err, ErrInvalidLane)

	e, err := l.AddFinish(t0.Add(12345*time.Millisecond), 2, "r2")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Lane)
	assert.Equal(t, "r2", e.ParticipantID)
	assert.Len(t, l.Snapshot().Entries, 1)
}

func TestDurationAndWinner(t *testing.T) {
	tests := []struct {
		name        string
		finishes    []FinishEntry
		wantWinners []int
		durations   map[int]time.Duration
	}{
		{
			name:        "no finishes",
			wantWinners: nil,
		},
		{
			name: "strict minimum",
			finishes: []FinishEntry{
				{Lane: 1, Time: t0.Add(12 * time.Second)},
				{Lane: 2, Time: t0.Add(10 * time.Second)},
				{Lane: 3, Time: t0.Add(11 * time.Second)},
			},
			wantWinners: []int{2},
			durations: map[int]time.Duration{
				1: 12 * time.Second, 2: 10 * time.Second, 3: 11 * time.Second,
			},
		},
		{
			name: "tie",
			finishes: []FinishEntry{
				{Lane: 3, Time: t0.Add(10 * time.Second)},
				{Lane: 1, Time: t0.Add(10 * time.Second)},
				{Lane: 2, Time: t0.Add(11 * time.Second)},
			},
			wantWinners: []int{1, 3},
		},
		{
			name: "most recent entry per lane counts",
			finishes: []FinishEntry{
				{Lane: 1, Time: t0.Add(5 * time.Second)},
				{Lane: 2, Time: t0.Add(8 * time.Second)},
				{Lane: 1, Time: t0.Add(9 * time.Second)},
			},
			wantWinners: []int{2},
			durations:   map[int]time.Duration{1: 9 * time.Second, 2: 8 * time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			require.NoError(t, l.SetStart(t0))
			for _, f := range tt.finishes {
				_, err := l.AddFinish(f.Time, f.Lane, f.ParticipantID)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantWinners, l.Winners())
			w, ok := l.Winner()
			if len(tt.wantWinners) == 0 {
				assert.False(t, ok)
			} else {
				assert.True(t, ok)
				assert.Equal(t, tt.wantWinners[0], w)
			}
			for lane, want := range tt.durations {
				got, ok := l.Duration(lane)
				assert.True(t, ok)
				assert.Equal(t, want, got, "lane %d", lane)
			}
			assert.Len(t, l.Snapshot().Entries, len(tt.finishes))
		})
	}
}

func TestDurationUndefined(t *testing.T) {
	l := New()
	_, ok := l.Duration(1)
	assert.False(t, ok)
	require.NoError(t, l.SetStart(t0))
	_, ok = l.Duration(1)
	assert.False(t, ok)
	assert.False(t, l.IsComplete())
	_, err := l.AddFinish(t0.Add(time.Second), 1, "")
	require.NoError(t, err)
	assert.True(t, l.IsComplete())
}

func TestLaneStatus(t *testing.T) {
	l := New()
	l.SetLaneCount(0)
	assert.Equal(t, 1, l.Snapshot().LaneCount)
	l.SetLaneCount(3)
	require.NoError(t, l.SetStart(t0))
	_, err := l.AddFinish(t0.Add(time.Second), 2, "")
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{1: false, 2: true, 3: false}, l.LaneStatus())
}

func TestConcurrentFinishesAreAllRetained(t *testing.T) {
	l := New()
	require.NoError(t, l.SetStart(t0))
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.AddFinish(t0.Add(time.Duration(i)*time.Millisecond), i%4+1, "")
			assert.NoError(t, err)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Winners()
		}()
	}
	wg.Wait()
	assert.Len(t, l.Snapshot().Entries, 100)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00.000"},
		{12345 * time.Millisecond, "00:12.345"},
		{75*time.Second + 5*time.Millisecond, "01:15.005"},
		{61 * time.Minute, "61:00.000"},
		{-1500 * time.Millisecond, "-00:01.500"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.in))
		})
	}
}
