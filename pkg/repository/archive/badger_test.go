package archive

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/racetimer-go/pkg/ledger"
)

var (
	start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	now   = time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
)

func newRepo(t *testing.T) *BadgerRepository {
	t.Helper()
	r, err := OpenInMemory(WithClock(clockwork.NewFakeClockAt(now)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func sampleRace(id string, startOffset time.Duration) *Race {
	return &Race{
		ID:        id,
		StartTime: start.Add(startOffset),
		LaneCount: 2,
		Entries: []Entry{
			{Lane: 1, ParticipantID: "r1", Time: start.Add(startOffset + 12*time.Second)},
			{Lane: 2, Time: start.Add(startOffset + 11*time.Second)},
		},
		Winners: []int{2},
		Recording: &Recording{
			VideoPath: "recordings/" + id + ".mp4",
			Codec:     "mp4v",
			Frames:    360,
			TargetFPS: 30,
		},
	}
}

func TestStoreAndLoad(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	race := sampleRace("a", 0)

	require.NoError(t, r.Store(ctx, race))
	assert.Equal(t, now, race.StoredAt)

	got, err := r.LoadByID(ctx, "a")
	require.NoError(t, err)
	if diff := cmp.Diff(race, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("LoadByID() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadByIDNotFound(t *testing.T) {
	r := newRepo(t)
	_, err := r.LoadByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreWithoutID(t *testing.T) {
	r := newRepo(t)
	assert.Error(t, r.Store(context.Background(), &Race{}))
}

func TestLoadAllMostRecentFirst(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for _, race := range []*Race{
		sampleRace("first", 0),
		sampleRace("third", 2*time.Hour),
		sampleRace("second", time.Hour),
	} {
		require.NoError(t, r.Store(ctx, race))
	}

	all, err := r.LoadAll(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, race := range all {
		ids = append(ids, race.ID)
	}
	assert.Equal(t, []string{"third", "second", "first"}, ids)
}

func TestDeleteByID(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.Store(ctx, sampleRace("a", 0)))

	n, err := r.DeleteByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.DeleteByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = r.LoadByID(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotConversion(t *testing.T) {
	l := ledger.New()
	l.SetEventID("race-1")
	l.SetLaneCount(2)
	require.NoError(t, l.SetStart(start))
	_, err := l.AddFinish(start.Add(10*time.Second), 2, "b")
	require.NoError(t, err)
	_, err = l.AddFinish(start.Add(12*time.Second), 1, "a")
	require.NoError(t, err)

	race := FromSnapshot(l.Snapshot())

	assert.Equal(t, "race-1", race.ID)
	assert.Equal(t, []int{2}, race.Winners)
	assert.Len(t, race.Entries, 2)
	if diff := cmp.Diff(l.Snapshot(), race.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}
