package ledger

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	start := time.Date(2024, 5, 1, 10, 0, 0, 123_000_000, loc)
	l := New()
	l.SetEventID("race-1")
	l.SetLaneCount(4)
	require.NoError(t, l.SetStart(start))
	_, err := l.AddFinish(start.Add(10*time.Second+456*time.Millisecond), 2, "r2")
	require.NoError(t, err)
	_, err = l.AddFinish(start.Add(11*time.Second), 1, "")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sub", "race_timing.json")
	require.NoError(t, l.Save(path))

	other := New()
	require.NoError(t, other.Load(path))
	if diff := cmp.Diff(l.Snapshot(), other.Snapshot()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSummaryFields(t *testing.T) {
	l := New()
	require.NoError(t, l.SetStart(t0))
	_, err := l.AddFinish(t0.Add(65*time.Second+7*time.Millisecond), 1, "r1")
	require.NoError(t, err)

	data, err := l.Encode()
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.Nil(t, doc["event_id"])
	assert.Equal(t, "2024-05-01T10:00:00.000Z", doc["start_time"])
	assert.Equal(t, "2024-05-01T10:01:05.007Z", doc["finish_time"])
	assert.Equal(t, "01:05.007", doc["duration"])
	assert.InDelta(t, 65.007, doc["duration_seconds"], 1e-9)
	assert.InDelta(t, 1, doc["lane_count"], 0)
	entries, ok := doc["finish_times"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, map[string]any{
		"lane":           float64(1),
		"participant_id": "r1",
		"time":           "2024-05-01T10:01:05.007Z",
		"duration":       "01:05.007",
	}, entries[0])
}

func TestDecodeIsLenient(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want Snapshot
	}{
		{
			name: "empty object",
			doc:  `{}`,
			want: Snapshot{LaneCount: 1},
		},
		{
			name: "broken start time",
			doc:  `{"event_id":"e","start_time":"yesterday","lane_count":2}`,
			want: Snapshot{EventID: "e", LaneCount: 2},
		},
		{
			name: "null fields",
			doc:  `{"event_id":null,"start_time":null,"lane_count":null,"finish_times":null}`,
			want: Snapshot{LaneCount: 1},
		},
		{
			name: "partial entries",
			doc: `{"start_time":"2024-05-01T10:00:00.000Z","finish_times":[
				{"lane":1,"time":"2024-05-01T10:00:10.000Z","participant_id":null},
				{"lane":"x","time":"2024-05-01T10:00:11.000Z"},
				{"lane":2},
				"garbage",
				{"lane":3,"time":"2024-05-01T10:00:12.500Z","participant_id":"p3"}
			]}`,
			want: Snapshot{
				StartTime: t0,
				LaneCount: 1,
				Entries: []FinishEntry{
					{Lane: 1, Time: t0.Add(10 * time.Second)},
					{Lane: 3, ParticipantID: "p3", Time: t0.Add(12500 * time.Millisecond)},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSnapshot([]byte(tt.doc))
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRejectsNonObject(t *testing.T) {
	l := New()
	l.SetEventID("keep")
	assert.Error(t, l.Decode([]byte(`[1,2`)))
	assert.Equal(t, "keep", l.Snapshot().EventID)
}
