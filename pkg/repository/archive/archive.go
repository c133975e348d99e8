// Package archive stores the results of finished races.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"

	"github.com/mpapenbr/racetimer-go/pkg/ledger"
)

var ErrNotFound = errors.New("race not found")

type (
	Entry struct {
		Lane          int       `msgpack:"lane"`
		ParticipantID string    `msgpack:"participantId,omitempty"`
		Time          time.Time `msgpack:"time"`
	}

	// Recording describes the video belonging to a race.
	Recording struct {
		VideoPath    string  `msgpack:"videoPath"`
		MetadataPath string  `msgpack:"metadataPath"`
		TimingPath   string  `msgpack:"timingPath"`
		Codec        string  `msgpack:"codec"`
		Frames       uint64  `msgpack:"frames"`
		TargetFPS    float64 `msgpack:"targetFps"`
		MeasuredFPS  float64 `msgpack:"measuredFps"`
	}

	Race struct {
		ID        string     `msgpack:"id"`
		StartTime time.Time  `msgpack:"startTime"`
		LaneCount int        `msgpack:"laneCount"`
		Entries   []Entry    `msgpack:"entries"`
		Winners   []int      `msgpack:"winners"`
		Recording *Recording `msgpack:"recording,omitempty"`
		StoredAt  time.Time  `msgpack:"storedAt"`
	}

	Repository interface {
		Store(ctx context.Context, race *Race) error
		LoadByID(ctx context.Context, id string) (*Race, error)
		// LoadAll returns all races, most recent start first.
		LoadAll(ctx context.Context) ([]*Race, error)
		DeleteByID(ctx context.Context, id string) (int, error)
		Close() error
	}
)

// FromSnapshot converts a ledger snapshot into an archive entry.
func FromSnapshot(s ledger.Snapshot) *Race {
	return &Race{
		ID:        s.EventID,
		StartTime: s.StartTime,
		LaneCount: s.LaneCount,
		Entries: lo.Map(s.Entries, func(e ledger.FinishEntry, _ int) Entry {
			return Entry{Lane: e.Lane, ParticipantID: e.ParticipantID, Time: e.Time}
		}),
		Winners: s.Winners(),
	}
}

// Snapshot converts the race back into a ledger snapshot.
func (r *Race) Snapshot() ledger.Snapshot {
	return ledger.Snapshot{
		EventID:   r.ID,
		StartTime: r.StartTime,
		LaneCount: r.LaneCount,
		Entries: lo.Map(r.Entries, func(e Entry, _ int) ledger.FinishEntry {
			return ledger.FinishEntry{Lane: e.Lane, ParticipantID: e.ParticipantID, Time: e.Time}
		}),
	}
}
