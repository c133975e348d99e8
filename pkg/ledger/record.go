package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TimeLayout is used for all persisted instants (ISO-8601, millisecond precision).
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // naive timestamps are taken as local time
	"2006-01-02 15:04:05.999999999",
}

type FinishRecord struct {
	Lane          int     `json:"lane"`
	ParticipantID *string `json:"participant_id"`
	Time          string  `json:"time"`
	Duration      *string `json:"duration"`
}

// Record is the persisted form of a ledger.
type Record struct {
	EventID         *string        `json:"event_id"`
	StartTime       *string        `json:"start_time"`
	FinishTime      *string        `json:"finish_time"`
	Duration        string         `json:"duration"`
	DurationSeconds *float64       `json:"duration_seconds"`
	LaneCount       int            `json:"lane_count"`
	FinishTimes     []FinishRecord `json:"finish_times"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range parseLayouts {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time value %q", s)
}

// Summary converts the snapshot into its persisted form. The top level duration
// refers to the most recent finish.
func (s Snapshot) Summary() Record {
	r := Record{
		EventID:     strPtr(s.EventID),
		Duration:    "--",
		LaneCount:   s.LaneCount,
		FinishTimes: []FinishRecord{},
	}
	if s.HasStart() {
		r.StartTime = strPtr(formatTime(s.StartTime))
	}
	if ft, ok := s.FinishTime(); ok {
		r.FinishTime = strPtr(formatTime(ft))
		if s.HasStart() {
			d := ft.Sub(s.StartTime)
			r.Duration = FormatDuration(d)
			secs := float64(d.Milliseconds()) / 1000
			r.DurationSeconds = &secs
		}
	}
	for _, e := range s.Entries {
		fr := FinishRecord{
			Lane:          e.Lane,
			ParticipantID: strPtr(e.ParticipantID),
			Time:          formatTime(e.Time),
		}
		if s.HasStart() {
			fr.Duration = strPtr(FormatDuration(e.Time.Sub(s.StartTime)))
		}
		r.FinishTimes = append(r.FinishTimes, fr)
	}
	return r
}

func (l *Ledger) Summary() Record {
	return l.Snapshot().Summary()
}

func (l *Ledger) Encode() ([]byte, error) {
	return json.MarshalIndent(l.Summary(), "", "  ")
}

// Save writes the ledger as JSON to path, creating the directory if needed.
func (l *Ledger) Save(path string) error {
	data, err := l.Encode()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	//nolint:gosec // not a secret
	return os.WriteFile(path, data, 0o644)
}

// Load replaces the ledger contents with the record stored at path.
func (l *Ledger) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return l.Decode(data)
}

// Decode replaces the ledger contents with the record in data.
// Fields that cannot be parsed are left at their empty defaults; only data that is
// not a JSON object at all is rejected.
func (l *Ledger) Decode(data []byte) error {
	s, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}
	l.restore(s)
	return nil
}

//nolint:gocognit,cyclop // lenient field by field parsing
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, fmt.Errorf("decode ledger record: %w", err)
	}
	s := Snapshot{LaneCount: 1}

	if v, ok := rawString(raw, "event_id"); ok {
		s.EventID = v
	}
	if v, ok := rawString(raw, "start_time"); ok {
		if t, err := parseTime(v); err == nil {
			s.StartTime = t
		}
	}
	var n int
	if v, ok := raw["lane_count"]; ok && json.Unmarshal(v, &n) == nil && n > 0 {
		s.LaneCount = n
	}

	var items []json.RawMessage
	if v, ok := raw["finish_times"]; ok && json.Unmarshal(v, &items) == nil {
		for _, item := range items {
			var entry map[string]json.RawMessage
			if json.Unmarshal(item, &entry) != nil {
				continue
			}
			var e FinishEntry
			if json.Unmarshal(entry["lane"], &e.Lane) != nil || e.Lane < 1 {
				continue
			}
			ts, ok := rawString(entry, "time")
			if !ok {
				continue
			}
			t, err := parseTime(ts)
			if err != nil {
				continue
			}
			e.Time = t
			e.ParticipantID, _ = rawString(entry, "participant_id")
			s.Entries = append(s.Entries, e)
		}
	}
	return s, nil
}

// rawString returns the non empty string value stored under key.
func rawString(raw map[string]json.RawMessage, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}
