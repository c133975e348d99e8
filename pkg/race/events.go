package race

import (
	"time"
)

type EventType string

const (
	EventPhase       EventType = "sequence.phase"
	EventIgnition    EventType = "sequence.ignition"
	EventCancelled   EventType = "sequence.cancelled"
	EventFinish      EventType = "race.finish"
	EventStopped     EventType = "race.stopped"
	EventCleared     EventType = "race.cleared"
	EventArmed       EventType = "recorder.armed"
	EventRecordError EventType = "recorder.error"
	EventCamera      EventType = "camera.state"
)

// Event is published for everything the operator (or a remote display) may want to see.
type Event struct {
	Type          EventType `json:"type"`
	At            time.Time `json:"at"`
	RaceID        string    `json:"raceId,omitempty"`
	Phase         string    `json:"phase,omitempty"`
	PhaseText     string    `json:"phaseText,omitempty"`
	Lane          int       `json:"lane,omitempty"`
	ParticipantID string    `json:"participantId,omitempty"`
	Duration      string    `json:"duration,omitempty"`
	Winners       []int     `json:"winners,omitempty"`
	Path          string    `json:"path,omitempty"`
	Message       string    `json:"message,omitempty"`
}
