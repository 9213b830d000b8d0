// Package progress defines the event stream emitted by the harvest
// scheduler and fetch workers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/benchharvest/harvester/internal/bench"
)

// Stage denotes the kind of milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StagePhaseStart Stage = "PHASE_START"
	StagePhaseDone  Stage = "PHASE_DONE"
	StagePhaseError Stage = "PHASE_ERROR"
	StageFetchDone  Stage = "FETCH_DONE"
	StageReauth     Stage = "REAUTH"
)

// Event captures a single milestone of harvest progress.
type Event struct {
	// RunID uniquely identifies a harvest run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// Phase names the scheduler phase the event belongs to.
	Phase string
	// RecordID scopes fetch events to the record that was attempted.
	RecordID int64
	// Outcome classifies fetch completions.
	Outcome bench.Outcome
	// Dur captures execution latency for fetches and phase completions.
	Dur time.Duration
	// Watermark carries the remote frontier observed by planning stages.
	Watermark int64
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StagePhaseStart, StagePhaseDone, StagePhaseError:
		if e.Phase == "" {
			return errors.New("phase events require a phase name")
		}
	case StageReauth:
	case StageFetchDone:
		if e.RecordID <= 0 {
			return errors.New("fetch done requires a record id")
		}
		if e.Outcome == "" {
			return errors.New("fetch done requires an outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID back to uuid.UUID for display.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
