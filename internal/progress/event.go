// Package progress defines the run events emitted while a harvest runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageProjectStart Stage = "PROJECT_START"
	StageProjectDone  Stage = "PROJECT_DONE"
	StageRepoSkipped  Stage = "REPO_SKIPPED"
	StageRepoDone     Stage = "REPO_DONE"
	StageRepoEmpty    Stage = "REPO_EMPTY"
	StageRepoUnknown  Stage = "REPO_UNKNOWN"
	StageRepoFailed   Stage = "REPO_FAILED"
	StageRunDone      Stage = "RUN_DONE"
)

// Event captures a single harvest milestone.
type Event struct {
	// RunID identifies the harvest run using the 16-byte UUID form.
	RunID [16]byte `json:"-"`
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time `json:"ts"`
	Stage Stage     `json:"stage"`
	// ProjectKey scopes project and repository events.
	ProjectKey string `json:"project_key,omitempty"`
	// RepoSlug scopes repository events.
	RepoSlug string `json:"repo_slug,omitempty"`
	// Rows is the number of rows written for a repository, or for the run.
	Rows int64 `json:"rows,omitempty"`
	// Dur is the time spent on the repository or run.
	Dur time.Duration `json:"dur_ns,omitempty"`
	// Note carries low-volume context such as error text.
	Note string `json:"note,omitempty"`
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
	case StageRunStart, StageRunDone:
	case StageProjectStart, StageProjectDone:
		if e.ProjectKey == "" {
			return fmt.Errorf("%s requires project key", e.Stage)
		}
	case StageRepoSkipped, StageRepoDone, StageRepoEmpty, StageRepoUnknown, StageRepoFailed:
		if e.ProjectKey == "" || e.RepoSlug == "" {
			return fmt.Errorf("%s requires project key and repo slug", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Rows < 0 {
		return errors.New("rows must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run ID into the Event form.
func ParseRunID(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return UUIDToBytes(id), nil
}

// IsRepoOutcome reports whether the stage closes out a scheduled repository.
func (s Stage) IsRepoOutcome() bool {
	switch s {
	case StageRepoDone, StageRepoEmpty, StageRepoUnknown, StageRepoFailed:
		return true
	}
	return false
}
