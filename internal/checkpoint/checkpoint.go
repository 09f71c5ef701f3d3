// Package checkpoint creates, verifies and restores the immutable recovery
// points that make a long-running task resumable after a failure.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no checkpoint exists for the given ID.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrIntegrity is returned when a checkpoint fails verification: the
	// stored hash does not match the payload, or a referenced artifact is
	// missing.
	ErrIntegrity = errors.New("checkpoint integrity failure")
)

// Checkpoint is one immutable recovery point. StepIndex is the index of the
// last completed step; restoring a checkpoint resumes execution at
// StepIndex+1. Context holds the exact context blob the job emitted after
// that step, and Artifacts lists filesystem paths the blob references.
type Checkpoint struct {
	ID        string          `json:"checkpoint_id"`
	TaskID    string          `json:"task_id"`
	StepIndex int             `json:"step_index"`
	CreatedAt time.Time       `json:"created_at"`
	Context   json.RawMessage `json:"context"`
	Artifacts []string        `json:"artifacts,omitempty"`
}

// envelope is the on-disk form: the exact payload bytes plus their hash. The
// hash covers the stored bytes, so any mutation after the write is
// detectable.
type envelope struct {
	Payload json.RawMessage `json:"payload"`
	SHA256  string          `json:"sha256"`
}

// Report is the verification outcome for one checkpoint, used by the
// read-only verify and interactive listings.
type Report struct {
	ID        string    `json:"checkpoint_id"`
	TaskID    string    `json:"task_id,omitempty"`
	StepIndex int       `json:"step_index"`
	CreatedAt time.Time `json:"created_at"`
	Valid     bool      `json:"valid"`
	Reason    string    `json:"reason,omitempty"`
}

func newID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("cp-%d", time.Now().UTC().UnixNano())
	}
	return "cp-" + id.String()
}

// hashPayload returns the hex-encoded sha256 of the payload bytes. The hash
// must be computed over the exact bytes written to disk, never a re-encoding,
// or verification would depend on encoder stability.
func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// liftArtifacts extracts the top-level "artifacts" array from a context blob.
// Blobs without one, or with a non-string array, simply reference no
// artifacts.
func liftArtifacts(blob []byte) []string {
	var probe struct {
		Artifacts []string `json:"artifacts"`
	}
	if err := json.Unmarshal(blob, &probe); err != nil {
		return nil
	}
	return probe.Artifacts
}
