// Package annotate implements annotation runs: execution groupings that
// apply JSON-schema contracts against language-model providers over sets of
// assets, producing structured annotations with per-field justifications.
package annotate

import (
	"time"

	"github.com/google/uuid"

	"tessera/runtime/fault"
)

// RunStatus is the lifecycle state of an annotation run.
type RunStatus string

const (
	RunPending             RunStatus = "pending"
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
	RunPaused              RunStatus = "paused"
)

// allowedTransitions is the run status DAG. PENDING→RUNNING→terminal,
// RUNNING⇄PAUSED, FAILED→PENDING (retry). Terminal states are COMPLETED and
// COMPLETED_WITH_ERRORS.
var allowedTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning},
	RunRunning: {RunCompleted, RunCompletedWithErrors, RunFailed, RunPaused},
	RunPaused:  {RunRunning},
	RunFailed:  {RunPending},
}

type (
	// Run is one execution grouping: a configuration, a set of target
	// schemas and the assets to annotate.
	Run struct {
		ID     int64
		UUID   uuid.UUID
		Name   string
		Status RunStatus

		// Configuration is the open run configuration (model name, provider
		// knobs, thinking settings).
		Configuration map[string]any

		// TargetSchemaIDs are the schemas applied by this run.
		TargetSchemaIDs []int64
		// TargetAssetIDs are the assets annotated by this run.
		TargetAssetIDs []int64

		// IncludeParentContext prepends parent asset text when annotating
		// child assets.
		IncludeParentContext bool
		// ContextWindow caps the number of context characters included.
		ContextWindow int

		InfospaceID  int64
		UserID       int64
		ErrorMessage string
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// Annotation is one structured result for (asset, schema, run). Value
	// must validate against the schema's output contract at write time.
	Annotation struct {
		ID       int64
		UUID     uuid.UUID
		AssetID  int64
		SchemaID int64
		RunID    int64

		Value  map[string]any
		Status AnnotationStatus

		// Region optionally localizes the annotation within the asset.
		Region map[string]any
		// Links optionally connects the annotation to related entities.
		Links map[string]any

		ErrorMessage string
		CreatedAt    time.Time
	}

	// Justification is a per-field reasoning trace attached to an
	// annotation. FieldName addresses a path in the schema; empty means the
	// justification covers the whole value.
	Justification struct {
		ID              int64
		AnnotationID    int64
		FieldName       string
		Reasoning       string
		EvidencePayload map[string]any
		Score           *float64
		ModelName       string
	}

	// AnnotationStatus is the outcome of one annotation attempt.
	AnnotationStatus string
)

const (
	AnnotationSuccess AnnotationStatus = "success"
	AnnotationFailed  AnnotationStatus = "failed"
)

// NewRun constructs a pending run.
func NewRun(name string, infospaceID, userID int64) *Run {
	now := time.Now().UTC()
	return &Run{
		UUID:          uuid.New(),
		Name:          name,
		Status:        RunPending,
		Configuration: make(map[string]any),
		InfospaceID:   infospaceID,
		UserID:        userID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the run to the requested status, rejecting transitions
// outside the lifecycle DAG. Retrying a failed run (FAILED→PENDING) clears
// the error message.
func (r *Run) Transition(to RunStatus) error {
	for _, allowed := range allowedTransitions[r.Status] {
		if allowed == to {
			if r.Status == RunFailed && to == RunPending {
				r.ErrorMessage = ""
			}
			r.Status = to
			r.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fault.InvalidTransition(string(r.Status), string(to))
}

// Terminal reports whether the run reached a terminal state.
func (r *Run) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunCompletedWithErrors
}
