package task

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusValidating Status = "validating"
	StatusExtracting Status = "extracting"
	StatusProcessing Status = "processing"
	StatusRendering  Status = "rendering"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

type Kind string

const (
	KindVideoReconstruction Kind = "video_reconstruction"
	KindImageReconstruction Kind = "image_reconstruction"
)

// transitions is the full forward edge set of the task state machine.
// Failed and Cancelled are additionally reachable from every non-terminal
// state, so they are omitted here and handled in CanTransition.
var transitions = map[Status][]Status{
	StatusPending:    {StatusUploading, StatusValidating, StatusExtracting},
	StatusUploading:  {StatusProcessing},
	StatusValidating: {StatusProcessing},
	StatusExtracting: {StatusProcessing},
	StatusProcessing: {StatusRendering, StatusCompleted},
	StatusRendering:  {StatusCompleted},
}

// Terminal reports whether no further status transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus maps an external string to a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusUploading, StatusValidating, StatusExtracting,
		StatusProcessing, StatusRendering, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown task status: %q", s)
}

// ParseKind maps an external string to a Kind, rejecting unknown values.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindVideoReconstruction, KindImageReconstruction:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown task kind: %q", s)
}

type Progress struct {
	CurrentStep    string                 `json:"currentStep"`
	CompletedSteps int                    `json:"completedSteps"`
	TotalSteps     int                    `json:"totalSteps"`
	Percentage     float64                `json:"percentage"`
	Message        string                 `json:"message"`
	ETASeconds     *float64               `json:"etaSeconds,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

type Task struct {
	ID                    string                 `json:"id"`
	Kind                  Kind                   `json:"kind"`
	Status                Status                 `json:"status"`
	CreatedAt             time.Time              `json:"createdAt"`
	UpdatedAt             time.Time              `json:"updatedAt"`
	Progress              Progress               `json:"progress"`
	Input                 map[string]interface{} `json:"input,omitempty"`
	Result                map[string]interface{} `json:"result,omitempty"`
	ErrorMessage          string                 `json:"errorMessage,omitempty"`
	ProcessingTimeSeconds *float64               `json:"processingTimeSeconds,omitempty"`
}

// clone returns a deep copy so registry readers never alias a live record.
func (t *Task) clone() Task {
	cp := *t
	cp.Input = copyMap(t.Input)
	cp.Result = copyMap(t.Result)
	cp.Progress.Details = copyMap(t.Progress.Details)
	if t.Progress.ETASeconds != nil {
		eta := *t.Progress.ETASeconds
		cp.Progress.ETASeconds = &eta
	}
	if t.ProcessingTimeSeconds != nil {
		pt := *t.ProcessingTimeSeconds
		cp.ProcessingTimeSeconds = &pt
	}
	return cp
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
