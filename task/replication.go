package task

import "time"

// MutationKind identifies which slice of a task record a Mutation carries.
type MutationKind string

const (
	MutationStatus   MutationKind = "status"
	MutationProgress MutationKind = "progress"
	MutationResult   MutationKind = "result"
	MutationField    MutationKind = "field"
)

// Mutation is the minimal diff of a single registry write, handed to the
// replication sink. Only the fields relevant to its Kind are populated.
type Mutation struct {
	TaskID    string
	Kind      MutationKind
	UpdatedAt time.Time

	// MutationStatus
	Status       Status
	ErrorMessage string

	// MutationProgress
	CurrentStep    string
	CompletedSteps int
	TotalSteps     int
	Percentage     float64
	Details        map[string]interface{}

	// MutationResult
	Result         map[string]interface{}
	ProcessingTime *float64

	// MutationField
	Field string
	Value interface{}
}

// ReplicationSink receives one Mutation per successful registry write.
// Implementations must not block: delivery is best-effort and unordered,
// the backing store is expected to treat each upsert as idempotent.
type ReplicationSink interface {
	Enqueue(Mutation)
}
