package task

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the in-memory source of truth for task records. All access
// goes through a registry-wide lock, and every read copies the record out,
// so callers never observe a task mutating mid-read. Every successful
// mutation bumps UpdatedAt and hands one Mutation to the replication sink.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	cancels map[string]context.CancelFunc
	sink    ReplicationSink
}

// NewRegistry creates an empty registry. A nil sink disables replication.
func NewRegistry(sink ReplicationSink) *Registry {
	return &Registry{
		tasks:   make(map[string]*Task),
		cancels: make(map[string]context.CancelFunc),
		sink:    sink,
	}
}

// Create registers a new pending task and returns its id. The input map is
// copied and immutable afterwards.
func (r *Registry) Create(kind Kind, input map[string]interface{}) string {
	id := uuid.New().String()
	now := time.Now()
	t := &Task{
		ID:        id,
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Input:     copyMap(input),
	}

	r.mu.Lock()
	r.tasks[id] = t
	r.mu.Unlock()

	log.Printf("Task %s created, kind: %s", id, kind)
	return id
}

// Get returns a snapshot of the task, or false if it does not exist.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// List returns task snapshots sorted newest-first, optionally filtered by
// status and truncated to limit (limit <= 0 means no limit).
func (r *Registry) List(filter *Status, limit int) []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if filter != nil && t.Status != *filter {
			continue
		}
		out = append(out, t.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// UpdateStatus moves a task along the state machine. Illegal transitions
// and writes against missing or terminal tasks return false. errMsg is
// recorded only on the transition into Failed.
func (r *Registry) UpdateStatus(id string, status Status, errMsg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || !CanTransition(t.Status, status) {
		return false
	}

	t.Status = status
	t.UpdatedAt = time.Now()
	if status == StatusFailed && errMsg != "" {
		t.ErrorMessage = errMsg
	}
	if status.Terminal() {
		r.finalizeLocked(t)
	}

	log.Printf("Task %s status updated to: %s", id, status)
	r.emit(Mutation{
		TaskID:       id,
		Kind:         MutationStatus,
		UpdatedAt:    t.UpdatedAt,
		Status:       status,
		ErrorMessage: t.ErrorMessage,
	})
	return true
}

// UpdateProgress records step progress. The stored percentage never
// decreases over the task's lifetime; late or out-of-order reports are
// floored at the highest value already published.
func (r *Registry) UpdateProgress(id, step string, completed, total int, message string, details map[string]interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}

	pct := Percentage(completed, total)
	if pct < t.Progress.Percentage {
		pct = t.Progress.Percentage
	}
	t.Progress = Progress{
		CurrentStep:    step,
		CompletedSteps: completed,
		TotalSteps:     total,
		Percentage:     pct,
		Message:        message,
		ETASeconds:     ETA(completed, total, time.Since(t.CreatedAt)),
		Details:        copyMap(details),
	}
	t.UpdatedAt = time.Now()

	r.emit(Mutation{
		TaskID:         id,
		Kind:           MutationProgress,
		UpdatedAt:      t.UpdatedAt,
		CurrentStep:    step,
		CompletedSteps: completed,
		TotalSteps:     total,
		Percentage:     pct,
		Details:        copyMap(details),
	})
	return true
}

// SetResult stores the result payload and forces the task to Completed.
// It fails if the task is missing or Completed is not reachable from the
// task's current status.
func (r *Registry) SetResult(id string, result map[string]interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || !CanTransition(t.Status, StatusCompleted) {
		return false
	}

	t.Result = copyMap(result)
	t.Status = StatusCompleted
	t.UpdatedAt = time.Now()
	r.finalizeLocked(t)

	log.Printf("Task %s result set, status updated to: %s", id, t.Status)
	r.emit(Mutation{
		TaskID:         id,
		Kind:           MutationResult,
		UpdatedAt:      t.UpdatedAt,
		Status:         t.Status,
		Result:         copyMap(result),
		ProcessingTime: t.ProcessingTimeSeconds,
	})
	return true
}

// SetField updates a single named field on a live task. Unknown field
// names are rejected rather than silently stored.
func (r *Registry) SetField(id, name string, value interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}

	switch name {
	case "errorMessage":
		s, ok := value.(string)
		if !ok {
			return false
		}
		t.ErrorMessage = s
	case "message":
		s, ok := value.(string)
		if !ok {
			return false
		}
		t.Progress.Message = s
	default:
		return false
	}
	t.UpdatedAt = time.Now()

	r.emit(Mutation{
		TaskID:    id,
		Kind:      MutationField,
		UpdatedAt: t.UpdatedAt,
		Field:     name,
		Value:     value,
	})
	return true
}

// Cancel flips a non-terminal task to Cancelled and fires the task's
// cancel func, if one was registered, to signal any in-flight stage
// process. Cancelling a missing or terminal task returns false, so a
// second Cancel on the same task is a no-op.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		r.mu.Unlock()
		return false
	}

	t.Status = StatusCancelled
	t.UpdatedAt = time.Now()
	r.finalizeLocked(t)
	cancel := r.cancels[id]
	delete(r.cancels, id)
	updatedAt := t.UpdatedAt
	r.mu.Unlock()

	log.Printf("Task %s cancelled", id)
	if cancel != nil {
		cancel()
	}
	r.emit(Mutation{
		TaskID:    id,
		Kind:      MutationStatus,
		UpdatedAt: updatedAt,
		Status:    StatusCancelled,
	})
	return true
}

// RegisterCancelFunc attaches the running stage's context cancel func so
// Cancel can propagate into the child process. The manager clears it when
// the pipeline run finishes.
func (r *Registry) RegisterCancelFunc(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel == nil {
		delete(r.cancels, id)
		return
	}
	r.cancels[id] = cancel
}

// Delete removes a terminal task from the registry. Live tasks cannot be
// deleted; cancel first.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || !t.Status.Terminal() {
		return false
	}
	delete(r.tasks, id)
	delete(r.cancels, id)
	return true
}

// CleanupExpired removes terminal tasks whose last update is older than
// the retention window and returns how many were evicted.
func (r *Registry) CleanupExpired(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			delete(r.cancels, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("Evicted %d expired tasks (retention: %s)", removed, retention)
	}
	return removed
}

// Statistics summarizes the registry contents.
type Statistics struct {
	TotalTasks            int            `json:"totalTasks"`
	ActiveTasks           int            `json:"activeTasks"`
	StatusCounts          map[Status]int `json:"statusCounts"`
	KindCounts            map[Kind]int   `json:"kindCounts"`
	AverageProcessingTime float64        `json:"averageProcessingTime"`
}

func (r *Registry) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		StatusCounts: make(map[Status]int),
		KindCounts:   make(map[Kind]int),
	}
	var totalTime float64
	var timed int
	for _, t := range r.tasks {
		stats.TotalTasks++
		stats.StatusCounts[t.Status]++
		stats.KindCounts[t.Kind]++
		if !t.Status.Terminal() {
			stats.ActiveTasks++
		}
		if t.ProcessingTimeSeconds != nil {
			totalTime += *t.ProcessingTimeSeconds
			timed++
		}
	}
	if timed > 0 {
		stats.AverageProcessingTime = totalTime / float64(timed)
	}
	return stats
}

// finalizeLocked stamps the processing time when a task reaches a
// terminal state. Caller holds the lock.
func (r *Registry) finalizeLocked(t *Task) {
	secs := t.UpdatedAt.Sub(t.CreatedAt).Seconds()
	t.ProcessingTimeSeconds = &secs
}

func (r *Registry) emit(m Mutation) {
	if r.sink != nil {
		r.sink.Enqueue(m)
	}
}
