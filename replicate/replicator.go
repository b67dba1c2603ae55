package replicate

import (
	"context"
	"log"
	"sync"
	"time"

	"splatapi/task"
)

// upsertTimeout bounds a single store write so one slow upsert cannot
// wedge a consumer.
const upsertTimeout = 10 * time.Second

// Store is the external durable store boundary. Upsert must be idempotent
// and tolerate out-of-order delivery: mutations for the same task may
// arrive in any order, last-writer-wins on UpdatedAt.
type Store interface {
	Upsert(ctx context.Context, m task.Mutation) error
}

// Replicator mirrors registry mutations to the Store as an outbox: a
// bounded queue with a fixed pool of consumers. Delivery is at-most-once;
// on overflow or store failure the mutation is logged and dropped, never
// escalated back to the registry or the pipeline.
type Replicator struct {
	store   Store
	jobs    chan task.Mutation
	workers int

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(store Store, queueSize, workers int) *Replicator {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 1
	}
	return &Replicator{
		store:   store,
		jobs:    make(chan task.Mutation, queueSize),
		workers: workers,
	}
}

// Start launches the consumer pool. Consumers run until ctx is cancelled
// or Close drains the queue.
func (r *Replicator) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.consume(ctx)
	}
	log.Printf("State replicator started with %d workers", r.workers)
}

// Enqueue submits a mutation for best-effort replication. It never blocks:
// if the queue is full the mutation is dropped with a log line.
func (r *Replicator) Enqueue(m task.Mutation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.jobs <- m:
	default:
		log.Printf("Replication queue full, dropping %s mutation for task %s", m.Kind, m.TaskID)
	}
}

// Close stops accepting mutations and waits for the consumers to drain
// what was already queued.
func (r *Replicator) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	r.wg.Wait()
	log.Println("State replicator stopped.")
}

func (r *Replicator) consume(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-r.jobs:
			if !ok {
				return
			}
			upsertCtx, cancel := context.WithTimeout(context.Background(), upsertTimeout)
			if err := r.store.Upsert(upsertCtx, m); err != nil {
				log.Printf("Replication of %s mutation for task %s failed: %v", m.Kind, m.TaskID, err)
			}
			cancel()
		}
	}
}
