package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"splatapi/config"
	"splatapi/pipeline"
)

var ErrQueueFull = errors.New("task queue is full")

// PipelineExecutor is what the manager needs from the reconstruction
// pipeline; satisfied by pipeline.Executor and mocked in tests.
type PipelineExecutor interface {
	ValidateScene(sceneDir string) (int, error)
	Execute(ctx context.Context, taskID, sceneDir string, progress pipeline.ProgressFunc) pipeline.Result
}

type workItem struct {
	taskID   string
	sceneDir string
}

// Manager owns the pipeline worker pool: a bounded queue feeds workers
// limited by a concurrency semaphore, and one worker drives one task
// through all its stages sequentially. A separate loop sweeps expired
// terminal tasks out of the registry.
type Manager struct {
	cfg      *config.Config
	registry *Registry
	executor PipelineExecutor
	queue    chan workItem
	sem      chan struct{}
}

func NewManager(cfg *config.Config, registry *Registry, executor PipelineExecutor) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		executor: executor,
		queue:    make(chan workItem, cfg.QueueSize),
		sem:      make(chan struct{}, cfg.MaxConcurrency),
	}
}

func (m *Manager) Start(ctx context.Context) {
	log.Println("Task manager started. Concurrency limit:", m.cfg.MaxConcurrency)
	go m.workerLoop(ctx)
	go m.sweepLoop(ctx)
}

// Submit creates a task record and queues it for processing. The input map
// must carry scenePath, the scene directory prepared by the upload
// collaborator. Relative paths are resolved under the configured data root.
func (m *Manager) Submit(kind Kind, input map[string]interface{}) (string, error) {
	sceneDir, _ := input["scenePath"].(string)
	if sceneDir == "" {
		return "", fmt.Errorf("input is missing scenePath")
	}
	if !filepath.IsAbs(sceneDir) && m.cfg.DataRoot != "" {
		sceneDir = filepath.Join(m.cfg.DataRoot, sceneDir)
	}

	id := m.registry.Create(kind, input)
	select {
	case m.queue <- workItem{taskID: id, sceneDir: sceneDir}:
	default:
		m.registry.UpdateStatus(id, StatusFailed, "server is at capacity, try again later")
		return "", ErrQueueFull
	}
	log.Printf("Task %s submitted to queue.", id)
	return id, nil
}

// workerLoop pulls tasks from the queue and processes them, bounded by the
// concurrency semaphore.
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Println("Worker loop shutting down.")
			return
		case item := <-m.queue:
			m.sem <- struct{}{}
			go func(w workItem) {
				defer func() { <-m.sem }()
				m.processTask(ctx, w)
			}(item)
		}
	}
}

// processTask drives one task through validation and the pipeline. Input
// validation happens before the task ever enters Processing; a task found
// cancelled at any checkpoint is left alone.
func (m *Manager) processTask(ctx context.Context, w workItem) {
	t, ok := m.registry.Get(w.taskID)
	if !ok {
		return
	}
	if t.Status.Terminal() {
		log.Printf("Task %s reached a terminal state before processing.", w.taskID)
		return
	}

	if !m.registry.UpdateStatus(w.taskID, StatusValidating, "") {
		return
	}
	if _, err := m.executor.ValidateScene(w.sceneDir); err != nil {
		m.registry.UpdateStatus(w.taskID, StatusFailed, err.Error())
		return
	}

	if !m.registry.UpdateStatus(w.taskID, StatusProcessing, "") {
		return
	}

	// The task context lets Cancel reach into the running stage process.
	taskCtx, cancel := context.WithCancel(ctx)
	m.registry.RegisterCancelFunc(w.taskID, cancel)
	defer func() {
		m.registry.RegisterCancelFunc(w.taskID, nil)
		cancel()
	}()

	log.Printf("Processing task %s", w.taskID)
	res := m.executor.Execute(taskCtx, w.taskID, w.sceneDir, func(fraction float64, message string) {
		m.registry.UpdateProgress(w.taskID, message, int(fraction*100), 100, message, nil)
	})

	if res.Success {
		m.registry.SetResult(w.taskID, map[string]interface{}{
			"output_dir":      res.OutputDir,
			"files":           res.Files,
			"metrics":         res.Metrics,
			"processing_time": res.ProcessingTime,
		})
		return
	}
	// UpdateStatus refuses the write if the task was cancelled mid-run, so
	// a cancellation is never overwritten with Failed.
	m.registry.UpdateStatus(w.taskID, StatusFailed, res.ErrorMessage)
}

// sweepLoop periodically evicts terminal tasks older than the retention
// window.
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Retention sweeper shutting down.")
			return
		case <-ticker.C:
			m.registry.CleanupExpired(m.cfg.TaskRetention)
		}
	}
}
