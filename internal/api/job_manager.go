// Package api provides HTTP handlers for the OWT classification server.
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obs2co/owt-server/internal/runstore"
)

var (
	ErrRunActive = errors.New("run is still active")
	ErrQueueFull = errors.New("run queue is full; try again later")
)

// Executor runs one classification and returns its output location and
// layer summaries.
type Executor func(ctx context.Context, run *runstore.Run) (string, []runstore.LayerSummary, error)

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int // Max concurrent runs (default 1)
	QueueSize     int
	Retention     time.Duration // Keep finished runs this long (default 72h)
	CleanupPeriod time.Duration
	Logger        *zap.Logger
}

// JobManager runs classification runs on a fixed worker pool with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *runstore.Store
	log      *zap.Logger
	queue    chan string // run IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the classification.
	Executor Executor
	// OnDelete is called after a run is deleted or expires.
	OnDelete func(runID string)
}

// NewJobManager creates a new job manager over store.
func NewJobManager(cfg JobManagerConfig, store *runstore.Store) *JobManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 72 * time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &JobManager{
		cfg:     cfg,
		store:   store,
		log:     log.Named("jobs"),
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *runstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running runs as failed (server restart)
	if n, err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.log.Error("failed to mark running runs as failed", zap.Error(err))
	} else if n > 0 {
		jm.log.Warn("marked interrupted runs as failed", zap.Int64("count", n))
	}

	// Re-queue any queued runs
	queued, err := jm.store.ListQueuedRuns()
	if err != nil {
		jm.log.Error("failed to list queued runs", zap.Error(err))
	} else {
		for _, run := range queued {
			select {
			case jm.queue <- run.ID:
				jm.log.Info("re-queued run", zap.String("run_id", run.ID))
			default:
				jm.log.Warn("queue full, cannot re-queue run", zap.String("run_id", run.ID))
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop stops all workers gracefully. Running classifications finish first.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		close(jm.queue)
		jm.wg.Wait()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for runID := range jm.queue {
		jm.runJob(runID)
	}
}

func (jm *JobManager) runJob(runID string) {
	log := jm.log.With(zap.String("run_id", runID))

	run, err := jm.store.GetRun(runID)
	if err != nil {
		log.Error("failed to load run", zap.Error(err))
		return
	}
	// Cancelled or deleted while queued.
	if run.Status != runstore.RunStatusQueued {
		log.Debug("skipping run", zap.String("status", string(run.Status)))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[runID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, runID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateRunStarted(runID); err != nil {
		log.Error("failed to mark run as started", zap.Error(err))
		return
	}
	log.Info("run started", zap.String("input", run.Params.Input))
	start := time.Now()

	var (
		output  string
		layers  []runstore.LayerSummary
		execErr error
	)
	if jm.Executor != nil {
		output, layers, execErr = jm.Executor(ctx, run)
	}

	switch {
	case execErr == nil:
		err = jm.store.CompleteRun(runID, output, layers)
		log.Info("run completed", zap.String("output", output), zap.Duration("elapsed", time.Since(start)))
	case errors.Is(ctx.Err(), context.Canceled):
		err = jm.store.UpdateRunStatus(runID, runstore.RunStatusCancelled, "cancelled by user")
		log.Info("run cancelled")
	default:
		err = jm.store.UpdateRunStatus(runID, runstore.RunStatusFailed, execErr.Error())
		log.Warn("run failed", zap.Error(execErr), zap.Duration("elapsed", time.Since(start)))
	}
	if err != nil {
		log.Error("failed to record run status", zap.Error(err))
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	ids, err := jm.store.DeleteExpiredRuns(jm.cfg.Retention)
	if err != nil {
		jm.log.Error("cleanup error", zap.Error(err))
		return
	}
	for _, id := range ids {
		if jm.OnDelete != nil {
			jm.OnDelete(id)
		}
	}
	if len(ids) > 0 {
		jm.log.Info("cleaned up expired runs", zap.Int("count", len(ids)))
	}
}

// Submit creates a new run and enqueues it for execution.
func (jm *JobManager) Submit(params runstore.RunParams) (*runstore.Run, error) {
	run := &runstore.Run{
		ID:        uuid.NewString(),
		Status:    runstore.RunStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateRun(run); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- run.ID:
	default:
		// Queue full; mark as failed immediately
		if err := jm.store.UpdateRunStatus(run.ID, runstore.RunStatusFailed, ErrQueueFull.Error()); err != nil {
			return nil, err
		}
		run.Status = runstore.RunStatusFailed
		run.Error = ErrQueueFull.Error()
	}

	return run, nil
}

// Get returns a run by ID.
func (jm *JobManager) Get(id string) (*runstore.Run, error) {
	return jm.store.GetRun(id)
}

// List returns recent runs.
func (jm *JobManager) List(limit int) ([]*runstore.Run, error) {
	return jm.store.ListRuns(limit)
}

// Cancel cancels a queued run, or asks a running one to stop at its next
// stage boundary. It reports whether the run was still cancellable.
func (jm *JobManager) Cancel(id string) (bool, error) {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true, nil
	}

	run, err := jm.store.GetRun(id)
	if err != nil {
		return false, err
	}
	if run.Status == runstore.RunStatusQueued {
		if err := jm.store.UpdateRunStatus(id, runstore.RunStatusCancelled, "cancelled before start"); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Delete deletes a finished run. Active runs must be cancelled first.
func (jm *JobManager) Delete(id string) error {
	run, err := jm.store.GetRun(id)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return ErrRunActive
	}
	if err := jm.store.DeleteRun(id); err != nil {
		return err
	}
	if jm.OnDelete != nil {
		jm.OnDelete(id)
	}
	return nil
}
