// Package scheduler owns the task table, the FIFO backlog, the bounded
// active set, and the public control operations: add, pause, resume,
// cancel, get, list, subscribe.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/romanitalian/streamreel/internal/domain"
	"github.com/romanitalian/streamreel/internal/repository"
	"github.com/romanitalian/streamreel/internal/runner"
)

// Archiver best-effort mirrors a finished artifact to object storage. A nil
// Archiver disables archival entirely.
type Archiver interface {
	Archive(ctx context.Context, taskID, path string) (location string, err error)
}

// Scheduler is a process-wide singleton in production (cmd/server/main.go
// constructs exactly one), but tests construct isolated instances against
// temp directories holding their own sqlite files.
type Scheduler struct {
	mu            sync.Mutex
	tasks         map[string]domain.Task
	backlog       []string
	activeCount   int
	maxConcurrent int
	activeCancels map[string]context.CancelFunc

	// generations tags each dispatched run; pause, cancel and every new
	// dispatch bump it so that progress updates still in flight from a run
	// that was just stopped are recognized as stale and dropped rather than clobbering
	// the status the control operation just set.
	generations map[string]int64

	repo        repository.TaskRepository
	runner      *runner.Runner
	archiver    Archiver
	downloadDir string
	logger      *logrus.Logger

	hub *eventHub
}

type Config struct {
	Repo          repository.TaskRepository
	Runner        *runner.Runner
	Archiver      Archiver
	DownloadDir   string
	MaxConcurrent int
	Logger        *logrus.Logger
}

func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Scheduler{
		tasks:         make(map[string]domain.Task),
		activeCancels: make(map[string]context.CancelFunc),
		generations:   make(map[string]int64),
		maxConcurrent: cfg.MaxConcurrent,
		repo:          cfg.Repo,
		runner:        cfg.Runner,
		archiver:      cfg.Archiver,
		downloadDir:   cfg.DownloadDir,
		logger:        cfg.Logger,
		hub:           newEventHub(),
	}
}

// Initialize loads persisted tasks, coerces any Downloading rows to Paused
// (startup recovery never auto-resumes), and kicks the scheduling loop.
// Idempotent.
func (s *Scheduler) Initialize(ctx context.Context) error {
	if err := s.repo.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}

	loaded, err := s.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	s.mu.Lock()
	for _, task := range loaded {
		if task.Status == domain.TaskStatusDownloading {
			task.Status = domain.TaskStatusPaused
			if persistErr := s.repo.Upsert(ctx, task); persistErr != nil {
				s.logger.WithError(persistErr).WithField("task_id", task.ID).Warn("failed to persist startup recovery")
			}
		}
		s.tasks[task.ID] = task
		if task.Status == domain.TaskStatusPending {
			s.backlog = append(s.backlog, task.ID)
		}
	}
	s.mu.Unlock()

	s.pump(ctx)
	return nil
}

// Add creates a new task, persists it, enqueues it, and nudges the
// scheduling loop.
func (s *Scheduler) Add(ctx context.Context, url, title, key, iv string) (string, error) {
	task := domain.Task{
		ID:     uuid.NewString(),
		URL:    url,
		Title:  title,
		Kind:   domain.KindFromURL(url),
		Status: domain.TaskStatusPending,
		Key:    key,
		IV:     iv,
	}
	task.CreatedAt = time.Now()

	if err := s.repo.Upsert(ctx, task); err != nil {
		s.logger.WithError(err).WithField("task_id", task.ID).Warn("repository upsert failed on add")
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.backlog = append(s.backlog, task.ID)
	s.mu.Unlock()

	s.hub.publish(task.Snapshot())
	s.pump(ctx)
	return task.ID, nil
}

// Pause fires the task's cancel handle and transitions it to Paused.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if task.Status != domain.TaskStatusDownloading {
		s.mu.Unlock()
		return fmt.Errorf("task %s is not downloading", id)
	}
	task.Status = domain.TaskStatusPaused
	s.tasks[id] = task
	s.generations[id]++
	cancel := s.activeCancels[id]
	s.mu.Unlock()

	s.persistAndPublish(ctx, task)
	if cancel != nil {
		cancel()
	}
	return nil
}

// Resume re-enqueues a Paused or Failed task at the backlog tail.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if task.Status != domain.TaskStatusPaused && task.Status != domain.TaskStatusFailed {
		s.mu.Unlock()
		return fmt.Errorf("task %s cannot be resumed from status %s", id, task.Status)
	}
	task.Status = domain.TaskStatusPending
	task.Error = ""
	s.tasks[id] = task
	s.backlog = append(s.backlog, id)
	s.mu.Unlock()

	s.persistAndPublish(ctx, task)
	s.pump(ctx)
	return nil
}

// Cancel fires the cancel handle (if active), deletes the row and any
// on-disk artifacts, and removes the task from every internal structure.
// Only a non-terminal task can be cancelled: a Completed task's artifact
// and save_path must persist until a fresh add, and an already-Cancelled
// task has nothing left to remove.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if task.Status.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("task %s is already %s and cannot be cancelled", id, task.Status)
	}
	task.Status = domain.TaskStatusCancelled
	cancel := s.activeCancels[id]
	s.generations[id]++
	delete(s.tasks, id)
	delete(s.activeCancels, id)
	delete(s.generations, id)
	s.removeFromBacklogLocked(id)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		s.logger.WithError(err).WithField("task_id", id).Warn("repository delete failed on cancel")
	}
	s.deleteArtifacts(id)
	s.hub.publish(task.Snapshot())
	s.pump(ctx)
	return nil
}

// Get returns a snapshot of a task by id.
func (s *Scheduler) Get(id string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	return task.Snapshot(), ok
}

// List returns every task, newest first. IDs are UUIDs and carry no
// ordering, so "newest first" is implemented by creation time rather than
// by id comparison.
func (s *Scheduler) List() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Subscribe returns a stream of task snapshots; every mutation that
// changes status, progress, downloaded_units, total_units, error, or
// save_path emits one event. The stream closes when stop is closed.
func (s *Scheduler) Subscribe(stop <-chan struct{}) <-chan domain.Task {
	return s.hub.subscribe(stop)
}

// pump is the scheduling primitive: while active_count < max_concurrent
// and the backlog is non-empty, pop the head and, if still Pending,
// dispatch it to a Runner. Re-entrant-safe: callers may invoke it freely
// after any state change that could free a slot or enqueue work.
func (s *Scheduler) pump(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.activeCount >= s.maxConcurrent || len(s.backlog) == 0 {
			s.mu.Unlock()
			return
		}

		id := s.backlog[0]
		s.backlog = s.backlog[1:]
		task, ok := s.tasks[id]
		if !ok || task.Status != domain.TaskStatusPending {
			s.mu.Unlock()
			continue
		}

		task.Status = domain.TaskStatusDownloading
		s.tasks[id] = task
		s.activeCount++
		s.generations[id]++
		gen := s.generations[id]

		runCtx, cancel := context.WithCancel(context.Background())
		s.activeCancels[id] = cancel
		s.mu.Unlock()

		s.persistAndPublish(ctx, task)
		go s.runTask(runCtx, task, gen)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task domain.Task, gen int64) {
	run := task
	s.runner.Run(ctx, &run, func(t *domain.Task) {
		s.applyRunnerUpdate(context.Background(), *t, gen)
	})

	s.mu.Lock()
	delete(s.activeCancels, run.ID)
	s.activeCount--
	stillCurrent := s.generations[run.ID] == gen
	s.mu.Unlock()

	if !stillCurrent {
		// a pause/cancel already bumped the generation and set the
		// authoritative status; this run's terminal outcome is stale.
		s.pump(context.Background())
		return
	}

	if run.Status == domain.TaskStatusCompleted && s.archiver != nil {
		go s.archiveCompleted(run)
	}

	s.pump(context.Background())
}

func (s *Scheduler) archiveCompleted(task domain.Task) {
	location, err := s.archiver.Archive(context.Background(), task.ID, task.SavePath)
	if err != nil {
		s.logger.WithError(err).WithField("task_id", task.ID).Warn("archival mirror failed")
		return
	}

	s.mu.Lock()
	current, ok := s.tasks[task.ID]
	if ok {
		current.ArchiveLocation = location
		s.tasks[task.ID] = current
	}
	s.mu.Unlock()

	if ok {
		s.persistAndPublish(context.Background(), current)
	}
}

// applyRunnerUpdate is how a Runner reports progress and terminal outcomes.
// It is dropped if a pause, cancel or later dispatch already advanced the
// task's generation past gen, so a run that was just stopped can't clobber the
// status the control operation already set.
func (s *Scheduler) applyRunnerUpdate(ctx context.Context, task domain.Task, gen int64) {
	s.mu.Lock()
	current := s.generations[task.ID]
	s.mu.Unlock()

	if current != gen {
		return
	}
	s.persistAndPublish(ctx, task)
}

// persistAndPublish is the single place where a mutated task snapshot is
// written into the authoritative map, persisted, and broadcast.
func (s *Scheduler) persistAndPublish(ctx context.Context, task domain.Task) {
	task.Clamp()

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	if err := s.repo.Upsert(ctx, task); err != nil {
		s.logger.WithError(err).WithField("task_id", task.ID).Warn("repository upsert failed")
	}
	s.hub.publish(task.Snapshot())
}

func (s *Scheduler) removeFromBacklogLocked(id string) {
	for i, backlogID := range s.backlog {
		if backlogID == id {
			s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) deleteArtifacts(id string) {
	os.Remove(filepath.Join(s.downloadDir, id+".mp4"))
	os.RemoveAll(filepath.Join(s.downloadDir, id+"_temp"))
}
