// Package scheduler implements C7, the round-robin scheduler: the core of
// the core. It keeps an in-memory task registry and runs a fair
// round-robin publication loop so that concurrent task instances make
// bounded-advance progress regardless of arrival time, size, or task type
// (spec §4.7).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/electionguard/tally-orchestrator/internal/debug"
	"github.com/electionguard/tally-orchestrator/internal/orcherr"
)

// Publisher is the narrow interface the scheduler needs from the queue
// substrate (C6) — just enough to hand a chunk to its task-type queue.
type Publisher interface {
	Publish(ctx context.Context, taskType, id string, payload []byte) error
}

// Config mirrors config.SchedulerConfig without importing it, keeping the
// scheduler package dependency-free of the config package (constructed by
// the caller from the loaded configuration).
type Config struct {
	Tick             time.Duration
	MaxPasses        int
	MaxQueuedPerTask int
	RetryMaxAttempts int
	RetryInitialWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tick:             100 * time.Millisecond,
		MaxPasses:        8,
		MaxQueuedPerTask: 1,
		RetryMaxAttempts: 3,
		RetryInitialWait: 5 * time.Second,
	}
}

// ChunkInput is one unit of work supplied at registration time.
type ChunkInput struct {
	Payload []byte
}

// Scheduler is the C7 in-memory registry and publication loop.
type Scheduler struct {
	cfg Config
	pub Publisher
	log *logrus.Logger

	mu              sync.Mutex
	tasks           map[string]*TaskInstance
	taskOrder       []string // registration order; never shrinks
	roundRobinIndex int
	ticker          *time.Ticker // set by Run; nil until the loop starts

	nextTaskSeq uint64

	onQueued    func(taskType TaskType, electionID string)
	onCompleted func(taskType TaskType, electionID string)
	onFailed    func(taskType TaskType, electionID string, terminal bool)
}

// Hooks lets callers (the phase controller, metrics) observe chunk state
// transitions without the scheduler depending on them directly.
type Hooks struct {
	OnQueued    func(taskType TaskType, electionID string)
	OnCompleted func(taskType TaskType, electionID string)
	OnFailed    func(taskType TaskType, electionID string, terminal bool)
}

func New(cfg Config, pub Publisher, log *logrus.Logger, hooks Hooks) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		cfg:         cfg,
		pub:         pub,
		log:         log,
		tasks:       make(map[string]*TaskInstance),
		onQueued:    hooks.OnQueued,
		onCompleted: hooks.OnCompleted,
		onFailed:    hooks.OnFailed,
	}
}

// RegisterTask atomically installs a new task instance with all its chunk
// descriptors in state PENDING, per spec §4.7. It is immediately visible to
// the scheduling loop on the next tick (latency <= cfg.Tick).
func (s *Scheduler) RegisterTask(taskType TaskType, electionID string, guardianIDs []string, chunks []ChunkInput) (string, error) {
	if len(chunks) == 0 {
		return "", orcherr.Validationf("register_task", "task %s/%s has no chunks", taskType, electionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := atomic.AddUint64(&s.nextTaskSeq, 1)
	taskInstanceID := fmt.Sprintf("%s-%s-%d", taskType, electionID, seq)

	now := time.Now()
	descs := make([]*ChunkDescriptor, len(chunks))
	for i, in := range chunks {
		descs[i] = &ChunkDescriptor{
			ChunkID:   fmt.Sprintf("%s-%d", taskInstanceID, i),
			Sequence:  i,
			State:     StatePending,
			Payload:   in.Payload,
			CreatedAt: now,
		}
	}

	t := &TaskInstance{
		TaskInstanceID: taskInstanceID,
		TaskType:       taskType,
		ElectionID:     electionID,
		GuardianIDs:    guardianIDs,
		Chunks:         descs,
		RegisteredAt:   now,
	}
	s.tasks[taskInstanceID] = t
	s.taskOrder = append(s.taskOrder, taskInstanceID)

	return taskInstanceID, nil
}

// Run drives the scheduling loop until ctx is cancelled. It is the only
// place the scheduler sleeps (spec §5): everywhere else is either the
// O(|A|) in-memory pass or a bounded queue publish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.mu.Lock()
	s.ticker = ticker
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Tick runs one round-robin publication pass immediately, outside of Run's
// ticker. Exposed for deterministic tests and for an operator-triggered
// "kick the scheduler" admin action.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx)
}

// UpdateConfig applies a hot-reloaded config.SchedulerConfig's worth of
// tuning knobs. MaxPasses, MaxQueuedPerTask, RetryMaxAttempts, and
// RetryInitialWait take effect on the very next tick; Tick additionally
// resets the running ticker (if Run has started) so a changed interval
// applies without waiting for the current period to elapse.
func (s *Scheduler) UpdateConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tickChanged := cfg.Tick > 0 && cfg.Tick != s.cfg.Tick
	s.cfg = cfg
	if tickChanged && s.ticker != nil {
		s.ticker.Reset(cfg.Tick)
	}
}

// tick runs one round-robin publication pass under the scheduling mutex.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeLocked()
	if len(active) == 0 {
		return
	}

	start := s.roundRobinIndex % len(active)
	if debug.Enabled() {
		s.log.WithFields(logrus.Fields{"active_tasks": len(active), "start_index": start}).Debug("scheduler: tick start")
	}

	for pass := 0; pass < s.cfg.MaxPasses; pass++ {
		publishedThisPass := false

		for k := 0; k < len(active); k++ {
			t := active[(start+k)%len(active)]

			if t.queuedCount() >= s.cfg.MaxQueuedPerTask {
				continue
			}
			chunk := t.firstPending()
			if chunk == nil {
				continue
			}

			if err := s.pub.Publish(ctx, string(t.TaskType), chunk.ChunkID, chunk.Payload); err != nil {
				s.log.WithFields(logrus.Fields{
					"task_instance_id": t.TaskInstanceID,
					"chunk_id":         chunk.ChunkID,
					"error":            err,
				}).Warn("scheduler: publish failed, chunk remains PENDING")
				continue
			}

			chunk.State = StateQueued
			chunk.QueuedAt = time.Now()
			publishedThisPass = true

			if debug.Enabled() {
				s.log.WithFields(logrus.Fields{
					"task_instance_id": t.TaskInstanceID,
					"chunk_id":         chunk.ChunkID,
					"pass":             pass,
				}).Debug("scheduler: chunk published")
			}

			if s.onQueued != nil {
				s.onQueued(t.TaskType, t.ElectionID)
			}
		}

		if !publishedThisPass {
			break
		}
	}

	s.roundRobinIndex++
}

// activeLocked returns the task instances with at least one non-terminal
// chunk, in stable registration order. Caller must hold s.mu.
func (s *Scheduler) activeLocked() []*TaskInstance {
	active := make([]*TaskInstance, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.active() {
			active = append(active, t)
		}
	}
	return active
}

// UpdateChunkState is the SchedulerPort method workers call to report
// progress (spec §4.7's public contract). It is the only mutation surface
// workers have into the scheduler's registry.
func (s *Scheduler) UpdateChunkState(chunkID string, newState ChunkState, errMsg string) error {
	s.mu.Lock()

	t, c, err := s.findChunkLocked(chunkID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if err := validateTransition(c.State, newState); err != nil {
		s.mu.Unlock()
		return orcherr.State("update_chunk_state", err)
	}

	prev := c.State
	c.State = newState
	now := time.Now()

	switch newState {
	case StateProcessing:
		c.ProcessingAt = now
	case StateCompleted:
		c.CompletedAt = now
	case StateFailed:
		c.AttemptCount++
		c.LastError = errMsg
	}

	taskType, electionID := t.TaskType, t.ElectionID
	attempt, maxRetry := c.AttemptCount, s.cfg.RetryMaxAttempts
	delay := s.cfg.RetryInitialWait
	s.mu.Unlock()

	switch newState {
	case StateCompleted:
		if s.onCompleted != nil {
			s.onCompleted(taskType, electionID)
		}
	case StateFailed:
		if attempt < maxRetry {
			s.scheduleRetry(chunkID, attempt, delay)
			if s.onFailed != nil {
				s.onFailed(taskType, electionID, false)
			}
		} else if s.onFailed != nil {
			s.onFailed(taskType, electionID, true)
		}
	}

	_ = prev
	return nil
}

// scheduleRetry resets chunkID from FAILED back to PENDING after
// initialDelay * 2^(attempt-1), per spec §4.7, but only if the chunk is
// still FAILED (another path may have already moved it).
func (s *Scheduler) scheduleRetry(chunkID string, attempt int, initialDelay time.Duration) {
	backoff := initialDelay * time.Duration(1<<uint(attempt-1))
	time.AfterFunc(backoff, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, c, err := s.findChunkLocked(chunkID)
		if err != nil {
			return
		}
		if c.State == StateFailed {
			c.State = StatePending
		}
	})
}

func (s *Scheduler) findChunkLocked(chunkID string) (*TaskInstance, *ChunkDescriptor, error) {
	for _, t := range s.tasks {
		for _, c := range t.Chunks {
			if c.ChunkID == chunkID {
				return t, c, nil
			}
		}
	}
	return nil, nil, orcherr.Statef("find_chunk", "unknown chunk id %q", chunkID)
}

// validateTransition enforces the state machine of spec §4.7: no chunk
// transitions backward except FAILED->PENDING (handled by scheduleRetry,
// not by a caller), and PENDING/QUEUED/PROCESSING only move forward.
func validateTransition(from, to ChunkState) error {
	switch from {
	case StatePending:
		if to == StateQueued {
			return nil
		}
	case StateQueued:
		if to == StateProcessing {
			return nil
		}
	case StateProcessing:
		if to == StateCompleted || to == StateFailed {
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", from, to)
}

// GetProgress returns a read-only snapshot for one task instance.
func (s *Scheduler) GetProgress(taskInstanceID string) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskInstanceID]
	if !ok {
		return Progress{}, orcherr.Validationf("get_progress", "unknown task instance %q", taskInstanceID)
	}
	return t.snapshot(), nil
}

// GetElectionProgress returns a snapshot per task instance for an election.
func (s *Scheduler) GetElectionProgress(electionID string) []Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Progress
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.ElectionID == electionID {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// GetSystemStats aggregates progress across every registered task instance.
func (s *Scheduler) GetSystemStats() SystemStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats SystemStats
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		stats.TaskInstances++
		if t.active() {
			stats.Active++
		}
		for _, c := range t.Chunks {
			stats.TotalChunks++
			switch c.State {
			case StateCompleted:
				stats.Completed++
			case StateFailed:
				stats.Failed++
			}
		}
	}
	return stats
}

// queuedCountFor exposes a task's current queued-chunk count; used by
// tests that assert the bounded-advance fairness property.
func (s *Scheduler) queuedCountFor(taskInstanceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskInstanceID]
	if !ok {
		return 0
	}
	return t.queuedCount()
}
