// Package scheduler fires capabilities later, either once at a point in time
// or repeatedly on a cron pattern. Jobs are persisted in the kvstore so they
// survive restarts.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/lunar/internal/observability"
	"github.com/harun/lunar/internal/tracing"
	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/kvstore"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const previewLength = 100

// Resolver finds the capability a job should run when it fires.
type Resolver func(name string) (capability.Capability, bool)

// Config holds scheduler dependencies
type Config struct {
	Store  kvstore.Store
	Logger zerolog.Logger
	Limits capability.Limits
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Scheduler arms persisted jobs and runs them through capability.Invoke.
type Scheduler struct {
	store  kvstore.Store
	logger zerolog.Logger
	limits capability.Limits
	now    func() time.Time

	mu          sync.Mutex
	timers      map[string]*time.Timer
	resolve     Resolver
	initialized bool
	stopped     bool
	inflight    sync.WaitGroup
}

// New creates a scheduler. Jobs are not armed until Initialize is called.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limits := cfg.Limits
	if limits.MaxOutputBytes == 0 {
		limits.MaxOutputBytes = capability.DefaultMaxOutputBytes
	}
	return &Scheduler{
		store:  cfg.Store,
		logger: cfg.Logger.With().Str("component", "scheduler").Logger(),
		limits: limits,
		now:    now,
		timers: make(map[string]*time.Timer),
	}, nil
}

// Initialize loads persisted jobs, drops one-shot jobs that are already
// past due without running them, and arms the rest. Only the first call has
// any effect.
func (s *Scheduler) Initialize(ctx context.Context, resolve Resolver) error {
	if resolve == nil {
		return fmt.Errorf("resolver is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		s.logger.Debug().Msg("Scheduler already initialized")
		return nil
	}

	jobs, dropped, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	live := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		if _, ok := job.Trigger.Next(now); !ok {
			s.logger.Info().
				Str("jobId", job.ID).
				Str("trigger", job.Trigger.String()).
				Msg("Skipping expired job")
			dropped++
			continue
		}
		live = append(live, job)
	}
	if dropped > 0 {
		if err := s.saveLocked(ctx, live); err != nil {
			return err
		}
	}

	s.resolve = resolve
	s.initialized = true
	for _, job := range live {
		s.armLocked(job)
	}

	s.logger.Info().Int("jobCount", len(live)).Int("pruned", dropped).Msg("Scheduler initialized")
	return nil
}

// Schedule persists a new job and arms it when the scheduler has been
// initialized.
func (s *Scheduler) Schedule(ctx context.Context, trigger Trigger, toolName string, toolArgs json.RawMessage) (string, error) {
	if trigger == nil {
		return "", fmt.Errorf("%w: trigger is required", ErrInvalidTrigger)
	}
	if toolName == "" {
		return "", fmt.Errorf("tool name is required")
	}
	if c, ok := trigger.(Cron); ok && c.schedule == nil {
		return "", fmt.Errorf("%w: cron trigger must be created with NewCron", ErrInvalidTrigger)
	}
	if _, ok := trigger.Next(s.now()); !ok {
		return "", fmt.Errorf("%w: %s is not in the future", ErrInvalidTrigger, trigger.String())
	}
	if len(toolArgs) == 0 {
		toolArgs = json.RawMessage("{}")
	}
	if !json.Valid(toolArgs) {
		return "", fmt.Errorf("tool arguments are not valid JSON")
	}

	job := Job{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		ToolName:  toolName,
		ToolArgs:  toolArgs,
		CreatedAt: s.now().UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, _, err := s.loadLocked(ctx)
	if err != nil {
		return "", err
	}
	if err := s.saveLocked(ctx, append(jobs, job)); err != nil {
		return "", err
	}

	if s.initialized && !s.stopped {
		s.armLocked(job)
	}

	s.logger.Info().
		Str("jobId", job.ID).
		Str("kind", string(trigger.Kind())).
		Str("trigger", trigger.String()).
		Str("tool", toolName).
		Msg("Job created")
	observability.RecordJobAudit(ctx, "schedule", job.ID, "success", map[string]interface{}{"tool": toolName})
	return job.ID, nil
}

// Cancel disarms and deletes a job. It reports true when a timer was
// stopped or a stored record was removed.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	disarmed := s.disarmLocked(id)

	jobs, _, err := s.loadLocked(ctx)
	if err != nil {
		return disarmed, err
	}
	removed := false
	kept := jobs[:0]
	for _, job := range jobs {
		if job.ID == id {
			removed = true
			continue
		}
		kept = append(kept, job)
	}
	if removed {
		if err := s.saveLocked(ctx, kept); err != nil {
			return disarmed, err
		}
	}

	if disarmed || removed {
		s.logger.Info().Str("jobId", id).Msg("Job cancelled")
		observability.RecordJobAudit(ctx, "cancel", id, "success", nil)
	}
	return disarmed || removed, nil
}

// List returns the persisted jobs in creation order.
func (s *Scheduler) List(ctx context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs, _, err := s.loadLocked(ctx)
	return jobs, err
}

// Stop disarms every timer. Jobs already firing run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id := range s.timers {
		s.disarmLocked(id)
	}
	s.mu.Unlock()

	s.inflight.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// Armed reports how many jobs currently have a live timer.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) armLocked(job Job) {
	next, ok := job.Trigger.Next(s.now())
	if !ok {
		s.logger.Warn().Str("jobId", job.ID).Msg("Job has no future run, not arming")
		return
	}
	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.timers[job.ID] = time.AfterFunc(delay, func() { s.fire(job) })
	observability.SetScheduledJobs(len(s.timers))

	s.logger.Debug().
		Str("jobId", job.ID).
		Dur("delay", delay).
		Time("nextRun", next).
		Msg("Job scheduled")
}

func (s *Scheduler) disarmLocked(id string) bool {
	timer, ok := s.timers[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(s.timers, id)
	observability.SetScheduledJobs(len(s.timers))
	s.logger.Debug().Str("jobId", id).Msg("Job timer cancelled")
	return true
}

func (s *Scheduler) fire(job Job) {
	s.mu.Lock()
	if _, armed := s.timers[job.ID]; !armed || s.stopped {
		s.mu.Unlock()
		return
	}
	resolve := s.resolve
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	ctx := tracing.NewJobContext(context.Background(), job.ID)
	ctx, span := tracing.StartSpan(ctx, "lunar/scheduler", "scheduler.fire",
		attribute.String("job.id", job.ID),
		attribute.String("job.tool", job.ToolName),
		attribute.String("job.kind", string(job.Kind())),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	status := s.run(ctx, logger, resolve, job)
	if status != "success" {
		span.SetStatus(codes.Error, status)
	}
	observability.RecordSchedulerFire(status)
	observability.RecordJobAudit(ctx, "fire", job.ID, status, map[string]interface{}{"tool": job.ToolName})

	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Kind() == KindOneShot {
		s.disarmLocked(job.ID)
		if err := s.removeLocked(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to remove fired job")
		}
		return
	}

	if _, armed := s.timers[job.ID]; armed && !s.stopped {
		s.armLocked(job)
	}
}

// run executes the job's capability and never panics.
func (s *Scheduler) run(ctx context.Context, logger zerolog.Logger, resolve Resolver, job Job) (status string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Scheduled job panicked")
			status = "error"
		}
	}()

	c, ok := resolve(job.ToolName)
	if !ok {
		logger.Error().
			Str("error", "SchedulerResolutionError").
			Str("tool", job.ToolName).
			Msg("Scheduled job references an unknown capability")
		return "unresolved"
	}

	logger.Info().Str("tool", job.ToolName).Msg("Executing job")
	out, err := s.limits.Invoke(ctx, c, string(job.ToolArgs))
	if err != nil {
		logger.Error().Err(err).Str("tool", job.ToolName).Msg("Job execution failed")
		return "error"
	}

	logger.Info().
		Str("tool", job.ToolName).
		Str("result", preview(out)).
		Msg("Job execution completed")
	return "success"
}

func (s *Scheduler) removeLocked(ctx context.Context, id string) error {
	jobs, _, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	kept := jobs[:0]
	for _, job := range jobs {
		if job.ID != id {
			kept = append(kept, job)
		}
	}
	if len(kept) == len(jobs) {
		return nil
	}
	return s.saveLocked(ctx, kept)
}

// loadLocked reads stored jobs. Records whose trigger no longer parses are
// skipped and counted.
func (s *Scheduler) loadLocked(ctx context.Context) ([]Job, int, error) {
	var records []record
	if _, err := s.store.Get(ctx, kvstore.KeyJobs, &records); err != nil {
		return nil, 0, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]Job, 0, len(records))
	skipped := 0
	for _, r := range records {
		job, err := fromRecord(r)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Skipping unreadable job")
			skipped++
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, skipped, nil
}

func (s *Scheduler) saveLocked(ctx context.Context, jobs []Job) error {
	records := make([]record, 0, len(jobs))
	for _, job := range jobs {
		records = append(records, toRecord(job))
	}
	if err := s.store.Put(ctx, kvstore.KeyJobs, records); err != nil {
		return fmt.Errorf("failed to persist jobs: %w", err)
	}
	s.logger.Debug().Int("count", len(records)).Msg("Persisted jobs")
	return nil
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLength {
		return s
	}
	return string(r[:previewLength]) + "..."
}
