// Package scheduler turns deferred work into reliably retried, lockable
// units. It polls for due jobs, claims them through an optimistic lock
// lease, executes their handlers in per-job transactional commands and
// captures failures as retry decrements.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"flowplane/internal/engine/errs"
	"flowplane/internal/store"
)

// Handler executes one job type inside the scheduler's transaction.
type Handler interface {
	Execute(ctx context.Context, s store.EntityStore, job *store.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, s store.EntityStore, job *store.Job) error

func (f HandlerFunc) Execute(ctx context.Context, s store.EntityStore, job *store.Job) error {
	return f(ctx, s, job)
}

// Registry maps job types to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to a job type.
func (r *Registry) Register(jobType string, h Handler) {
	r.handlers[jobType] = h
}

func (r *Registry) resolve(jobType string) (Handler, error) {
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, errs.BadRequest("no handler registered for job type %q", jobType)
	}
	return h, nil
}

// IncidentRaiser is invoked when a job exhausts its retries. The detailed
// incident record belongs to history and monitoring; this core only flips
// the owning execution's state.
type IncidentRaiser interface {
	Raise(ctx context.Context, s store.EntityStore, job *store.Job, cause error) error
}

// executionFlagRaiser marks the owning execution as incident-bearing.
type executionFlagRaiser struct{}

func (executionFlagRaiser) Raise(ctx context.Context, s store.EntityStore, job *store.Job, cause error) error {
	if job.ExecutionID == nil {
		return nil
	}
	e, err := s.GetExecution(ctx, *job.ExecutionID)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil
		}
		return err
	}
	e.CachedEntityState = e.CachedEntityState.Set(store.HasIncidents)
	return s.UpdateExecution(ctx, e)
}

// BackoffFunc computes the next due date after a failed attempt. A nil
// function leaves the job due immediately.
type BackoffFunc func(job *store.Job, attempt int) time.Duration

// ExponentialBackoff is the optional strategy carried over from the worker
// loop: 10s * 2^attempt.
func ExponentialBackoff(job *store.Job, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Duration(10*(1<<attempt)) * time.Second
}

// Config holds scheduler tuning. Zero values pick the defaults.
type Config struct {
	LockOwner    string
	LockDuration time.Duration
	PollInterval time.Duration
	MaxBackoff   time.Duration
	Concurrency  int
	BatchSize    int

	// AcquisitionRate caps claimed jobs per second across the loop.
	// Zero disables the limit.
	AcquisitionRate rate.Limit

	// DefaultRetries seeds the retry budget of successor jobs.
	DefaultRetries int

	Backoff   BackoffFunc
	Incidents IncidentRaiser
}

// Scheduler is the polling loop. Parallel workers are fine: the lock lease
// arbitrates and handlers must stay idempotent, since an expired lease lets
// another worker re-run a handler from scratch.
type Scheduler struct {
	exec     store.CommandExecutor
	registry *Registry
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time

	acquired  metric.Int64Counter
	succeeded metric.Int64Counter
	failed    metric.Int64Counter
}

// New builds a scheduler over the given command executor and registry.
func New(exec store.CommandExecutor, registry *Registry, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.LockOwner == "" {
		cfg.LockOwner = uuid.NewString()
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Concurrency
	}
	if cfg.DefaultRetries <= 0 {
		cfg.DefaultRetries = 3
	}
	if cfg.Incidents == nil {
		cfg.Incidents = executionFlagRaiser{}
	}
	limit := cfg.AcquisitionRate
	if limit <= 0 {
		limit = rate.Inf
	}
	meter := otel.Meter("flowplane/scheduler")
	acquired, _ := meter.Int64Counter("flowplane.scheduler.jobs.acquired")
	succeeded, _ := meter.Int64Counter("flowplane.scheduler.jobs.succeeded")
	failed, _ := meter.Int64Counter("flowplane.scheduler.jobs.failed")
	return &Scheduler{
		exec:      exec,
		registry:  registry,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
		now:       time.Now,
		acquired:  acquired,
		succeeded: succeeded,
		failed:    failed,
	}
}

// Run starts the poll loop. It blocks until the context is cancelled and
// lets in-flight jobs drain before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		"lock_owner", s.cfg.LockOwner, "concurrency", s.cfg.Concurrency)

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	pollNow := make(chan struct{}, 1)
	currentBackoff := s.cfg.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}
	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled, draining running jobs")
			wg.Wait()
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := s.cfg.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}
			if availableSlots > s.cfg.BatchSize {
				availableSlots = s.cfg.BatchSize
			}

			jobs, err := s.acquire(ctx, availableSlots)
			if err != nil {
				s.logger.Error("acquisition failed", "error", err)
				continue
			}
			if len(jobs) == 0 {
				currentBackoff *= 2
				if currentBackoff > s.cfg.MaxBackoff {
					currentBackoff = s.cfg.MaxBackoff
				}
				continue
			}
			currentBackoff = s.cfg.PollInterval
			s.acquired.Add(ctx, int64(len(jobs)))

			for _, job := range jobs {
				sem <- struct{}{}
				wg.Add(1)
				go func(job *store.Job) {
					defer func() {
						<-sem
						wg.Done()
						triggerPoll()
					}()
					s.runJob(ctx, job)
				}(job)
			}
		}
	}
}

// acquire lists due jobs and claims their lock leases. A lost claim race is
// silent: the job is simply skipped.
func (s *Scheduler) acquire(ctx context.Context, limit int) ([]*store.Job, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	now := s.now()
	until := now.Add(s.cfg.LockDuration)
	var claimed []*store.Job
	err := s.exec.WithTransaction(ctx, func(ctx context.Context, st store.EntityStore) error {
		due, err := st.DueJobs(ctx, now, limit)
		if err != nil {
			return err
		}
		for _, job := range due {
			ok, err := st.ClaimJob(ctx, job.ID, s.cfg.LockOwner, until, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			job.LockOwner = &s.cfg.LockOwner
			job.LockExpirationTime = &until
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// runJob executes one claimed job and does the failure bookkeeping. Handler
// errors never propagate to the loop; they surface later as retry
// decrements and, after exhaustion, as a permanent failure record.
func (s *Scheduler) runJob(ctx context.Context, job *store.Job) {
	if err := s.execute(ctx, job); err != nil {
		s.failed.Add(ctx, 1)
		s.logger.Warn("job failed", "job_id", job.ID, "job_type", job.JobType, "error", err)
		if ferr := s.captureFailure(ctx, job.ID, err); ferr != nil {
			s.logger.Error("failure capture failed", "job_id", job.ID, "error", ferr)
		}
		return
	}
	s.succeeded.Add(ctx, 1)
}

// execute runs the handler inside one transactional command. Success
// deletes the job; a recurring timer inserts its successor in the same
// transaction.
func (s *Scheduler) execute(ctx context.Context, job *store.Job) error {
	return s.exec.WithTransaction(ctx, func(ctx context.Context, st store.EntityStore) error {
		h, err := s.registry.resolve(job.JobType)
		if err != nil {
			return err
		}
		if err := h.Execute(ctx, st, job); err != nil {
			return err
		}
		if job.RepeatInterval != nil {
			if err := st.InsertJob(ctx, s.successor(job)); err != nil {
				return fmt.Errorf("insert successor job: %w", err)
			}
		}
		return st.DeleteJob(ctx, job.ID)
	})
}

func (s *Scheduler) successor(job *store.Job) *store.Job {
	next := *job
	next.ID = uuid.New()
	next.Retries = s.cfg.DefaultRetries
	next.ExceptionMessage = ""
	next.LockOwner = nil
	next.LockExpirationTime = nil
	next.CreatedAt = s.now()
	base := s.now()
	if job.DueDate != nil {
		base = *job.DueDate
	}
	due := base.Add(*job.RepeatInterval)
	next.DueDate = &due
	return &next
}

// captureFailure decrements retries in its own command, so the bookkeeping
// survives the rolled-back handler transaction.
func (s *Scheduler) captureFailure(ctx context.Context, jobID uuid.UUID, cause error) error {
	return s.exec.WithTransaction(ctx, func(ctx context.Context, st store.EntityStore) error {
		job, err := st.GetJob(ctx, jobID)
		if err != nil {
			if errs.IsNotFound(err) {
				return nil
			}
			return err
		}
		job.Retries--
		job.ExceptionMessage = TruncateExceptionMessage(cause.Error())
		job.LockOwner = nil
		job.LockExpirationTime = nil
		if s.cfg.Backoff != nil && job.Retries > 0 {
			// A revived job may carry more retries than DefaultRetries;
			// the attempt never goes below zero.
			attempt := s.cfg.DefaultRetries - job.Retries
			if attempt < 0 {
				attempt = 0
			}
			due := s.now().Add(s.cfg.Backoff(job, attempt))
			job.DueDate = &due
		}
		if err := st.UpdateJob(ctx, job); err != nil {
			return err
		}
		if job.Retries <= 0 {
			return s.cfg.Incidents.Raise(ctx, st, job, cause)
		}
		return nil
	})
}

// ExecuteJob runs one job synchronously on behalf of a caller. Unlike the
// poll loop, the handler's error propagates directly, after the usual
// failure bookkeeping.
func (s *Scheduler) ExecuteJob(ctx context.Context, id uuid.UUID) error {
	var job *store.Job
	err := s.exec.WithTransaction(ctx, func(ctx context.Context, st store.EntityStore) error {
		j, err := st.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if j.SuspensionState == store.StateSuspended {
			return errs.InvalidState("job %s is suspended", id)
		}
		job = j
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.execute(ctx, job); err != nil {
		if ferr := s.captureFailure(ctx, job.ID, err); ferr != nil {
			s.logger.Error("failure capture failed", "job_id", job.ID, "error", ferr)
		}
		return err
	}
	return nil
}

// SetJobRetries resets the retry budget, e.g. to revive a permanently
// failed job.
func (s *Scheduler) SetJobRetries(ctx context.Context, id uuid.UUID, retries int) error {
	if retries < 0 {
		return errs.BadRequest("retries must be >= 0, got %d", retries)
	}
	return s.exec.WithTransaction(ctx, func(ctx context.Context, st store.EntityStore) error {
		job, err := st.GetJob(ctx, id)
		if err != nil {
			return err
		}
		job.Retries = retries
		return st.UpdateJob(ctx, job)
	})
}

// ExceptionStacktrace returns the stored failure message of a job.
func (s *Scheduler) ExceptionStacktrace(ctx context.Context, id uuid.UUID) (string, error) {
	var message string
	err := s.exec.WithTransaction(ctx, func(ctx context.Context, st store.EntityStore) error {
		job, err := st.GetJob(ctx, id)
		if err != nil {
			return err
		}
		message = job.ExceptionMessage
		return nil
	})
	return message, err
}
