package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"portalnav/diagstore"
	nav "portalnav/services/portal_navigator/navigator_pkg"
)

// Job status constants
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

var errQueueFull = errors.New("job queue is full")

// NavigationJob is one queued navigation session.
type NavigationJob struct {
	ID          string             `json:"id"`
	Work        nav.WorkUnit       `json:"work"`
	Source      string             `json:"source"`
	Status      string             `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Result      *nav.SessionResult `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// JobStore keeps jobs in memory until they age out.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*NavigationJob
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*NavigationJob)}
}

func (s *JobStore) Create(work nav.WorkUnit, source string) NavigationJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &NavigationJob{
		ID:        uuid.New().String(),
		Work:      work,
		Source:    source,
		Status:    JobStatusPending,
		CreatedAt: time.Now(),
	}
	if job.Work.ID == "" {
		job.Work.ID = job.ID
	}
	s.jobs[job.ID] = job
	return *job
}

// Get returns a copy of the job so callers never race with workers.
func (s *JobStore) Get(id string) (NavigationJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return NavigationJob{}, false
	}
	return *job, true
}

func (s *JobStore) UpdateStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Status = status
		now := time.Now()
		if status == JobStatusRunning {
			job.StartedAt = &now
		} else if status == JobStatusCompleted || status == JobStatusFailed {
			job.CompletedAt = &now
		}
	}
}

// Finish records the session result and moves the job to its final status.
func (s *JobStore) Finish(id string, result *nav.SessionResult) {
	status := JobStatusFailed
	if result.Succeeded() {
		status = JobStatusCompleted
	}
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		job.Result = result
		job.Error = result.Error
	}
	s.mu.Unlock()
	s.UpdateStatus(id, status)
}

func (s *JobStore) CleanupOld(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for id, job := range s.jobs {
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// ResultPublisher announces finished sessions.
type ResultPublisher interface {
	PublishResult(ctx context.Context, r *nav.SessionResult) error
}

// NavigatorService runs navigation sessions on a fixed pool of workers.
// Every session gets a fresh surface from the driver.
type NavigatorService struct {
	store       *JobStore
	driver      nav.Driver
	plan        *nav.FlowPlan
	creds       nav.CredentialSource
	sink        nav.Sink
	results     *diagstore.ResultStore
	checkpoints *diagstore.CheckpointIndex
	publisher   ResultPublisher
	logger      nav.Logger
	cfg         Config

	jobQueue chan string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// ServiceDeps are the collaborators of a NavigatorService. Results,
// Checkpoints and Publisher are optional.
type ServiceDeps struct {
	Driver      nav.Driver
	Plan        *nav.FlowPlan
	Credentials nav.CredentialSource
	Sink        nav.Sink
	Results     *diagstore.ResultStore
	Checkpoints *diagstore.CheckpointIndex
	Publisher   ResultPublisher
	Logger      nav.Logger
}

func NewNavigatorService(cfg Config, deps ServiceDeps) *NavigatorService {
	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger
	if logger == nil {
		logger = &ServiceLogger{}
	}
	return &NavigatorService{
		store:       NewJobStore(),
		driver:      deps.Driver,
		plan:        deps.Plan,
		creds:       deps.Credentials,
		sink:        deps.Sink,
		results:     deps.Results,
		checkpoints: deps.Checkpoints,
		publisher:   deps.Publisher,
		logger:      logger,
		cfg:         cfg,
		jobQueue:    make(chan string, 100),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *NavigatorService) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	go s.cleanupWorker()
	log.Printf("✅ Started %d navigator workers (driver=%s)", s.cfg.Workers, s.driver.Name())
}

// Stop cancels running sessions and waits for the workers to exit.
func (s *NavigatorService) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Submit queues work and returns the job tracking it.
func (s *NavigatorService) Submit(work nav.WorkUnit, source string) (NavigationJob, error) {
	job := s.store.Create(work, source)
	select {
	case s.jobQueue <- job.ID:
	default:
		s.store.Finish(job.ID, &nav.SessionResult{
			SessionID:  job.ID,
			WorkID:     job.Work.ID,
			Outcome:    nav.OutcomeFailure,
			FinalPhase: nav.PhaseUnauthenticated,
			Error:      errQueueFull.Error(),
		})
		failed, _ := s.store.Get(job.ID)
		return failed, errQueueFull
	}
	log.Printf("📥 Created job %s for work %s (%s)", job.ID, job.Work.ID, source)
	return job, nil
}

func (s *NavigatorService) worker(id int) {
	defer s.wg.Done()
	log.Printf("🚀 Worker %d started", id)

	for {
		select {
		case <-s.ctx.Done():
			return
		case jobID := <-s.jobQueue:
			s.process(id, jobID)
		}
	}
}

func (s *NavigatorService) process(workerID int, jobID string) {
	job, ok := s.store.Get(jobID)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Worker %d PANIC: %v", workerID, r)
			s.store.Finish(jobID, &nav.SessionResult{
				SessionID:  jobID,
				WorkID:     job.Work.ID,
				Outcome:    nav.OutcomeFailure,
				FinalPhase: nav.PhaseFailed,
				Error:      fmt.Sprintf("worker panic: %v", r),
				ErrorKind:  "Unknown",
				FinishedAt: time.Now().UTC(),
			})
		}
	}()
	if !ok {
		log.Printf("⚠️ Worker %d: Job %s not found", workerID, jobID)
		return
	}

	log.Printf("🔧 Worker %d: Processing job %s", workerID, jobID)
	s.store.UpdateStatus(jobID, JobStatusRunning)

	result := s.RunSession(s.ctx, job.ID, job.Work)
	s.store.Finish(jobID, result)
	if result.Succeeded() {
		log.Printf("✅ Worker %d: Job %s completed", workerID, jobID)
	} else {
		log.Printf("❌ Worker %d: Job %s failed in %s: %s", workerID, jobID, result.FailingPhase, result.Error)
	}
}

// RunSession runs one session end to end on a fresh surface, then stores
// and publishes its result.
func (s *NavigatorService) RunSession(ctx context.Context, sessionID string, work nav.WorkUnit) *nav.SessionResult {
	if s.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SessionTimeout)
		defer cancel()
	}

	result := s.navigate(ctx, sessionID, work)
	s.report(result)
	return result
}

func (s *NavigatorService) navigate(ctx context.Context, sessionID string, work nav.WorkUnit) *nav.SessionResult {
	started := time.Now().UTC()
	surface, err := s.driver.NewSurface(ctx)
	if err != nil {
		perr := &nav.PhaseError{Phase: nav.PhaseUnauthenticated, Target: "browser", Err: fmt.Errorf("%w: %v", nav.ErrEnvironmentFailure, err)}
		return &nav.SessionResult{
			SessionID:    sessionID,
			WorkID:       work.ID,
			Outcome:      nav.OutcomeFailure,
			FailingPhase: nav.PhaseUnauthenticated,
			FinalPhase:   nav.PhaseFailed,
			Error:        perr.Error(),
			ErrorKind:    "EnvironmentFailure",
			StartedAt:    started,
			FinishedAt:   time.Now().UTC(),
			Err:          perr,
		}
	}
	defer func() {
		if err := surface.Close(); err != nil {
			log.Printf("⚠️ closing surface for %s: %v", sessionID, err)
		}
	}()

	flow := nav.NewFlow(sessionID, s.plan, surface, s.creds, s.sink, nav.FlowOptions{
		PerAttemptDiagnostics: s.cfg.PerAttemptDiagnostics,
		SinkBudget:            s.cfg.SinkBudget,
		Logger:                s.logger,
	})
	return flow.Run(ctx, work)
}

// report persists and publishes a result. Both are best-effort.
func (s *NavigatorService) report(result *nav.SessionResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.results != nil {
		if err := s.results.Save(ctx, result); err != nil {
			log.Printf("⚠️ saving result %s: %v", result.SessionID, err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishResult(ctx, result); err != nil {
			log.Printf("⚠️ publishing result %s: %v", result.SessionID, err)
		}
	}
}

func (s *NavigatorService) cleanupWorker() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.store.CleanupOld(30 * time.Minute); n > 0 {
				log.Printf("🧹 Removed %d finished jobs", n)
			}
		}
	}
}
