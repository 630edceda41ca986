package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tmerz/assetcalc/config"
	"github.com/tmerz/assetcalc/hierarchy"
	"github.com/tmerz/assetcalc/provider"
	"github.com/tmerz/assetcalc/series"
	"github.com/tmerz/assetcalc/telemetry"
)

// Scheduler owns the backfill job table and a bounded worker pool. The job
// table and the active-conflict index are guarded by one mutex; every
// submit, cancel and finish transition is a single critical section.
type Scheduler struct {
	cfg       config.EngineConfig
	logger    zerolog.Logger
	store     *hierarchy.Store
	providers map[string]provider.Provider
	collector telemetry.Collector

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    map[string]*job
	queue   []*job
	history []string
	active  int
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats summarises the scheduler state for health reporting.
type Stats struct {
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Samples   uint64 `json:"samples"`
}

// New creates a scheduler and starts its worker pool.
func New(cfg config.EngineConfig, store *hierarchy.Store, providers map[string]provider.Provider, collector telemetry.Collector, logger zerolog.Logger) *Scheduler {
	if collector == nil {
		collector = telemetry.Noop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		store:     store,
		providers: providers,
		collector: collector,
		jobs:      make(map[string]*job),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.cond = sync.NewCond(&s.mu)
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s
}

// Close stops the worker pool. Queued jobs fail with reason Cancelled;
// running jobs observe the cancelled context at their next batch boundary.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	drained := s.queue
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancel()
	for _, j := range drained {
		s.finish(j, StatusFailed, ReasonCancelled, nil)
	}
	s.wg.Wait()
}

// Submit validates a request, snapshots the attribute definition, builds
// the evaluation plan and queues the job. Validation, conflict and
// plan-time errors are returned synchronously; no worker slot is consumed.
func (s *Scheduler) Submit(req Request) (string, error) {
	if req.AssetID == "" || req.AttributeID == "" {
		return "", &ValidationError{Reason: "asset and attribute ids are required"}
	}
	if req.Resolution <= 0 {
		return "", &ValidationError{Reason: "resolution must be positive"}
	}
	if req.End.Before(req.Start) {
		return "", &ValidationError{Reason: "start must not be after end"}
	}
	snapshot, err := s.store.AttributeSnapshot(req.AssetID, req.AttributeID)
	if err != nil {
		return "", &ValidationError{Reason: err.Error()}
	}
	if snapshot.Target.Inert() {
		return "", &InertAttributeError{Attribute: req.AttributeID}
	}
	plan, err := buildPlan(snapshot)
	if err != nil {
		return "", err
	}
	providerID, err := s.resolveProvider(plan, snapshot)
	if err != nil {
		return "", err
	}

	j := &job{
		id:        uuid.NewString(),
		req:       req,
		snapshot:  snapshot,
		plan:      plan,
		provider:  providerID,
		kpi:       snapshot.Target.IsKPI,
		submitted: time.Now().UTC(),
		total:     req.timestamps(),
		status:    StatusQueued,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("scheduler is closed")
	}
	for _, existing := range s.jobs {
		if existing.status.Terminal() {
			continue
		}
		if existing.req.overlaps(req) {
			id := existing.id
			s.mu.Unlock()
			return "", &ConflictError{ExistingJobID: id}
		}
	}
	if len(s.queue) >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		return "", ErrQueueFull
	}
	s.jobs[j.id] = j
	s.queue = append(s.queue, j)
	s.cond.Signal()
	s.mu.Unlock()

	s.collector.IncJobSubmitted()
	s.publishGauges()
	s.logger.Info().Str("job", j.id).Str("asset", req.AssetID).Str("attribute", req.AttributeID).Bool("kpi", j.kpi).Msg("backfill job queued")
	return j.id, nil
}

func (s *Scheduler) resolveProvider(plan *evalPlan, snapshot hierarchy.Snapshot) (string, error) {
	// Per-tag fetches may name their own provider (qualified ancestor
	// references); the job-level provider covers tags without one.
	id := snapshot.DataSource
	if id == "" {
		if len(s.providers) == 1 {
			for only := range s.providers {
				id = only
			}
		} else {
			for _, fetch := range plan.tags {
				if fetch.provider == "" {
					return "", &ValidationError{Reason: fmt.Sprintf("node %s has no data source", snapshot.NodeID)}
				}
			}
		}
	}
	for _, fetch := range plan.tags {
		effective := fetch.provider
		if effective == "" {
			effective = id
		}
		if _, ok := s.providers[effective]; !ok {
			return "", &ValidationError{Reason: fmt.Sprintf("unknown data source %q", effective)}
		}
	}
	return id, nil
}

// Status returns a copy of the job state.
func (s *Scheduler) Status(jobID string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return View{}, ErrNotFound
	}
	return j.view(), nil
}

// Jobs lists all known jobs ordered by submission time.
func (s *Scheduler) Jobs() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]View, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.view())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SubmittedAt.Before(out[k].SubmittedAt) })
	return out
}

// Series returns the computed samples of a completed job.
func (s *Scheduler) Series(jobID string) ([]series.ComputedSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.status != StatusCompleted {
		return nil, fmt.Errorf("job %s is %s, series requires a completed job", jobID, j.status)
	}
	out := make([]series.ComputedSample, len(j.samples))
	copy(out, j.samples)
	return out, nil
}

// Cancel requests termination of a queued or processing job. Queued jobs
// fail immediately; processing jobs observe the flag at the next batch
// boundary, so cancellation latency is bounded by one batch.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if j.status.Terminal() {
		s.mu.Unlock()
		return ErrAlreadyTerminal
	}
	if j.status == StatusQueued {
		for i, queued := range s.queue {
			if queued == j {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		s.finish(j, StatusFailed, ReasonCancelled, nil)
		return nil
	}
	j.cancelled.Store(true)
	if j.cancel != nil {
		j.cancel()
	}
	s.mu.Unlock()
	s.logger.Info().Str("job", jobID).Msg("cancellation requested")
	return nil
}

// Stats summarises the current job table.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Queued: len(s.queue), Active: s.active}
	for _, j := range s.jobs {
		switch j.status {
		case StatusCompleted:
			stats.Completed++
			stats.Samples += uint64(len(j.samples))
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	logger := s.logger.With().Int("worker", id).Logger()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		j := s.dequeueLocked()
		jobCtx, cancel := context.WithCancel(s.ctx)
		j.cancel = cancel
		j.status = StatusProcessing
		j.started = time.Now().UTC()
		s.active++
		s.mu.Unlock()

		s.publishGauges()
		logger.Info().Str("job", j.id).Msg("backfill job started")
		s.runJob(jobCtx, j, logger)
		cancel()
	}
}

// dequeueLocked pops the next job honouring the KPI priority policy: with
// queue priority enabled, the oldest KPI job wins over older non-KPI jobs.
func (s *Scheduler) dequeueLocked() *job {
	index := 0
	if s.cfg.KPIPriority == config.KPIPriorityQueue {
		for i, queued := range s.queue {
			if queued.kpi {
				index = i
				break
			}
		}
	}
	j := s.queue[index]
	s.queue = append(s.queue[:index], s.queue[index+1:]...)
	return j
}

func (s *Scheduler) runJob(ctx context.Context, j *job, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("job", j.id).Interface("panic", r).Msg("worker lost")
			s.finish(j, StatusFailed, fmt.Sprintf("%s: %v", ReasonWorkerLost, r), nil)
		}
	}()

	samples, fail := s.execute(ctx, j)
	if fail != nil {
		logger.Warn().Str("job", j.id).Str("reason", fail.String()).Msg("backfill job failed")
		s.finish(j, StatusFailed, fail.String(), nil)
		return
	}
	logger.Info().Str("job", j.id).Int("samples", len(samples)).Msg("backfill job completed")
	s.finish(j, StatusCompleted, "", samples)
}

// finish applies a terminal transition exactly once.
func (s *Scheduler) finish(j *job, status Status, reason string, samples []series.ComputedSample) {
	s.mu.Lock()
	if j.status.Terminal() {
		s.mu.Unlock()
		return
	}
	wasProcessing := j.status == StatusProcessing
	j.status = status
	j.reason = reason
	j.finished = time.Now().UTC()
	if status == StatusCompleted {
		j.samples = samples
		j.processed.Store(j.total)
	}
	if wasProcessing {
		s.active--
	}
	s.history = append(s.history, j.id)
	s.pruneLocked()
	s.mu.Unlock()

	s.collector.IncJobFinished(string(status))
	s.publishGauges()
}

// pruneLocked drops the oldest terminal jobs beyond the history limit.
func (s *Scheduler) pruneLocked() {
	limit := s.cfg.HistoryLimit
	if limit <= 0 {
		return
	}
	for len(s.history) > limit {
		oldest := s.history[0]
		s.history = s.history[1:]
		if j, ok := s.jobs[oldest]; ok && j.status.Terminal() {
			delete(s.jobs, oldest)
		}
	}
}

func (s *Scheduler) publishGauges() {
	s.mu.Lock()
	active := s.active
	queued := len(s.queue)
	s.mu.Unlock()
	s.collector.SetActiveJobs(active)
	s.collector.SetQueuedJobs(queued)
}
