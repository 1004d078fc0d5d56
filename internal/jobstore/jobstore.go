package jobstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dreamforge/dream-server/internal/db"
	"github.com/dreamforge/dream-server/internal/events"
	"github.com/dreamforge/dream-server/internal/types"

	"go.uber.org/zap"
)

const persistTimeout = 5 * time.Second

// Record is a snapshot of one job's progress. Values returned from the
// store are copies; mutating them has no effect on the store.
type Record struct {
	ID          string          `json:"id"`
	Mode        string          `json:"mode,omitempty"`
	Status      types.JobStatus `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Error       string          `json:"error,omitempty"`
	ResultURL   string          `json:"result_url,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Store tracks job state in memory and optionally mirrors transitions
// to a repository. Subscribers get a copy of the record after every
// transition.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Record
	subs []func(Record)

	repo *db.JobRepository
	log  *zap.Logger
}

type Option func(*Store)

// WithRepository mirrors every transition to the given repository.
func WithRepository(repo *db.JobRepository) Option {
	return func(s *Store) { s.repo = repo }
}

func New(log *zap.Logger, opts ...Option) *Store {
	s := &Store{
		jobs: make(map[string]*Record),
		log:  log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a callback invoked after every status change.
// Callbacks run on the mutating goroutine and must not call back into
// the store.
func (s *Store) Subscribe(fn func(Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Put registers a new job in the queued state.
func (s *Store) Put(id, mode string, input json.RawMessage) Record {
	now := time.Now()
	rec := Record{
		ID:        id,
		Mode:      mode,
		Status:    types.JobStatusQueued,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.jobs[id] = &rec
	subs := append(([]func(Record))(nil), s.subs...)
	s.mu.Unlock()

	s.persistNew(rec)
	s.notify(subs, rec)
	return rec
}

// Get returns a copy of the record, if present.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Lookup is Get with a repository fallback, so jobs persisted by an
// earlier process stay addressable after a restart.
func (s *Store) Lookup(ctx context.Context, id string) (Record, bool) {
	if rec, ok := s.Get(id); ok {
		return rec, true
	}
	if s.repo == nil {
		return Record{}, false
	}

	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Record{}, false
	}
	return recordFromJob(job), true
}

// History returns up to limit records, newest first. With a repository
// attached the database is authoritative; otherwise the in-memory table
// is snapshotted.
func (s *Store) History(ctx context.Context, limit int) ([]Record, error) {
	if s.repo != nil {
		jobs, err := s.repo.ListRecent(ctx, limit)
		if err != nil {
			return nil, err
		}
		recs := make([]Record, 0, len(jobs))
		for i := range jobs {
			recs = append(recs, recordFromJob(&jobs[i]))
		}
		return recs, nil
	}

	s.mu.RLock()
	recs := make([]Record, 0, len(s.jobs))
	for _, rec := range s.jobs {
		recs = append(recs, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *Store) MarkRunning(id string) {
	s.transition(id, types.JobStatusProgress, "", "")
}

func (s *Store) MarkCompleted(id, resultURL string) {
	s.transition(id, types.JobStatusCompleted, "", resultURL)
}

func (s *Store) MarkFailed(id string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.transition(id, types.JobStatusFailed, msg, "")
}

// MarkErrorIfRunning fails the job only if it is currently executing.
// Used by watchdogs that must not clobber an outcome that already
// arrived through the normal path.
func (s *Store) MarkErrorIfRunning(id string, cause error) {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	if !ok || rec.Status != types.JobStatusProgress {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.MarkFailed(id, cause)
}

// FailRunning sweeps every executing job into the failed state. Called
// after the worker pool has drained, when anything still marked
// IN_PROGRESS has lost its waiter.
func (s *Store) FailRunning(cause error) {
	s.mu.RLock()
	var ids []string
	for id, rec := range s.jobs {
		if rec.Status == types.JobStatusProgress {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.MarkErrorIfRunning(id, cause)
	}
}

// Len reports the number of tracked jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Bind wires the store to scheduler lifecycle events so queue
// transitions are tracked without the submitter's involvement.
// Completion is not bound here: whoever consumes the result marks the
// job completed once the artifact URL is known.
func (s *Store) Bind(hub *events.Hub) {
	hub.Subscribe(func(ev events.Event) {
		if ev.JobID == "" {
			return
		}
		switch ev.Type {
		case events.JobStarted:
			s.MarkRunning(ev.JobID)
		case events.JobFailed:
			s.transition(ev.JobID, types.JobStatusFailed, ev.Error, "")
		}
	})
}

func (s *Store) transition(id string, status types.JobStatus, errMsg, resultURL string) {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	if !ok || rec.Status.Terminal() {
		s.mu.Unlock()
		return
	}

	rec.Status = status
	rec.UpdatedAt = time.Now()
	if errMsg != "" {
		rec.Error = errMsg
	}
	if resultURL != "" {
		rec.ResultURL = resultURL
	}
	if status.Terminal() {
		rec.CompletedAt = rec.UpdatedAt
	}

	snapshot := *rec
	subs := append(([]func(Record))(nil), s.subs...)
	s.mu.Unlock()

	s.persistStatus(snapshot)
	s.notify(subs, snapshot)
}

func (s *Store) notify(subs []func(Record), rec Record) {
	for _, fn := range subs {
		s.dispatch(fn, rec)
	}
}

// dispatch shields the store from panicking subscribers.
func (s *Store) dispatch(fn func(Record), rec Record) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job subscriber panicked",
				zap.String("job_id", rec.ID),
				zap.Any("panic", r))
		}
	}()
	fn(rec)
}

func recordFromJob(job *db.Job) Record {
	return Record{
		ID:          job.ID,
		Mode:        job.Mode,
		Status:      job.Status,
		Input:       job.Input,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt.Time,
		UpdatedAt:   job.UpdatedAt.Time,
		CompletedAt: job.CompletedAt.Time,
	}
}

func (s *Store) persistNew(rec Record) {
	if s.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := s.repo.Create(ctx, &db.Job{
		ID:     rec.ID,
		Mode:   rec.Mode,
		Status: rec.Status,
		Input:  rec.Input,
	})
	if err != nil {
		s.log.Warn("failed to persist job", zap.String("job_id", rec.ID), zap.Error(err))
	}
}

func (s *Store) persistStatus(rec Record) {
	if s.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.repo.UpdateStatus(ctx, rec.ID, rec.Status, rec.Error); err != nil {
		s.log.Warn("failed to persist job status", zap.String("job_id", rec.ID), zap.Error(err))
	}
}
