package integrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hybridcmd/core/internal/domain"
)

// Session is one Integration Session: it accepts ResultItems until
// Execute runs the pipeline or its deadline passes, then moves
// through Fusing -> Analyzing -> Generating -> Completed/Failed.
type Session struct {
	mu sync.Mutex

	id       string
	status   domain.IntegrationStatus
	deadline time.Time

	results   map[string]domain.ResultItem
	bySource  map[string][]string
	pending   map[string]bool
	createdAt time.Time

	outputs map[string]interface{}
}

// NewSession opens an Idle session with the given processing deadline.
func NewSession(processTimeout time.Duration) *Session {
	return &Session{
		id:        uuid.NewString(),
		status:    domain.IntegrationIdle,
		deadline:  time.Now().Add(processTimeout),
		results:   make(map[string]domain.ResultItem),
		bySource:  make(map[string][]string),
		pending:   make(map[string]bool),
		createdAt: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Status returns the current lifecycle stage.
func (s *Session) Status() domain.IntegrationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AddResult appends one source's contribution. It's only valid while
// the session is Idle or Collecting and its deadline has not passed;
// once fusion has started, late
// results are rejected so the pipeline's inputs stay consistent with
// what it's actually analyzing.
func (s *Session) AddResult(item domain.ResultItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != domain.IntegrationIdle && s.status != domain.IntegrationCollecting {
		return fmt.Errorf("session %s: cannot add result in status %s", s.id, s.status)
	}
	if time.Now().After(s.deadline) {
		return fmt.Errorf("session %s: cannot add result after the processing deadline", s.id)
	}
	if s.status == domain.IntegrationIdle {
		s.status = domain.IntegrationCollecting
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}

	s.results[item.ID] = item
	s.bySource[item.SourceTag] = append(s.bySource[item.SourceTag], item.ID)
	s.pending[item.ID] = true
	return nil
}

// Results returns a snapshot slice of every collected item.
func (s *Session) Results() []domain.ResultItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ResultItem, 0, len(s.results))
	for _, item := range s.results {
		out = append(out, item)
	}
	return out
}

// DeadlineExceeded reports whether the processing deadline has
// passed; per spec §4.5 this is a warning condition, not an abort.
func (s *Session) DeadlineExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().After(s.deadline)
}

// advance sets status to next. It does not check that next comes after
// the current stage.
func (s *Session) advance(next domain.IntegrationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = next
}

// Fail transitions the session to Failed and records why in outputs.
func (s *Session) fail(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = domain.IntegrationFailed
	if s.outputs == nil {
		s.outputs = make(map[string]interface{})
	}
	s.outputs["error"] = reason.Error()
}

// setOutputs stores the final report under Completed.
func (s *Session) setOutputs(outputs map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = outputs
	s.status = domain.IntegrationCompleted
}

// Outputs returns the session's final report, if any.
func (s *Session) Outputs() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputs
}
