// Package freshness decides when the model set must be retrained.
package freshness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ceapsi/staffcast/internal/logging"
	"github.com/ceapsi/staffcast/internal/metrics"
	"github.com/ceapsi/staffcast/internal/store"
)

// State of the model set.
type State int

const (
	Fresh State = iota
	Stale
	Retraining
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Retraining:
		return "retraining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason explains a Stale verdict.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonNoTraining Reason = "no_training"
	ReasonExpired    Reason = "expired"
	ReasonMonday     Reason = "monday"
	ReasonDataCheck  Reason = "data_check_failed"
	ReasonFailed     Reason = "retraining_failed"
	ReasonForced     Reason = "forced"
)

// ErrInvalidTransition is returned for a transition the current state does
// not allow.
var ErrInvalidTransition = errors.New("invalid freshness transition")

type Options struct {
	StaleAfterDays  int
	RetrainOnMonday bool
}

func DefaultOptions() Options {
	return Options{StaleAfterDays: 30, RetrainOnMonday: true}
}

// Status is a point-in-time view of the machine.
type Status struct {
	State        State                 `json:"-"`
	StateName    string                `json:"state"`
	Reason       Reason                `json:"reason,omitempty"`
	LastTraining *store.TrainingRecord `json:"last_training,omitempty"`
	LastError    string                `json:"last_error,omitempty"`
}

// Machine moves Fresh -> Stale -> Retraining -> Fresh. A failed retraining
// returns to Stale; the previous artifacts keep serving.
type Machine struct {
	mu      sync.Mutex
	state   State
	reason  Reason
	last    *store.TrainingRecord
	lastErr error

	opts    Options
	store   store.TrainingStore
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func New(opts Options, st store.TrainingStore, logger *logging.Logger, m *metrics.Metrics) *Machine {
	return &Machine{
		state:   Stale,
		reason:  ReasonNoTraining,
		opts:    opts,
		store:   st,
		logger:  logging.OrDiscard(logger),
		metrics: m,
	}
}

// Evaluate recomputes the state at now. It is a no-op while retraining.
func (m *Machine) Evaluate(ctx context.Context, now time.Time, dataOK bool) (State, Reason, error) {
	last, ok, err := m.store.LastTraining(ctx)
	if err != nil {
		return m.State(), m.currentReason(), fmt.Errorf("read last training: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Retraining {
		return m.state, m.reason, nil
	}
	if ok {
		m.last = &last
	}

	state, reason := Fresh, ReasonNone
	switch {
	case !ok:
		state, reason = Stale, ReasonNoTraining
	case !dataOK:
		state, reason = Stale, ReasonDataCheck
	case daysSince(last.TrainedAt, now) > m.opts.StaleAfterDays:
		state, reason = Stale, ReasonExpired
	case m.opts.RetrainOnMonday && now.Weekday() == time.Monday && !sameDay(last.TrainedAt, now):
		state, reason = Stale, ReasonMonday
	}
	m.set(state, reason)
	return state, reason, nil
}

// Force marks a Fresh model set Stale so the next run retrains.
func (m *Machine) Force() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Fresh {
		m.set(Stale, ReasonForced)
	}
}

// BeginRetraining is only allowed from Stale.
func (m *Machine) BeginRetraining() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Stale {
		return fmt.Errorf("%w: begin retraining from %s", ErrInvalidTransition, m.state)
	}
	m.set(Retraining, m.reason)
	return nil
}

// Complete records the new training and returns to Fresh. When the record
// cannot be stored the machine stays Stale.
func (m *Machine) Complete(ctx context.Context, rec store.TrainingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Retraining {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, m.state)
	}
	if err := m.store.RecordTraining(ctx, rec); err != nil {
		m.lastErr = err
		m.set(Stale, ReasonFailed)
		return fmt.Errorf("record training: %w", err)
	}
	m.last = &rec
	m.lastErr = nil
	m.set(Fresh, ReasonNone)
	m.logger.Info("model set %s fresh, trained at %s", rec.ModelVersion, rec.TrainedAt.Format(time.RFC3339))
	return nil
}

// Fail ends a retraining attempt.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Retraining {
		return
	}
	m.lastErr = err
	m.set(Stale, ReasonFailed)
	m.logger.Warn("retraining failed, serving previous model set: %v", err)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{State: m.state, StateName: m.state.String(), Reason: m.reason}
	if m.last != nil {
		last := *m.last
		s.LastTraining = &last
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func (m *Machine) currentReason() Reason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// set must be called with mu held.
func (m *Machine) set(state State, reason Reason) {
	if state != m.state {
		m.logger.Debug("freshness %s -> %s (%s)", m.state, state, reason)
	}
	m.state, m.reason = state, reason
	m.metrics.SetFreshness(int(state))
}

func daysSince(then, now time.Time) int {
	return int(now.Sub(then).Hours() / 24)
}

func sameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
