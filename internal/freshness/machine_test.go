package freshness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceapsi/staffcast/internal/store"
)

// wednesday 2024-06-05
var wednesday = time.Date(2024, 6, 5, 9, 0, 0, 0, time.UTC)

func newMachine(t *testing.T, last *time.Time) (*Machine, store.Store) {
	t.Helper()
	st, err := store.NewMemoryStore("")
	require.NoError(t, err)
	if last != nil {
		require.NoError(t, st.RecordTraining(context.Background(), store.TrainingRecord{TrainedAt: *last, ModelVersion: "v0"}))
	}
	return New(DefaultOptions(), st, nil, nil), st
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	recent := wednesday.AddDate(0, 0, -2)
	old := wednesday.AddDate(0, 0, -31)
	monday := time.Date(2024, 6, 10, 6, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		last   *time.Time
		now    time.Time
		dataOK bool
		state  State
		reason Reason
	}{
		{"never trained", nil, wednesday, true, Stale, ReasonNoTraining},
		{"recent", &recent, wednesday, true, Fresh, ReasonNone},
		{"expired", &old, wednesday, true, Stale, ReasonExpired},
		{"thirty days is fresh", ptr(wednesday.AddDate(0, 0, -30)), wednesday, true, Fresh, ReasonNone},
		{"data check failed", &recent, wednesday, false, Stale, ReasonDataCheck},
		{"monday", &recent, monday, true, Stale, ReasonMonday},
		{"monday already trained", ptr(monday.Add(-time.Hour)), monday, true, Fresh, ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newMachine(t, tt.last)
			state, reason, err := m.Evaluate(ctx, tt.now, tt.dataOK)
			require.NoError(t, err)
			assert.Equal(t, tt.state, state)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestRetrainingCycle(t *testing.T) {
	ctx := context.Background()
	m, st := newMachine(t, nil)

	_, _, err := m.Evaluate(ctx, wednesday, true)
	require.NoError(t, err)
	require.NoError(t, m.BeginRetraining())
	assert.Equal(t, Retraining, m.State())
	assert.ErrorIs(t, m.BeginRetraining(), ErrInvalidTransition)

	state, _, err := m.Evaluate(ctx, wednesday, true)
	require.NoError(t, err)
	assert.Equal(t, Retraining, state)

	require.NoError(t, m.Complete(ctx, store.TrainingRecord{TrainedAt: wednesday, ModelVersion: "v1"}))
	assert.Equal(t, Fresh, m.State())

	last, ok, err := st.LastTraining(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", last.ModelVersion)
	assert.Equal(t, "v1", m.Status().LastTraining.ModelVersion)
}

func TestFailedRetrainingStaysStale(t *testing.T) {
	ctx := context.Background()
	old := wednesday.AddDate(0, 0, -40)
	m, st := newMachine(t, &old)

	_, _, err := m.Evaluate(ctx, wednesday, true)
	require.NoError(t, err)
	require.NoError(t, m.BeginRetraining())
	m.Fail(errors.New("all families failed"))

	status := m.Status()
	assert.Equal(t, Stale, status.State)
	assert.Equal(t, ReasonFailed, status.Reason)
	assert.Equal(t, "all families failed", status.LastError)

	last, _, err := st.LastTraining(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v0", last.ModelVersion)
	assert.ErrorIs(t, m.Complete(ctx, store.TrainingRecord{}), ErrInvalidTransition)
}

func TestBeginFromFresh(t *testing.T) {
	recent := wednesday.AddDate(0, 0, -1)
	m, _ := newMachine(t, &recent)
	_, _, err := m.Evaluate(context.Background(), wednesday, true)
	require.NoError(t, err)
	assert.ErrorIs(t, m.BeginRetraining(), ErrInvalidTransition)
}

func ptr(t time.Time) *time.Time { return &t }

func TestForce(t *testing.T) {
	recent := wednesday.AddDate(0, 0, -1)
	m, _ := newMachine(t, &recent)
	_, _, err := m.Evaluate(context.Background(), wednesday, true)
	require.NoError(t, err)
	m.Force()
	assert.Equal(t, ReasonForced, m.Status().Reason)
	assert.NoError(t, m.BeginRetraining())
}
