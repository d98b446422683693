package api

import (
	"errors"
	"fmt"
)

var (
	// ErrEnsembleEmpty is returned when no model family produced a usable forecast.
	ErrEnsembleEmpty = errors.New("ensemble empty: every model family failed")
	// ErrNotFitted is returned by Predict or Artifact before a successful Fit.
	ErrNotFitted = errors.New("model not fitted")
	// ErrNoActiveModel is returned when a forecast-only run finds no active artifacts.
	ErrNoActiveModel = errors.New("no active model artifacts")
	// ErrNotFound is returned by stores and registries for unknown keys.
	ErrNotFound = errors.New("not found")
)

// InsufficientDataError aborts a run: too few records or days to model.
type InsufficientDataError struct {
	Stage string
	Have  int
	Need  int
	Unit  string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data at %s: have %d %s, need %d", e.Stage, e.Have, e.Unit, e.Need)
}

// ModelFitError excludes one family from the run.
type ModelFitError struct {
	Family string
	Op     string
	Err    error
}

func (e *ModelFitError) Error() string {
	return fmt.Sprintf("model %s %s failed: %v", e.Family, e.Op, e.Err)
}

func (e *ModelFitError) Unwrap() error { return e.Err }

// CrossValidationError marks one fold of one family as skipped.
type CrossValidationError struct {
	Family string
	Fold   int
	Err    error
}

func (e *CrossValidationError) Error() string {
	return fmt.Sprintf("cross-validation %s fold %d: %v", e.Family, e.Fold, e.Err)
}

func (e *CrossValidationError) Unwrap() error { return e.Err }

// ExportError reports a failed export format; other formats still run.
type ExportError struct {
	Format string
	Path   string
	Err    error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s to %s: %v", e.Format, e.Path, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// StageError names the pipeline stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsInsufficientData reports whether err wraps an InsufficientDataError.
func IsInsufficientData(err error) bool {
	var target *InsufficientDataError
	return errors.As(err, &target)
}
