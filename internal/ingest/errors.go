package ingest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidFieldCount = errors.New("invalid number of fields")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrInvalidKind       = errors.New("invalid transaction kind")
	ErrInvalidDuration   = errors.New("invalid duration")
	ErrInvalidTarget     = errors.New("invalid target value")
	ErrMissingColumn     = errors.New("missing required column")
	ErrDuplicateDate     = errors.New("duplicate date")
)

// ParseError describes a malformed input row.
type ParseError struct {
	Line   int
	Record []string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v (record: %s)", e.Line, e.Err, strings.Join(e.Record, ","))
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
