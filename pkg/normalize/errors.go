package normalize

import (
	"errors"
	"fmt"

	"github.com/malbeclabs/sofia/pkg/pg"
)

type ErrorCode string

const (
	ErrSourceEmpty         ErrorCode = "SOURCE_EMPTY"
	ErrFKViolation         ErrorCode = "FK_VIOLATION"
	ErrConstraintViolation ErrorCode = "CONSTRAINT_VIOLATION"
)

type Error struct {
	Code   ErrorCode
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the normalizer code carried by err, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsWarning reports whether err only signals an empty source.
func IsWarning(err error) bool {
	return CodeOf(err) == ErrSourceEmpty
}

// classify tags integrity errors so callers fail fast on them.
func classify(source string, err error) error {
	switch {
	case err == nil:
		return nil
	case pg.IsForeignKeyViolation(err):
		return &Error{Code: ErrFKViolation, Source: source, Err: err}
	case pg.IsConstraintViolation(err):
		return &Error{Code: ErrConstraintViolation, Source: source, Err: err}
	}
	return err
}
