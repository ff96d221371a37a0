package storage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies storage failures.
type ErrorKind int

const (
	// IOFailure covers read and write failures of the underlying database.
	IOFailure ErrorKind = iota + 1
	// NotFound is returned when an operation targets a missing id.
	NotFound
	// SchemaMismatch means the on-disk layout is not the current one. It is
	// handled by the migration step in Open and never returned to callers.
	SchemaMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case IOFailure:
		return "io failure"
	case NotFound:
		return "not found"
	case SchemaMismatch:
		return "schema mismatch"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Sentinels for errors.Is checks against a *StorageError.
var (
	ErrIOFailure      = &StorageError{Kind: IOFailure}
	ErrNotFound       = &StorageError{Kind: NotFound}
	ErrSchemaMismatch = &StorageError{Kind: SchemaMismatch}
)

var (
	// ErrImmutable is returned by Update when a mutation touches fields that
	// never change after insert.
	ErrImmutable = errors.New("entry is immutable")
	// ErrDuplicateID is returned when inserting an id that already exists.
	ErrDuplicateID = errors.New("duplicate entry id")
	// ErrInvalidEntry wraps validation failures on insert.
	ErrInvalidEntry = errors.New("invalid entry")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// StorageError is the error type returned by Store operations.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches any *StorageError of the same kind, so the package sentinels
// work with errors.Is.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func ioError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Kind: IOFailure, Op: op, Err: err}
}

func notFound(op, id string) error {
	return &StorageError{Kind: NotFound, Op: op, Err: fmt.Errorf("entry %q", id)}
}

// IsNotFound reports whether err is a NotFound storage error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
