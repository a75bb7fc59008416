// Package store persists provisioning state, pipeline runs, artifacts and
// locally registered task definitions in SQLite.
package store

import (
	"database/sql"
	"errors"

	gosqlite3 "github.com/mattn/go-sqlite3"
)

// Kinds of store failure. Callers match them with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateID     = errors.New("already exists")
	ErrForeignKey      = errors.New("references a missing record")
	ErrBusy            = errors.New("database is busy")
	ErrUnavailable     = errors.New("database unavailable")
	ErrMigrationFailed = errors.New("schema migration failed")
	ErrInvalidData     = errors.New("stored data is malformed")
	ErrTxFailed        = errors.New("transaction failed")
)

// RecordError reports a failed operation on stored records.
type RecordError struct {
	Op     string // Store method, e.g. CreateRun
	Entity string // run, artifact, resource, task_definition or secret
	Key    string // key of the addressed record, empty for list operations
	Kind   error  // one of the kinds above, nil when unclassified
	Err    error  // driver or codec error
}

func (e *RecordError) Error() string {
	msg := "store " + e.Op
	if e.Entity != "" {
		msg += " " + e.Entity
	}
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RecordError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewRecordError wraps a driver error and classifies it.
func NewRecordError(op, entity, key string, err error) *RecordError {
	return &RecordError{Op: op, Entity: entity, Key: key, Kind: classify(err), Err: err}
}

// notFound reports a lookup that matched no row.
func notFound(op, entity, key string) *RecordError {
	return &RecordError{Op: op, Entity: entity, Key: key, Kind: ErrNotFound}
}

// malformed reports a row whose encoded columns cannot be decoded.
func malformed(op, entity, key string, err error) *RecordError {
	return &RecordError{Op: op, Entity: entity, Key: key, Kind: ErrInvalidData, Err: err}
}

func classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqliteErr gosqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return nil
	}
	switch sqliteErr.ExtendedCode {
	case gosqlite3.ErrConstraintUnique, gosqlite3.ErrConstraintPrimaryKey:
		return ErrDuplicateID
	case gosqlite3.ErrConstraintForeignKey:
		return ErrForeignKey
	}
	switch sqliteErr.Code {
	case gosqlite3.ErrBusy, gosqlite3.ErrLocked:
		return ErrBusy
	case gosqlite3.ErrCantOpen, gosqlite3.ErrNotADB:
		return ErrUnavailable
	}
	return nil
}
