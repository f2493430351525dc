package model

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	ErrorNotFound = errors.New("job not found")
	ErrJobDeleted = errors.New("job is deleted")
	// ErrConcurrentModification is returned by RecordRun when the job was
	// deleted while it was firing. The run result is kept, the next fire
	// time is discarded.
	ErrConcurrentModification = errors.New("job was deleted while firing")
	// ErrLeaseLost is returned by RecordRun when the lease expired and the
	// job was claimed again. The run result is kept.
	ErrLeaseLost = errors.New("job lease lost")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type StoreTransactionError struct {
	Op  string
	Err error
}

func (e *StoreTransactionError) Error() string {
	return fmt.Sprintf("store transaction %s failed: %s", e.Op, e.Err)
}

func (e *StoreTransactionError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure is worth retrying as is: Postgres
// transaction rollbacks (class 40) and connection exceptions (class 08).
func (e *StoreTransactionError) Temporary() bool {
	var pqErr *pq.Error
	if errors.As(e.Err, &pqErr) {
		class := pqErr.Code.Class()
		return class == "40" || class == "08"
	}
	return false
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrorNotFound) ||
		errors.Is(err, ErrJobDeleted) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLeaseLost)
}
