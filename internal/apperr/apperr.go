// Package apperr defines the error kinds shared by the watcher, ingestion,
// draft, send and reconciliation components.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vdavid/vbridge/internal/db"
)

// ErrNoActiveDraft is returned by draft operations on a topic with no draft.
var ErrNoActiveDraft = errors.New("no active draft")

// ErrAccountNotFound is the storage sentinel, re-exported for callers above the db layer.
var ErrAccountNotFound = db.ErrAccountNotFound

// TransientTransportError wraps a network or authentication failure that the
// caller should retry with backoff.
type TransientTransportError struct {
	Op  string
	Err error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("transient transport error during %s: %v", e.Op, e.Err)
}

func (e *TransientTransportError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientTransportError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *TransientTransportError
	if errors.As(err, &existing) {
		return err
	}
	return &TransientTransportError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientTransportError.
func IsTransient(err error) bool {
	var t *TransientTransportError
	return errors.As(err, &t)
}

// ValidationError rejects a single draft field. The draft itself is kept.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Validation is a shorthand constructor.
func Validation(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// PartialDeliveryError reports which send batches went out and which did not.
// Batch indices are 1-based.
type PartialDeliveryError struct {
	Succeeded        []int
	Failed           []int
	FailedRecipients []string
	Causes           map[int]error
}

func (e *PartialDeliveryError) Error() string {
	return fmt.Sprintf("partial delivery: batches %s sent, batches %s failed (%d recipients not reached)",
		joinInts(e.Succeeded), joinInts(e.Failed), len(e.FailedRecipients))
}

// ReconciliationConflictError marks a thread that received new mail while it
// was being deleted.
type ReconciliationConflictError struct {
	ThreadID string
}

func (e *ReconciliationConflictError) Error() string {
	return fmt.Sprintf("thread %s changed while being reconciled", e.ThreadID)
}

// AnalysisError collects the per-model failures after every model was tried.
type AnalysisError struct {
	Attempts map[string]error
}

func (e *AnalysisError) Error() string {
	if len(e.Attempts) == 0 {
		return "analysis failed: no models configured"
	}
	models := make([]string, 0, len(e.Attempts))
	for m := range e.Attempts {
		models = append(models, m)
	}
	sort.Strings(models)

	parts := make([]string, 0, len(models))
	for _, m := range models {
		parts = append(parts, fmt.Sprintf("%s: %v", m, e.Attempts[m]))
	}
	return "analysis failed for all models (" + strings.Join(parts, "; ") + ")"
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
