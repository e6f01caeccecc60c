package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	ErrNotFound               = fmt.Errorf("not found")
	ErrInvalidInput           = fmt.Errorf("invalid input")
	ErrImmutableRecord        = fmt.Errorf("immutable record")
	ErrLocked                 = fmt.Errorf("record locked")
	ErrInvalidLock            = fmt.Errorf("invalid lock")
	ErrCodeExhausted          = fmt.Errorf("unique code generation exhausted")
	ErrDuplicateCode          = fmt.Errorf("certification code already exists")
	ErrIntegrity              = fmt.Errorf("integrity check failed")
	ErrLedgerUnavailable      = fmt.Errorf("ledger unavailable")
	ErrReconciliationRequired = fmt.Errorf("reconciliation required")

	// ErrRejected marks a submission the ledger refused outright; nothing was committed.
	ErrRejected = fmt.Errorf("submission rejected")
	// ErrOutcomeUnknown marks a submission that may or may not have committed.
	ErrOutcomeUnknown = fmt.Errorf("submission outcome unknown")
)

// ValidationError lists every missing or invalid field of a request.
type ValidationError struct {
	Fields validation.Errors
}

// NewValidationError returns nil when fields holds no failures.
func NewValidationError(fields validation.Errors) error {
	filtered := fields.Filter()
	if filtered == nil {
		return nil
	}
	var errs validation.Errors
	if !errors.As(filtered, &errs) {
		return &ValidationError{Fields: validation.Errors{"/": filtered}}
	}
	return &ValidationError{Fields: errs}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Fields[k]))
	}
	return fmt.Sprintf("%v: %s", ErrInvalidInput, strings.Join(parts, "; "))
}

// FieldNames returns the sorted names of the failing fields.
func (e *ValidationError) FieldNames() []string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// ReconciliationError reports a ledger record that was committed while the
// relational linkage was not. The issuance must not be retried blindly.
type ReconciliationError struct {
	SagaID            string
	CertificationCode string
	RecordID          string
	TxDigest          string
	Cause             error
}

func (e *ReconciliationError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("%v: submission for certification %s may have committed: %v",
			ErrReconciliationRequired, e.CertificationCode, e.Cause)
	}
	return fmt.Sprintf("%v: ledger record %s (tx %s) for certification %s created but unlinked: %v",
		ErrReconciliationRequired, e.RecordID, e.TxDigest, e.CertificationCode, e.Cause)
}

func (e *ReconciliationError) Unwrap() []error {
	return []error{ErrReconciliationRequired, e.Cause}
}
