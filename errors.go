package txfinalizer

import (
	"errors"
	"fmt"
)

// Pipeline errors
var (
	ErrAcquireNonceFailed   = fmt.Errorf("acquire nonce failed")
	ErrNonceAlreadyAssigned = fmt.Errorf("nonce already assigned to this record")
	ErrRecordNotUnapproved  = fmt.Errorf("record is no longer unapproved")
	ErrRecordNotFound       = fmt.Errorf("record not found")
	ErrRecordBusy           = fmt.Errorf("record is being finalized by another caller")
	ErrInvalidParams        = fmt.Errorf("invalid transaction params")
	ErrFeesUnresolved       = fmt.Errorf("no fee tier could be resolved")
	ErrChainNotRegistered   = fmt.Errorf("chain is not registered with the finalizer")
	ErrPersistRecordFailed  = fmt.Errorf("persist record failed")
	ErrGasLimitUnresolved   = fmt.Errorf("gas limit could not be resolved")
)

// Validation reasons, stable machine-readable strings
const (
	ReasonInvalidAddress        = "invalidAddress"
	ReasonInvalidChainID        = "invalidChainId"
	ReasonInvalidHex            = "invalidHex"
	ReasonMutuallyExclusiveFees = "mutuallyExclusiveFees"
	ReasonEnvelopeMismatch      = "envelopeMismatch"
	ReasonMissingField          = "missingField"
	ReasonInvalidParams         = "invalidParams"
)

// ValidationError is returned for malformed request params. It is never retried.
type ValidationError struct {
	Reason  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Reason, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidParams
}

// ValidationReason extracts the machine-readable reason from err, if any.
func ValidationReason(err error) (string, bool) {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Reason, true
	}
	return "", false
}

func newValidationError(reason, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Reason:  reason,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}
