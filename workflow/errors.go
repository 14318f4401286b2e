package workflow

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mmdatafocus/production_backend/models"
	"github.com/shopspring/decimal"
)

var (
	// permanent: correct the input, do not retry
	ErrInvalidIdentityInput = errors.New("invalid identity input")
	ErrUnknownSerial        = errors.New("unknown serial")
	ErrTierViolation        = errors.New("tier violation")
	// the composed serial already exists; counters are behind the stored units
	ErrDuplicateSerial = errors.New("duplicate serial")
	// soft: retry with an override and a justification
	ErrQcOutOfTolerance = errors.New("qc out of tolerance")
	// transient: retry unchanged
	ErrStorageUnavailable = errors.New("storage unavailable")
	// malformed request shape, caught before any lookup
	ErrInvalidRequest = errors.New("invalid request")
)

type IdentityInputError struct {
	Field  string
	Value  string
	Reason string
}

func (e *IdentityInputError) Error() string {
	return fmt.Sprintf("%s: %s %q %s", ErrInvalidIdentityInput, e.Field, e.Value, e.Reason)
}

func (e *IdentityInputError) Unwrap() error { return ErrInvalidIdentityInput }

type UnknownSerialError struct {
	Serial string
}

func (e *UnknownSerialError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownSerial, e.Serial)
}

func (e *UnknownSerialError) Unwrap() error { return ErrUnknownSerial }

type DuplicateSerialError struct {
	Serial string
}

func (e *DuplicateSerialError) Error() string {
	return fmt.Sprintf("%s: %q", ErrDuplicateSerial, e.Serial)
}

func (e *DuplicateSerialError) Unwrap() error { return ErrDuplicateSerial }

// TierViolationError names the offending source and what the target accepts.
type TierViolationError struct {
	Serial     string
	SourceTier models.Tier
	TargetTier models.Tier
	Allowed    []models.Tier
}

func (e *TierViolationError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, t := range e.Allowed {
		allowed[i] = t.String()
	}
	return fmt.Sprintf("%s: %q is %s, %s accepts {%s}",
		ErrTierViolation, e.Serial, e.SourceTier, e.TargetTier, strings.Join(allowed, ", "))
}

func (e *TierViolationError) Unwrap() error { return ErrTierViolation }

type QcToleranceError struct {
	ItemCode     string
	Expected     decimal.Decimal
	Measured     decimal.Decimal
	DeviationPct decimal.Decimal
	TolerancePct decimal.Decimal
}

func (e *QcToleranceError) Error() string {
	return fmt.Sprintf("%s: %s measured %s per unit, expected %s (deviation %s%%, tolerance %s%%)",
		ErrQcOutOfTolerance, e.ItemCode, e.Measured.StringFixed(4), e.Expected.StringFixed(4),
		e.DeviationPct.StringFixed(2), e.TolerancePct.StringFixed(2))
}

func (e *QcToleranceError) Unwrap() error { return ErrQcOutOfTolerance }

// StorageError wraps a store failure so callers can match ErrStorageUnavailable
// while the cause stays reachable through errors.As.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageUnavailable, e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsRetryable reports whether resubmitting the identical request may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// HTTPStatus maps the error taxonomy onto response codes.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrQcOutOfTolerance), errors.Is(err, ErrDuplicateSerial):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownSerial), errors.Is(err, ErrTierViolation), errors.Is(err, ErrInvalidIdentityInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
