package utils

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrorRecordNotFound   = errors.New("record not found")
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("version conflict")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUpstreamPayment    = errors.New("payment processor error")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrPartialMerge       = errors.New("merge partially applied")
)

type ValidationError struct {
	Message string
	Fields  map[string]string
}

func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type NotFoundError struct {
	Resource string
	ID       string
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrorRecordNotFound }

// ConflictError carries the current version so the caller can re-fetch and
// reapply its change.
type ConflictError struct {
	Resource         string
	ID               string
	CurrentUpdatedAt time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified by another request", e.Resource, e.ID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type PreconditionFailedError struct {
	Message string
}

func (e *PreconditionFailedError) Error() string { return e.Message }

func (e *PreconditionFailedError) Is(target error) bool { return target == ErrPreconditionFailed }

type UpstreamPaymentError struct {
	Op  string
	Err error
}

func NewUpstreamPaymentError(op string, err error) *UpstreamPaymentError {
	return &UpstreamPaymentError{Op: op, Err: err}
}

func (e *UpstreamPaymentError) Error() string {
	if e.Err == nil {
		return e.Op + " failed"
	}
	return e.Op + " failed: " + e.Err.Error()
}

func (e *UpstreamPaymentError) Unwrap() error { return e.Err }

func (e *UpstreamPaymentError) Is(target error) bool { return target == ErrUpstreamPayment }

type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	if e.Err == nil {
		return "invalid signature"
	}
	return "invalid signature: " + e.Err.Error()
}

func (e *SignatureError) Unwrap() error { return e.Err }

func (e *SignatureError) Is(target error) bool { return target == ErrInvalidSignature }

// PartialMergeError is returned when the merge target was written but one or
// more source tables could not be retired.
type PartialMergeError struct {
	TargetId        string
	UnmergedSources []string
	Err             error
}

func (e *PartialMergeError) Error() string {
	return fmt.Sprintf("table %s merged, but sources [%s] were not retired: %v",
		e.TargetId, strings.Join(e.UnmergedSources, ", "), e.Err)
}

func (e *PartialMergeError) Unwrap() error { return e.Err }

func (e *PartialMergeError) Is(target error) bool { return target == ErrPartialMerge }

// HTTPStatus maps the error taxonomy onto response codes. Unknown errors are 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamPayment):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
