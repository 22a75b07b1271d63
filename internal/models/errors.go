package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	// Job errors
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidJobState    = errors.New("invalid job state for operation")
	ErrTerminalStateFixed = errors.New("job is in a terminal state")
	ErrInvalidConfig      = errors.New("invalid job configuration")

	// Payment errors
	ErrPaymentNotFound = errors.New("payment transaction not found or unconfirmed")
	ErrPaymentMismatch = errors.New("payment does not match expected parameters")
	ErrNonceConsumed   = errors.New("payment nonce already consumed")

	// Artifact store errors
	ErrArtifactNotFound = errors.New("artifact not found")

	// Ledger errors
	ErrDuplicateAsset = errors.New("asset already registered on ledger")
	ErrRecordNotFound = errors.New("provenance record not found")
	ErrUnauthorized   = errors.New("identity lacks registration rights")
	ErrChain          = errors.New("ledger chain error")

	// Compute errors
	ErrInvalidInput  = errors.New("invalid compute input")
	ErrComputeFailed = errors.New("computation failed")
)

// Stable error codes reported to callers and recorded on failed jobs.
const (
	ErrCodePaymentInvalid     = "PAYMENT_INVALID"
	ErrCodePaymentNotFound    = "PAYMENT_NOT_FOUND"
	ErrCodePaymentMismatch    = "PAYMENT_MISMATCH"
	ErrCodePaymentReused      = "PAYMENT_REUSED"
	ErrCodeInvalidConfig      = "INVALID_CONFIG"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvalidState       = "INVALID_STATE"
	ErrCodeInputNotFound      = "INPUT_NOT_FOUND"
	ErrCodeComputeFailed      = "COMPUTE_FAILED"
	ErrCodeUploadFailed       = "UPLOAD_FAILED"
	ErrCodeRegistrationFailed = "REGISTRATION_FAILED"
	ErrCodeDuplicateAsset     = "DUPLICATE_ASSET"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeChainError         = "CHAIN_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// PlatformError is a structured error with a stable code and optional context.
type PlatformError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *PlatformError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PlatformError) Unwrap() error {
	return e.Cause
}

// NewPlatformError creates a new PlatformError.
func NewPlatformError(code, message string, cause error) *PlatformError {
	return &PlatformError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithDetail attaches a key/value detail to the error.
func (e *PlatformError) WithDetail(key string, value interface{}) *PlatformError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrorCode extracts the stable code from an error chain, or INTERNAL_ERROR
// when the error carries no platform code.
func ErrorCode(err error) string {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeInternal
}

// Common constructors.

func NewPaymentReusedError(nonce string) *PlatformError {
	return NewPlatformError(ErrCodePaymentReused, "payment nonce already consumed", ErrNonceConsumed).
		WithDetail("nonce", nonce)
}

func NewPaymentNotFoundError(txRef string, cause error) *PlatformError {
	return NewPlatformError(ErrCodePaymentNotFound, "payment transaction not found or unconfirmed", cause).
		WithDetail("tx_ref", txRef)
}

func NewPaymentMismatchError(field, expected, actual string) *PlatformError {
	return NewPlatformError(ErrCodePaymentMismatch, "payment does not match expected parameters", ErrPaymentMismatch).
		WithDetail("field", field).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func NewInvalidConfigError(field, message string) *PlatformError {
	return NewPlatformError(ErrCodeInvalidConfig, "invalid job configuration", ErrInvalidConfig).
		WithDetail("field", field).
		WithDetail("message", message)
}

func NewJobNotFoundError(jobID string) *PlatformError {
	return NewPlatformError(ErrCodeNotFound, "job not found", ErrJobNotFound).
		WithDetail("job_id", jobID)
}

func NewInvalidStateError(jobID string, state JobState) *PlatformError {
	return NewPlatformError(ErrCodeInvalidState, "operation not legal in current job state", ErrInvalidJobState).
		WithDetail("job_id", jobID).
		WithDetail("state", string(state))
}

func NewDuplicateAssetError(cid string) *PlatformError {
	return NewPlatformError(ErrCodeDuplicateAsset, "asset already registered on ledger", ErrDuplicateAsset).
		WithDetail("cid", cid)
}

func NewUploadFailedError(cause error) *PlatformError {
	return NewPlatformError(ErrCodeUploadFailed, "artifact upload failed", cause)
}

func NewRegistrationFailedError(cause error) *PlatformError {
	return NewPlatformError(ErrCodeRegistrationFailed, "ledger registration failed", cause)
}
