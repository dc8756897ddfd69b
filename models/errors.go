package models

import (
	"fmt"
	"time"
)

type ErrorCode string

// Admission errors are surfaced synchronously at submission and never create
// a job record.
const (
	CodeInvalidFormat         ErrorCode = "INVALID_FORMAT"
	CodeUnsupportedConversion ErrorCode = "UNSUPPORTED_CONVERSION"
	CodePayloadTooLarge       ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeTooManyFiles          ErrorCode = "TOO_MANY_FILES"
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodeServiceUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
)

// Conversion errors are recorded on the job and surfaced via polling.
const (
	CodeToolFailure        ErrorCode = "TOOL_FAILURE"
	CodeConversionTimeout  ErrorCode = "CONVERSION_TIMEOUT"
	CodeCorruptInput       ErrorCode = "CORRUPT_INPUT"
	CodeMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"
)

// AdmissionError rejects a submission before any job exists.
type AdmissionError struct {
	Code       ErrorCode
	Message    string
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAdmissionError(code ErrorCode, format string, args ...any) *AdmissionError {
	return &AdmissionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// JobError is the typed failure stored on a job. Message carries enough
// detail to distinguish a bad input from a transient tool failure.
type JobError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewJobError(code ErrorCode, format string, args ...any) *JobError {
	return &JobError{Code: code, Message: fmt.Sprintf(format, args...)}
}
