package bill

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/zombor/billscan/internal/scanning"
)

// Kind categorizes a processing failure
type Kind string

const (
	KindValidation   Kind = "validation"
	KindFileTooLarge Kind = "file_too_large"
	KindNoFile       Kind = "no_file"
	KindRecognition  Kind = "recognition"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

// Error is a failure reported to the caller. Summary is stable per kind;
// Details carries the more specific cause when there is one.
type Error struct {
	Kind    Kind
	Summary string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Summary, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Summary)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status for the error's kind
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation, KindFileTooLarge, KindNoFile:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrNoFile is returned when a request carries no image
var ErrNoFile = &Error{Kind: KindNoFile, Summary: "No image file uploaded"}

// ErrInvalidType is returned for uploads whose mime type is not accepted
var ErrInvalidType = &Error{Kind: KindValidation, Summary: "Invalid file type. Only JPG, JPEG, and PNG are allowed."}

// fileTooLarge builds the size-limit failure for a maximum of maxBytes
func fileTooLarge(maxBytes int64) *Error {
	return &Error{
		Kind:    KindFileTooLarge,
		Summary: fmt.Sprintf("File size too large. Maximum size is %s.", formatSize(maxBytes)),
	}
}

// CleanupError records a failed removal of a stored upload. It is logged, never returned to callers.
type CleanupError struct {
	Path string
	Err  error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleaning up %s: %v", e.Path, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// classify converts err into an *Error
func classify(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	var recErr *scanning.RecognitionError
	if errors.As(err, &recErr) {
		return &Error{
			Kind:    KindRecognition,
			Summary: "Failed to extract text from image",
			Details: recErr.Error(),
			Err:     err,
		}
	}
	return &Error{Kind: KindInternal, Summary: "Internal server error", Err: err}
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
