package dataprovider

import (
	"context"
	"errors"
	"fmt"
)

// StatusUnknown is the status of a failure that carried no HTTP-like status
// (network errors, panics turned into errors, arbitrary rejections).
const StatusUnknown = 0

// TransportError is the uniform shape of every backend or network failure.
// Body carries whatever the backend returned; by convention per-field
// validation errors live under Body["errors"].
type TransportError struct {
	Status  int
	Message string
	Body    any
}

func (e *TransportError) Error() string {
	if e.Status == StatusUnknown {
		return e.Message
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// NewTransportError builds a TransportError.
func NewTransportError(status int, message string, body any) *TransportError {
	return &TransportError{Status: status, Message: message, Body: body}
}

type statusCoder interface{ StatusCode() int }
type statuser interface{ Status() int }

// NormalizeError classifies any failure as a *TransportError.
// A value that already carries a status and message passes through; anything
// else becomes status 0 with the stringified original.
func NormalizeError(err error) *TransportError {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return &TransportError{Status: sc.StatusCode(), Message: err.Error()}
	}
	var st statuser
	if errors.As(err, &st) {
		return &TransportError{Status: st.Status(), Message: err.Error()}
	}
	return &TransportError{Status: StatusUnknown, Message: err.Error()}
}

// NormalizeValue is NormalizeError for rejections that are not errors.
// Maps with a numeric "status" and string "message" keep their status.
func NormalizeValue(v any) *TransportError {
	switch x := v.(type) {
	case nil:
		return nil
	case error:
		return NormalizeError(x)
	case map[string]any:
		msg, okMsg := x["message"].(string)
		if status, ok := numeric(x["status"]); ok && okMsg {
			return &TransportError{Status: status, Message: msg, Body: x["body"]}
		}
	}
	return &TransportError{Status: StatusUnknown, Message: fmt.Sprint(v)}
}

func numeric(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// IsStatus reports whether err normalizes to the given status.
func IsStatus(err error, status int) bool {
	te := NormalizeError(err)
	return te != nil && te.Status == status
}

// ValidationErrors returns the per-field errors a backend reported in the
// body of a failure, or nil.
func ValidationErrors(err error) map[string]any {
	te := NormalizeError(err)
	if te == nil {
		return nil
	}
	body, ok := te.Body.(map[string]any)
	if !ok {
		return nil
	}
	fields, _ := body["errors"].(map[string]any)
	return fields
}

// ErrCancelled matches every CancelledError via errors.Is.
var ErrCancelled = errors.New("dataprovider: mutation cancelled")

// CancelledError reports an undoable mutation cancelled before dispatch.
// It never reaches the backend.
type CancelledError struct {
	MutationID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("mutation %s cancelled before dispatch", e.MutationID)
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

// IsContextError reports whether err came from a cancelled or expired context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// InvalidateError reports a partially failed resource invalidation.
type InvalidateError struct {
	Resource string
	BumpErr  error
	DelErr   error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: gen bump and delete failed: bump=%v; delete=%v",
			e.Resource, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: gen bump failed: %v", e.Resource, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Resource, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Resource)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
