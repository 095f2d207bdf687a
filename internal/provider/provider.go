// Package provider normalizes the submit/poll APIs of external media
// providers into a single Adapter contract.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

//go:generate go run go.uber.org/mock/mockgen -destination=../mocks/mock_provider.go -package=mocks github.com/target/mmk-orchestrator/internal/provider Adapter

// Adapter translates one provider's API into the engine's contract.
//
// Poll must tolerate being called any number of times for the same external
// id and never assumes it owns scheduling.
type Adapter interface {
	QueueType() model.QueueType
	Submit(ctx context.Context, params json.RawMessage) (*SubmitResult, error)
	Poll(ctx context.Context, externalID string, providerContext json.RawMessage) (*PollResult, error)
}

// SubmitResult is the provider's acknowledgement of a submission.
type SubmitResult struct {
	ExternalID string
	// Context carries provider data Poll needs besides the external id.
	Context   json.RawMessage
	RawOutput json.RawMessage
}

// PollResult is a normalized snapshot of a provider operation.
type PollResult struct {
	Done            bool
	Failed          bool
	OutputURL       *string
	OutputData      json.RawMessage
	DurationSeconds *float64
	ErrorDetail     string
	Progress        *float64
	// Status is the raw provider state, kept for logs.
	Status string
}

// Terminal reports whether the result ends the job.
func (r *PollResult) Terminal() bool {
	return r != nil && (r.Done || r.Failed)
}

var (
	// ErrUnsupportedQueueType is returned when no adapter serves a queue type.
	ErrUnsupportedQueueType = errors.New("unsupported queue type")
	// ErrMissingExternalID is returned when a provider accepts a submission without an id.
	ErrMissingExternalID = errors.New("provider response missing external id")
)

// SubmissionError reports a failed submit call.
type SubmissionError struct {
	QueueType  model.QueueType
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s submit failed (status %d, retryable %t): %v", e.QueueType, e.StatusCode, e.Retryable, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PollError reports a failed poll call.
type PollError struct {
	QueueType  model.QueueType
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("%s poll failed (status %d, retryable %t): %v", e.QueueType, e.StatusCode, e.Retryable, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// IsRetryable reports whether err may succeed on a later attempt. Errors
// that are neither submission nor poll errors are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Retryable
	}
	var pe *PollError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return !errors.Is(err, context.Canceled)
}

// IsNonRetryable is the negation of IsRetryable for non-nil errors.
func IsNonRetryable(err error) bool {
	return err != nil && !IsRetryable(err)
}

func newSubmissionError(q model.QueueType, err error) error {
	code, retryable := classify(err)
	return &SubmissionError{QueueType: q, StatusCode: code, Retryable: retryable, Err: err}
}

func newPollError(q model.QueueType, err error) error {
	code, retryable := classify(err)
	return &PollError{QueueType: q, StatusCode: code, Retryable: retryable, Err: err}
}

// classify extracts the HTTP status from err and decides whether retrying can help.
func classify(err error) (int, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode, he.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 0, true
	}
	if errors.Is(err, context.Canceled) {
		return 0, false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return 0, true
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, ErrMissingExternalID) {
		return http.StatusOK, false
	}
	return 0, true
}

// Registry selects the adapter for a queue type.
type Registry struct {
	adapters map[model.QueueType]Adapter
}

// NewRegistry indexes adapters by queue type. Registering two adapters for
// the same queue type is an error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[model.QueueType]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		q := a.QueueType()
		if _, dup := r.adapters[q]; dup {
			return nil, fmt.Errorf("duplicate adapter for queue type %q", q)
		}
		r.adapters[q] = a
	}
	return r, nil
}

// Get returns the adapter for q or ErrUnsupportedQueueType.
func (r *Registry) Get(q model.QueueType) (Adapter, error) {
	if r != nil {
		if a, ok := r.adapters[q]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedQueueType, q)
}

// Supports reports whether an adapter is registered for q.
func (r *Registry) Supports(q model.QueueType) bool {
	_, err := r.Get(q)
	return err == nil
}

// QueueTypes lists registered queue types in a stable order.
func (r *Registry) QueueTypes() []model.QueueType {
	if r == nil {
		return nil
	}
	out := make([]model.QueueType, 0, len(r.adapters))
	for q := range r.adapters {
		out = append(out, q)
	}
	slices.Sort(out)
	return out
}
