// Package errors maps errors to short class names for metric tags.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/domain/poll"
	"github.com/target/mmk-orchestrator/internal/provider"
)

// Classify returns a normalized error class suitable for tagging metrics and logs.
// Known orchestration failures map to fixed names; anything else is named after
// its innermost concrete type in snake_case-ish form.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var (
		submitErr  *provider.SubmissionError
		pollErr    *provider.PollError
		timeoutErr *poll.TimeoutError
		jobErr     *model.JobError
	)
	switch {
	case goerrors.As(err, &timeoutErr):
		return "poll_timeout"
	case goerrors.As(err, &submitErr):
		return "provider_submission"
	case goerrors.As(err, &pollErr):
		return "provider_poll"
	case goerrors.As(err, &jobErr):
		return jobErr.Code
	case goerrors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	// Unwrap to the innermost error for better signal.
	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
