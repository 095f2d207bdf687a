package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/domain/poll"
	"github.com/target/mmk-orchestrator/internal/provider"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"poll timeout", &poll.TimeoutError{Attempts: 3, Interval: time.Second}, "poll_timeout"},
		{"wrapped submission", fmt.Errorf("drive: %w", &provider.SubmissionError{QueueType: model.QueueTypeRender}), "provider_submission"},
		{"poll", &provider.PollError{QueueType: model.QueueTypeRender}, "provider_poll"},
		{"job error", &model.JobError{Code: model.ErrorCodeProvider}, model.ErrorCodeProvider},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), "deadline_exceeded"},
		{"plain", goerrors.New("boom"), "errors_errorstring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
