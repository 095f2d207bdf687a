package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building job requests.
type JobRequestBuilder struct {
	req model.CreateJobRequest
}

// NewJobRequest creates a builder for a render job with small default params.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{req: model.CreateJobRequest{
		QueueType: model.QueueTypeRender,
		ProjectID: "test-project",
		Params:    json.RawMessage(`{"composition":"test"}`),
	}}
}

// WithQueue sets the queue type.
func (b *JobRequestBuilder) WithQueue(q model.QueueType) *JobRequestBuilder {
	b.req.QueueType = q
	return b
}

// WithParams sets the raw params document.
func (b *JobRequestBuilder) WithParams(params string) *JobRequestBuilder {
	b.req.Params = json.RawMessage(params)
	return b
}

// WithClientID sets the idempotency client id.
func (b *JobRequestBuilder) WithClientID(id string) *JobRequestBuilder {
	b.req.ClientID = &id
	return b
}

// WithCallback sets the callback URL.
func (b *JobRequestBuilder) WithCallback(url string) *JobRequestBuilder {
	b.req.CallbackURL = &url
	return b
}

// WithMaxRetries sets the poll attempt budget.
func (b *JobRequestBuilder) WithMaxRetries(n int) *JobRequestBuilder {
	b.req.MaxRetries = n
	return b
}

// Build returns a copy of the request.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	out := b.req
	return &out
}

// RecordingSleeper satisfies poll.Sleeper without sleeping and records every
// requested duration.
type RecordingSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

// Sleep records d and returns immediately unless ctx is already done.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	return ctx.Err()
}

// Calls returns the recorded durations.
func (s *RecordingSleeper) Calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.calls...)
}

// Count returns the number of recorded sleeps.
func (s *RecordingSleeper) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
