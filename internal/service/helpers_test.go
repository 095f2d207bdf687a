package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/domain/poll"
	"github.com/target/mmk-orchestrator/internal/provider"
	"github.com/target/mmk-orchestrator/internal/testutil"
)

// scriptedPoll is one canned provider answer.
type scriptedPoll struct {
	res *provider.PollResult
	err error
}

func processing() scriptedPoll {
	return scriptedPoll{res: &provider.PollResult{Status: "processing"}}
}

func done(url string) scriptedPoll {
	return scriptedPoll{res: &provider.PollResult{
		Done:       true,
		Status:     "done",
		OutputURL:  &url,
		OutputData: json.RawMessage(fmt.Sprintf(`{"url":%q}`, url)),
	}}
}

func failed(detail string) scriptedPoll {
	return scriptedPoll{res: &provider.PollResult{Failed: true, Status: "failed", ErrorDetail: detail}}
}

// scriptedAdapter answers Submit and Poll from fixed scripts. Submit errors
// are returned in order before the first success; the last poll answer
// repeats once the script runs out.
type scriptedAdapter struct {
	queue model.QueueType

	mu          sync.Mutex
	submitErrs  []error
	polls       []scriptedPoll
	submitCalls int
	pollCalls   int
	params      []json.RawMessage
}

var _ provider.Adapter = (*scriptedAdapter)(nil)

func newScriptedAdapter(q model.QueueType, polls ...scriptedPoll) *scriptedAdapter {
	return &scriptedAdapter{queue: q, polls: polls}
}

func (a *scriptedAdapter) QueueType() model.QueueType { return a.queue }

func (a *scriptedAdapter) Submit(_ context.Context, params json.RawMessage) (*provider.SubmitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitCalls++
	a.params = append(a.params, append(json.RawMessage(nil), params...))
	if len(a.submitErrs) > 0 {
		err := a.submitErrs[0]
		a.submitErrs = a.submitErrs[1:]
		return nil, err
	}
	return &provider.SubmitResult{
		ExternalID: fmt.Sprintf("%s-ext-%d", a.queue, a.submitCalls),
		Context:    json.RawMessage(`{"bucketName":"b"}`),
		RawOutput:  json.RawMessage(`{"accepted":true}`),
	}, nil
}

func (a *scriptedAdapter) Poll(_ context.Context, _ string, _ json.RawMessage) (*provider.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.polls) == 0 {
		return nil, errors.New("no poll script")
	}
	idx := min(a.pollCalls, len(a.polls)-1)
	a.pollCalls++
	step := a.polls[idx]
	return step.res, step.err
}

func (a *scriptedAdapter) SubmitCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submitCalls
}

func (a *scriptedAdapter) PollCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pollCalls
}

func (a *scriptedAdapter) Params() []json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]json.RawMessage(nil), a.params...)
}

// recordingCallbacks captures every job and pipeline handed to the dispatcher.
type recordingCallbacks struct {
	mu        sync.Mutex
	jobs      []*model.Job
	pipelines []*model.Pipeline
}

func (r *recordingCallbacks) Dispatch(_ context.Context, j *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return nil
}

func (r *recordingCallbacks) DispatchPipeline(_ context.Context, p *model.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines = append(r.pipelines, p)
	return nil
}

func (r *recordingCallbacks) Jobs() []*model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.Job(nil), r.jobs...)
}

func (r *recordingCallbacks) Pipelines() []*model.Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.Pipeline(nil), r.pipelines...)
}

type testEnv struct {
	store     *data.MemoryJobStore
	clock     *data.FixedTimeProvider
	sleeper   *testutil.RecordingSleeper
	callbacks *recordingCallbacks
	registry  *provider.Registry
	orch      *Orchestrator
}

type envOption func(*OrchestratorOptions)

func withPolicy(q model.QueueType, p QueuePolicy) envOption {
	return func(o *OrchestratorOptions) { o.Policies[q] = p }
}

func inlinePolicy() QueuePolicy {
	return QueuePolicy{
		Mode:           config.ExecutionModeInline,
		Poll:           poll.Policy{Interval: 10 * time.Second, MaxAttempts: 30},
		SubmitAttempts: 3,
		SubmitBackoff:  2 * time.Second,
	}
}

func sweepPolicy() QueuePolicy {
	p := inlinePolicy()
	p.Mode = config.ExecutionModeSweep
	p.SweepConcurrency = 2
	return p
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, adapters []provider.Adapter, opts ...envOption) *testEnv {
	t.Helper()
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	store := data.NewMemoryJobStore(data.RepoConfig{DefaultMaxRetries: 30, TimeProvider: clock})
	registry, err := provider.NewRegistry(adapters...)
	require.NoError(t, err)

	env := &testEnv{
		store:     store,
		clock:     clock,
		sleeper:   &testutil.RecordingSleeper{},
		callbacks: &recordingCallbacks{},
		registry:  registry,
	}
	oo := OrchestratorOptions{
		Store:      store,
		Registry:   registry,
		Policies:   map[model.QueueType]QueuePolicy{},
		Callbacks:  env.callbacks,
		Sleeper:    env.sleeper,
		Clock:      clock,
		Logger:     discardLogger(),
		WaitWindow: 50 * time.Millisecond,
	}
	for _, a := range adapters {
		oo.Policies[a.QueueType()] = inlinePolicy()
	}
	for _, opt := range opts {
		opt(&oo)
	}
	env.orch, err = NewOrchestrator(oo)
	require.NoError(t, err)
	return env
}

func (e *testEnv) createJob(t *testing.T, req *model.CreateJobRequest) *model.Job {
	t.Helper()
	j, err := e.store.Create(context.Background(), req)
	require.NoError(t, err)
	return j
}
