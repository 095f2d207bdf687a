package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
	"github.com/target/mmk-orchestrator/internal/provider"
	"github.com/target/mmk-orchestrator/internal/testutil"
)

func newTestJobService(t *testing.T, env *testEnv) *JobService {
	t.Helper()
	svc, err := NewJobService(JobServiceOptions{
		Store:        env.store,
		Orchestrator: env.orch,
		Registry:     env.registry,
		Idempotency:  data.NewMemoryIdempotencyStore(env.clock),
		Deliveries:   env.store,
		Logger:       discardLogger(),
	})
	require.NoError(t, err)
	return svc
}

func TestNewJobService_RequiresDependencies(t *testing.T) {
	_, err := NewJobService(JobServiceOptions{})
	require.Error(t, err)

	assert.Panics(t, func() { MustNewJobService(JobServiceOptions{}) })
}

func TestJobService_Submit(t *testing.T) {
	env := newTestEnv(t, []provider.Adapter{newScriptedAdapter(model.QueueTypeRender)})
	svc := newTestJobService(t, env)
	ctx := context.Background()

	t.Run("creates pending job", func(t *testing.T) {
		j, created, err := svc.Submit(ctx, testutil.NewJobRequest().Build())
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, model.JobStatusPending, j.Status)
		assert.Equal(t, 30, j.MaxRetries)
	})

	t.Run("validation errors", func(t *testing.T) {
		tests := []struct {
			name string
			req  *model.CreateJobRequest
			code apperrors.ErrorCode
		}{
			{name: "nil request", req: nil, code: apperrors.ErrCodeValidation},
			{name: "missing params", req: testutil.NewJobRequest().WithParams("").Build(), code: apperrors.ErrCodeValidation},
			{name: "unknown queue", req: testutil.NewJobRequest().WithQueue("fax").Build(), code: apperrors.ErrCodeValidation},
			{name: "queue without provider", req: testutil.NewJobRequest().WithQueue(model.QueueTypeSpeechToText).Build(), code: apperrors.ErrCodeUnsupported},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, _, err := svc.Submit(ctx, tt.req)
				require.Error(t, err)
				assert.Equal(t, tt.code, apperrors.GetCode(err))
			})
		}
	})

	t.Run("client id is idempotent", func(t *testing.T) {
		req := testutil.NewJobRequest().WithClientID("order-42").Build()
		first, created, err := svc.Submit(ctx, req)
		require.NoError(t, err)
		require.True(t, created)

		second, created, err := svc.Submit(ctx, testutil.NewJobRequest().WithClientID("order-42").Build())
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("concurrent duplicates create one job", func(t *testing.T) {
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			ids = map[string]int{}
		)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				j, _, err := svc.Submit(ctx, testutil.NewJobRequest().WithClientID("burst").Build())
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[j.ID]++
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, ids, 1)
	})
}

func TestJobService_GetCancelStats(t *testing.T) {
	env := newTestEnv(t, []provider.Adapter{newScriptedAdapter(model.QueueTypeRender)})
	svc := newTestJobService(t, env)
	ctx := context.Background()

	j, _, err := svc.Submit(ctx, testutil.NewJobRequest().Build())
	require.NoError(t, err)

	got, err := svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)

	_, err = svc.Get(ctx, "missing")
	require.ErrorIs(t, err, model.ErrJobNotFound)

	cancelled, err := svc.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, cancelled.Status)

	_, err = svc.Cancel(ctx, j.ID)
	require.ErrorIs(t, err, model.ErrJobTerminal)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.GetCode(apperrors.FromDomain(err)))

	_, _, err = svc.Submit(ctx, testutil.NewJobRequest().Build())
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, model.QueueTypeRender)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Cancelled)

	_, err = svc.Stats(ctx, "fax")
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err))
}

func TestJobService_LatestCallback(t *testing.T) {
	env := newTestEnv(t, []provider.Adapter{newScriptedAdapter(model.QueueTypeRender)})
	svc := newTestJobService(t, env)
	ctx := context.Background()

	j, _, err := svc.Submit(ctx, testutil.NewJobRequest().Build())
	require.NoError(t, err)

	_, err = svc.LatestCallback(ctx, j.ID)
	require.ErrorIs(t, err, model.ErrCallbackDeliveryNotFound)

	code := 200
	id := j.ID
	require.NoError(t, env.store.Record(ctx, &model.CallbackDelivery{
		JobID:      &id,
		URL:        "https://hooks.test/cb",
		Status:     model.CallbackStatusDelivered,
		Attempts:   1,
		StatusCode: &code,
		CreatedAt:  time.Now(),
	}))

	d, err := svc.LatestCallback(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallbackStatusDelivered, d.Status)

	_, err = svc.LatestCallback(ctx, "missing")
	require.ErrorIs(t, err, model.ErrJobNotFound)
}
