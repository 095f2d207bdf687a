package reaper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/testutil"
)

func TestNewRunner_RequiresRepository(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)
}

func TestRunner_RunOnceFailsStalePendingJobs(t *testing.T) {
	ctx := context.Background()
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	store := data.NewMemoryJobStore(data.RepoConfig{TimeProvider: clock})

	stale, err := store.Create(ctx, testutil.NewJobRequest().Build())
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	fresh, err := store.Create(ctx, testutil.NewJobRequest().WithParams(`{"composition":"fresh"}`).Build())
	require.NoError(t, err)

	r, err := NewRunner(RunnerOptions{
		Repo: store,
		Config: config.ReaperConfig{
			Interval:       time.Minute,
			PendingMaxAge:  time.Hour,
			OrphanMaxAge:   15 * time.Minute,
			JobMaxAge:      720 * time.Hour,
			DeliveryMaxAge: 720 * time.Hour,
			BatchSize:      10,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.StalePending)

	got, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorCodeStale, got.Error.Code)

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)
}
