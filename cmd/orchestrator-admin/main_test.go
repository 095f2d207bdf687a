package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := &config.AppConfig{
		Services: "http",
		Store:    config.StoreConfig{Driver: config.StoreDriverMemory, DefaultMaxRetries: 10},
	}
	cfg.Providers.Render = config.ProviderConfig{
		Enabled:      true,
		BaseURL:      "http://render.invalid",
		APIKey:       "secret",
		PollInterval: time.Second,
		PollAttempts: 3,
		Mode:         config.ExecutionModeSweep,
	}
	cfg.Sanitize()
	a := &app{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	t.Cleanup(a.close)
	return a
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd(&app{})
	for _, path := range [][]string{
		{"migrate"},
		{"jobs", "submit"},
		{"jobs", "get"},
		{"jobs", "cancel"},
		{"sweep"},
		{"reap"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestJobsLifecycle(t *testing.T) {
	a := newTestApp(t)

	out, err := execute(t, a, "jobs", "submit", "-q", "render", "-p", "p1", "--params", `{"composition":"intro"}`)
	require.NoError(t, err)
	var submitted model.SubmitJobResponse
	require.NoError(t, json.Unmarshal([]byte(out), &submitted))
	assert.Equal(t, model.JobStatusPending, submitted.Status)
	require.NotEmpty(t, submitted.JobID)

	out, err = execute(t, a, "jobs", "get", "--id", submitted.JobID)
	require.NoError(t, err)
	var status model.JobStatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, model.QueueTypeRender, status.QueueType)

	out, err = execute(t, a, "jobs", "cancel", "-i", submitted.JobID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, model.JobStatusCancelled, status.Status)

	_, err = execute(t, a, "jobs", "cancel", "-i", submitted.JobID)
	require.ErrorIs(t, err, model.ErrJobTerminal)
}

func TestJobsSubmit_ClientIDIsIdempotent(t *testing.T) {
	a := newTestApp(t)
	args := []string{"jobs", "submit", "-q", "render", "-p", "p1", "--params", `{"a":1}`, "--client-id", "c-1"}

	first, err := execute(t, a, args...)
	require.NoError(t, err)
	second, err := execute(t, a, args...)
	require.NoError(t, err)
	assert.JSONEq(t, first, second)
}

func TestJobsSubmit_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing params", args: []string{"-q", "render"}, wantErr: "--params or --params-file"},
		{name: "invalid json", args: []string{"-q", "render", "--params", "{bad"}, wantErr: "valid JSON"},
		{name: "missing queue", args: []string{"--params", "{}"}, wantErr: "queue"},
		{name: "queue without provider", args: []string{"-q", "speech-to-text", "--params", `{"a":1}`}, wantErr: "no configured provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, newTestApp(t), append([]string{"jobs", "submit"}, tt.args...)...)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSweepAndReap(t *testing.T) {
	a := newTestApp(t)

	out, err := execute(t, a, "sweep")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"queueType":"render","inFlight":0,"advanced":0,"finished":0,"timedOut":0}]`, out)

	_, err = execute(t, a, "sweep", "-q", "speech-to-text")
	require.ErrorContains(t, err, "no enabled provider")

	out, err = execute(t, a, "reap")
	require.NoError(t, err)
	assert.Contains(t, out, `"stalePending": 0`)
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	_, err := execute(t, newTestApp(t), "migrate")
	require.ErrorIs(t, err, errPostgresRequired)
}
