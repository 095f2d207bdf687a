package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
	"github.com/target/mmk-orchestrator/internal/provider"
)

type pipelineFixture struct {
	env       *testEnv
	svc       *PipelineService
	pipelines *data.MemoryPipelineRepo
	render    *scriptedAdapter
	image     *scriptedAdapter
	video     *scriptedAdapter
}

func newPipelineFixture(t *testing.T, videoPolls ...scriptedPoll) *pipelineFixture {
	t.Helper()
	if len(videoPolls) == 0 {
		videoPolls = []scriptedPoll{done("https://cdn/final.mp4")}
	}
	f := &pipelineFixture{
		render: newScriptedAdapter(model.QueueTypeRender, processing(), done("https://cdn/render.mp4")),
		image:  newScriptedAdapter(model.QueueTypeImageGeneration, done("https://cdn/image.png")),
		video:  newScriptedAdapter(model.QueueTypeVideoToVideo, videoPolls...),
	}
	f.env = newTestEnv(t, []provider.Adapter{f.render, f.image, f.video})
	f.pipelines = f.env.store.Pipelines()

	svc, err := NewPipelineService(PipelineServiceOptions{
		Pipelines:    f.pipelines,
		Jobs:         f.env.store,
		Orchestrator: f.env.orch,
		Registry:     f.env.registry,
		Callbacks:    f.env.callbacks,
		Logger:       discardLogger(),
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func threeStageRequest() *model.CreatePipelineRequest {
	return &model.CreatePipelineRequest{
		ProjectID: "proj",
		Stages: []model.StageDefinition{
			{QueueType: model.QueueTypeRender, Params: json.RawMessage(`{"composition":"intro"}`)},
			{
				QueueType:    model.QueueTypeImageGeneration,
				Params:       json.RawMessage(`{"prompt":"poster"}`),
				ParamMapping: map[string]string{"reference": "outputUrl", "renderJob": "jobId"},
			},
			{
				QueueType:    model.QueueTypeVideoToVideo,
				ParamMapping: map[string]string{"image": "output.url"},
			},
		},
	}
}

func (f *pipelineFixture) createAndClaim(t *testing.T, req *model.CreatePipelineRequest) *model.Pipeline {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.Create(ctx, req)
	require.NoError(t, err)
	claimed, err := f.pipelines.ClaimNext(ctx, core.ClaimPipelineParams{})
	require.NoError(t, err)
	require.Equal(t, p.ID, claimed.ID)
	return claimed
}

func TestPipelineService_Execute_AllStagesSucceed(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	p := f.createAndClaim(t, threeStageRequest())

	require.NoError(t, f.svc.Execute(ctx, p))

	status, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineStatusDone, status.Status)
	assert.Equal(t, 3, status.CurrentStage)
	assert.Nil(t, status.FailedStage)
	require.Len(t, status.Jobs, 3)
	for i, j := range status.Jobs {
		assert.Equal(t, model.JobStatusDone, j.Status)
		require.NotNil(t, j.StageIndex)
		assert.Equal(t, i, *j.StageIndex)
	}

	imageParams := f.image.Params()
	require.Len(t, imageParams, 1)
	assert.JSONEq(t, `{
		"prompt": "poster",
		"reference": "https://cdn/render.mp4",
		"renderJob": "`+status.Jobs[0].JobID+`"
	}`, string(imageParams[0]))

	videoParams := f.video.Params()
	require.Len(t, videoParams, 1)
	assert.JSONEq(t, `{"image":"https://cdn/image.png"}`, string(videoParams[0]))

	var out model.StageInput
	require.NoError(t, json.Unmarshal(status.Output, &out))
	assert.Equal(t, status.Jobs[2].JobID, out.JobID)

	cbs := f.env.callbacks.Pipelines()
	require.Len(t, cbs, 1)
	assert.Equal(t, model.PipelineStatusDone, cbs[0].Status)
}

func TestPipelineService_Execute_StopsAtFailedStage(t *testing.T) {
	f := newPipelineFixture(t)
	f.image.polls = []scriptedPoll{failed("nsfw prompt rejected")}
	ctx := context.Background()
	p := f.createAndClaim(t, threeStageRequest())

	err := f.svc.Execute(ctx, p)
	var stageErr *PipelineStageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, 1, stageErr.Stage)
	assert.Equal(t, model.JobStatusFailed, stageErr.Status)

	assert.Equal(t, 0, f.video.SubmitCalls())

	status, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineStatusFailed, status.Status)
	require.NotNil(t, status.FailedStage)
	assert.Equal(t, 1, *status.FailedStage)
	require.NotNil(t, status.Error)
	assert.Equal(t, model.ErrorCodeStage, status.Error.Code)
	assert.Contains(t, status.Error.Message, "nsfw prompt rejected")
	assert.Len(t, status.Jobs, 2)

	cbs := f.env.callbacks.Pipelines()
	require.Len(t, cbs, 1)
	assert.Equal(t, model.PipelineStatusFailed, cbs[0].Status)
}

func TestPipelineService_Execute_ResumesFromCurrentStage(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	p := f.createAndClaim(t, threeStageRequest())

	// An earlier runner finished stage 0 and crashed.
	pid, idx := p.ID, 0
	first, err := f.env.store.Create(ctx, &model.CreateJobRequest{
		QueueType:  model.QueueTypeRender,
		ProjectID:  p.ProjectID,
		Params:     p.Stages[0].Params,
		PipelineID: &pid,
		StageIndex: &idx,
	})
	require.NoError(t, err)
	first, err = f.env.orch.Drive(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusDone, first.Status)
	ok, err := f.pipelines.Advance(ctx, p.ID, 0)
	require.NoError(t, err)
	require.True(t, ok)

	current, err := f.pipelines.Get(ctx, p.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Execute(ctx, current))

	assert.Equal(t, 1, f.render.SubmitCalls())
	imageParams := f.image.Params()
	require.Len(t, imageParams, 1)
	assert.Contains(t, string(imageParams[0]), first.ID)

	status, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineStatusDone, status.Status)
	assert.Len(t, status.Jobs, 3)
}

func TestPipelineService_ExecuteStages(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	var seen []*model.Job
	stage := func(q model.QueueType) Stage {
		return Stage{
			QueueType: q,
			BuildParams: func(prior *model.Job) (json.RawMessage, error) {
				seen = append(seen, prior)
				if prior == nil {
					return json.RawMessage(`{"seed":1}`), nil
				}
				return json.Marshal(map[string]any{"from": *prior.OutputURL})
			},
		}
	}

	t.Run("runs in order", func(t *testing.T) {
		jobs, err := f.svc.ExecuteStages(ctx, "proj", []Stage{
			stage(model.QueueTypeRender),
			stage(model.QueueTypeImageGeneration),
		})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		require.Len(t, seen, 2)
		assert.Nil(t, seen[0])
		assert.Equal(t, jobs[0].ID, seen[1].ID)
		assert.JSONEq(t, `{"from":"https://cdn/render.mp4"}`, string(f.image.Params()[0]))
	})

	t.Run("params error aborts before submit", func(t *testing.T) {
		submits := f.video.SubmitCalls()
		_, err := f.svc.ExecuteStages(ctx, "proj", []Stage{{
			QueueType: model.QueueTypeVideoToVideo,
			BuildParams: func(*model.Job) (json.RawMessage, error) {
				return nil, errors.New("no source")
			},
		}})
		var stageErr *PipelineStageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, 0, stageErr.Stage)
		assert.Equal(t, submits, f.video.SubmitCalls())
	})
}

func TestPipelineService_Create_Validation(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *model.CreatePipelineRequest
		code apperrors.ErrorCode
	}{
		{name: "nil", req: nil, code: apperrors.ErrCodeValidation},
		{name: "no stages", req: &model.CreatePipelineRequest{ProjectID: "p"}, code: apperrors.ErrCodeValidation},
		{
			name: "bad expression",
			req: &model.CreatePipelineRequest{Stages: []model.StageDefinition{
				{QueueType: model.QueueTypeRender, Params: json.RawMessage(`{}`)},
				{QueueType: model.QueueTypeRender, ParamMapping: map[string]string{"x": "output.["}},
			}},
			code: apperrors.ErrCodeValidation,
		},
		{
			name: "stage without provider",
			req: &model.CreatePipelineRequest{Stages: []model.StageDefinition{
				{QueueType: model.QueueTypeSpeechToText, Params: json.RawMessage(`{"audio":"a"}`)},
			}},
			code: apperrors.ErrCodeUnsupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
		})
	}

	_, err := f.svc.Get(ctx, "missing")
	require.ErrorIs(t, err, model.ErrPipelineNotFound)
}
