package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// Job flag names
const (
	flagJobID       = "id"
	flagProject     = "project"
	flagQueue       = "queue"
	flagParams      = "params"
	flagParamsFile  = "params-file"
	flagCallbackURL = "callback-url"
	flagClientID    = "client-id"
	flagMaxRetries  = "max-retries"
	flagWait        = "wait"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and inspect jobs",
	}
	cmd.AddCommand(newSubmitJobCmd(a))
	cmd.AddCommand(newGetJobCmd(a))
	cmd.AddCommand(newCancelJobCmd(a))
	return cmd
}

func newSubmitJobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a job, optionally waiting for it to finish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := submitRequestFromFlags(cmd)
			if err != nil {
				return err
			}
			wait, err := cmd.Flags().GetBool(flagWait)
			if err != nil {
				return fmt.Errorf("error getting wait flag: %w", err)
			}

			svc, err := a.container()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			j, created, err := svc.Jobs.Submit(ctx, req)
			if err != nil {
				return fmt.Errorf("error submitting job: %w", err)
			}
			if !created {
				a.logger.InfoContext(ctx, "client id matched an existing job", "job_id", j.ID)
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), model.SubmitJobResponse{JobID: j.ID, Status: j.Status})
			}

			finished, err := svc.Orchestrator.RunToTerminal(ctx, j.ID)
			if err != nil {
				return fmt.Errorf("error waiting for job %s: %w", j.ID, err)
			}
			return printJSON(cmd.OutOrStdout(), model.NewJobStatusResponse(finished))
		},
	}
	cmd.Flags().StringP(flagProject, "p", "", "Project ID")
	cmd.Flags().StringP(flagQueue, "q", "", "Queue type (e.g. render, speech-to-text)")
	cmd.Flags().String(flagParams, "", "Provider parameters as a JSON object")
	cmd.Flags().String(flagParamsFile, "", "Read provider parameters from a JSON file")
	cmd.Flags().String(flagCallbackURL, "", "URL to POST the terminal result to")
	cmd.Flags().String(flagClientID, "", "Idempotency key scoped to the project")
	cmd.Flags().Int(flagMaxRetries, 0, "Poll attempt budget (0 uses the store default)")
	cmd.Flags().Bool(flagWait, false, "Drive the job to a terminal status before returning")
	_ = cmd.MarkFlagRequired(flagQueue)
	cmd.MarkFlagsMutuallyExclusive(flagParams, flagParamsFile)
	return cmd
}

func submitRequestFromFlags(cmd *cobra.Command) (*model.CreateJobRequest, error) {
	flags := cmd.Flags()
	project, _ := flags.GetString(flagProject)
	queue, _ := flags.GetString(flagQueue)
	params, _ := flags.GetString(flagParams)
	paramsFile, _ := flags.GetString(flagParamsFile)
	callbackURL, _ := flags.GetString(flagCallbackURL)
	clientID, _ := flags.GetString(flagClientID)
	maxRetries, _ := flags.GetInt(flagMaxRetries)

	if paramsFile != "" {
		raw, err := os.ReadFile(paramsFile)
		if err != nil {
			return nil, fmt.Errorf("error reading params file: %w", err)
		}
		params = string(raw)
	}
	params = strings.TrimSpace(params)
	if params == "" {
		return nil, errors.New("one of --params or --params-file is required")
	}
	if !json.Valid([]byte(params)) {
		return nil, errors.New("params must be valid JSON")
	}

	req := &model.CreateJobRequest{
		ProjectID:  project,
		QueueType:  model.QueueType(queue),
		Params:     json.RawMessage(params),
		MaxRetries: maxRetries,
	}
	if callbackURL != "" {
		req.CallbackURL = &callbackURL
	}
	if clientID != "" {
		req.ClientID = &clientID
	}
	return req, nil
}

func newGetJobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show a job's status and result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := cmd.Flags().GetString(flagJobID)
			if err != nil {
				return fmt.Errorf("error getting job ID flag: %w", err)
			}
			svc, err := a.container()
			if err != nil {
				return err
			}
			j, err := svc.Jobs.Get(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("error getting job: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), model.NewJobStatusResponse(j))
		},
	}
	cmd.Flags().StringP(flagJobID, "i", "", "Job ID")
	_ = cmd.MarkFlagRequired(flagJobID)
	return cmd
}

func newCancelJobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a job that has not finished",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := cmd.Flags().GetString(flagJobID)
			if err != nil {
				return fmt.Errorf("error getting job ID flag: %w", err)
			}
			svc, err := a.container()
			if err != nil {
				return err
			}
			j, err := svc.Jobs.Cancel(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("error cancelling job: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), model.NewJobStatusResponse(j))
		},
	}
	cmd.Flags().StringP(flagJobID, "i", "", "Job ID")
	_ = cmd.MarkFlagRequired(flagJobID)
	return cmd
}
