package job

import "github.com/target/mmk-orchestrator/internal/domain/model"

// PipelineChannel is notified whenever a pipeline is created or released.
const PipelineChannel = "pipeline_added"

// PendingChannel names the notification channel signalled when a job of the
// given queue type is created.
func PendingChannel(q model.QueueType) string {
	return "job_added_" + string(q)
}

// FinishedChannel names the notification channel signalled when a job
// reaches a terminal status.
func FinishedChannel(jobID string) string {
	return "job_finished_" + jobID
}
