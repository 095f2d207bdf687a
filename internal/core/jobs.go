// Package core defines the ports between the orchestration services and the data layer.
package core

import (
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// QueueType is re-exported so HTTP handlers do not couple to the model package.
type QueueType = model.QueueType

// CreateJobRequest is re-exported so HTTP handlers do not couple to the model package.
type CreateJobRequest = model.CreateJobRequest

// IdempotencyKey namespaces a client-supplied id by project.
func IdempotencyKey(projectID, clientID string) string {
	return "idem:job:" + projectID + ":" + clientID
}
