package data

import (
	"errors"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// Shared sentinel errors for data-layer repositories.
var (
	ErrJobIDRequired            = errors.New("job id is required")
	ErrCallbackDeliveryNotFound = model.ErrCallbackDeliveryNotFound
	ErrRedisClientRequired      = errors.New("redis client is required")
)
