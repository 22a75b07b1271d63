package compute

import (
	"context"

	"github.com/decen-ai/platform-backend/internal/models"
)

// TrainResult carries the artifacts produced by a training run.
type TrainResult struct {
	// ModelBytes is the serialized trained model.
	ModelBytes []byte
	// InfoBytes is the serialized model descriptor (model type, feature
	// schema, hyperparameters, evaluation accuracy).
	InfoBytes []byte
	// Accuracy is the held-out evaluation accuracy in [0, 1].
	Accuracy float64
}

// Engine runs the supported ML workloads. Implementations must be safe for
// concurrent use; the orchestrator drives one call per running job.
type Engine interface {
	// Train fits a model of cfg.ModelType on the CSV dataset, evaluates it
	// on a held-out split, and returns the serialized artifacts. Fails with
	// an INVALID_CONFIG error for unsupported model types or a missing
	// target column, and models.ErrComputeFailed wrapping the cause for
	// runtime failures.
	Train(ctx context.Context, dataset []byte, cfg *models.JobConfig) (*TrainResult, error)

	// Predict loads a serialized model and scores a single input row given
	// as feature name to value. Fails with models.ErrComputeFailed when the
	// model cannot be decoded or the input is missing required features.
	Predict(ctx context.Context, modelBytes []byte, input map[string]interface{}) (interface{}, error)
}
