package compute

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/models"
)

// irisLikeCSV is a small linearly separable dataset with one categorical
// feature mixed in.
const irisLikeCSV = `length,width,region,species
5.1,3.5,north,setosa
4.9,3.0,north,setosa
4.7,3.2,south,setosa
5.0,3.6,north,setosa
5.4,3.9,south,setosa
4.6,3.4,north,setosa
6.9,3.1,south,versicolor
6.4,3.2,south,versicolor
6.6,2.9,north,versicolor
6.3,3.3,south,versicolor
6.8,2.8,north,versicolor
7.0,3.2,south,versicolor
`

func trainTestModel(t *testing.T, modelType string) *TrainResult {
	t.Helper()
	engine := NewBuiltinEngine(zap.NewNop())
	cfg := &models.JobConfig{ModelType: modelType, TargetColumn: "species"}
	result, err := engine.Train(context.Background(), []byte(irisLikeCSV), cfg)
	require.NoError(t, err)
	return result
}

func TestTrainAllModelTypes(t *testing.T) {
	for _, modelType := range []string{ModelTypeLogisticRegression, ModelTypeRandomForest, ModelTypeXGBoost} {
		t.Run(modelType, func(t *testing.T) {
			result := trainTestModel(t, modelType)
			require.NotEmpty(t, result.ModelBytes)
			require.NotEmpty(t, result.InfoBytes)
			require.GreaterOrEqual(t, result.Accuracy, 0.0)
			require.LessOrEqual(t, result.Accuracy, 1.0)

			info := string(result.InfoBytes)
			require.Contains(t, info, modelType)
			require.Contains(t, info, "species")
		})
	}
}

func TestTrainDeterministicSplit(t *testing.T) {
	a := trainTestModel(t, ModelTypeRandomForest)
	b := trainTestModel(t, ModelTypeRandomForest)
	require.Equal(t, a.Accuracy, b.Accuracy, "repeated runs use the same evaluation split")
}

func TestTrainRejectsUnsupportedModelType(t *testing.T) {
	engine := NewBuiltinEngine(zap.NewNop())
	cfg := &models.JobConfig{ModelType: "SupportVectorMachine", TargetColumn: "species"}
	_, err := engine.Train(context.Background(), []byte(irisLikeCSV), cfg)
	require.Error(t, err)
	require.Equal(t, models.ErrCodeInvalidConfig, models.ErrorCode(err))
}

func TestTrainRejectsMissingTargetColumn(t *testing.T) {
	engine := NewBuiltinEngine(zap.NewNop())
	cfg := &models.JobConfig{ModelType: ModelTypeRandomForest, TargetColumn: "nonexistent"}
	_, err := engine.Train(context.Background(), []byte(irisLikeCSV), cfg)
	require.Error(t, err)
	require.Equal(t, models.ErrCodeInvalidConfig, models.ErrorCode(err))
}

func TestTrainRejectsMalformedCSV(t *testing.T) {
	engine := NewBuiltinEngine(zap.NewNop())
	cfg := &models.JobConfig{ModelType: ModelTypeRandomForest, TargetColumn: "y"}

	_, err := engine.Train(context.Background(), []byte("a,b,y\n1,2\n"), cfg)
	require.Error(t, err)

	_, err = engine.Train(context.Background(), []byte("a,b,y\n"), cfg)
	require.Error(t, err, "a header with no rows is not trainable")
}

func TestPredictRoundTrip(t *testing.T) {
	engine := NewBuiltinEngine(zap.NewNop())
	result := trainTestModel(t, ModelTypeLogisticRegression)

	prediction, err := engine.Predict(context.Background(), result.ModelBytes, map[string]interface{}{
		"length": 5.0,
		"width":  3.5,
		"region": "north",
	})
	require.NoError(t, err)
	require.Contains(t, []interface{}{"setosa", "versicolor"}, prediction)

	// A clearly versicolor-shaped input should classify as versicolor.
	prediction, err = engine.Predict(context.Background(), result.ModelBytes, map[string]interface{}{
		"length": 6.8,
		"width":  3.0,
		"region": "south",
	})
	require.NoError(t, err)
	require.Equal(t, "versicolor", prediction)
}

func TestPredictMissingFeature(t *testing.T) {
	engine := NewBuiltinEngine(zap.NewNop())
	result := trainTestModel(t, ModelTypeRandomForest)

	_, err := engine.Predict(context.Background(), result.ModelBytes, map[string]interface{}{
		"length": 5.0,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, models.ErrComputeFailed)
	require.True(t, strings.Contains(err.Error(), "width") || strings.Contains(err.Error(), "region"))
}

func TestPredictGarbageModel(t *testing.T) {
	engine := NewBuiltinEngine(zap.NewNop())
	_, err := engine.Predict(context.Background(), []byte("not a model"), map[string]interface{}{"x": 1})
	require.ErrorIs(t, err, models.ErrComputeFailed)
}

func TestParseDatasetSchema(t *testing.T) {
	ds, err := ParseDataset([]byte(irisLikeCSV), "species")
	require.NoError(t, err)

	require.Equal(t, []string{"length", "width", "region"}, ds.Schema.Columns)
	require.Equal(t, []string{"setosa", "versicolor"}, ds.Schema.Classes)
	require.Contains(t, ds.Schema.Categorical, "region")
	// drop-first: two categories produce one one-hot column
	require.Equal(t, []string{"length", "width", "region=south"}, ds.Schema.FeatureNames)
	require.Len(t, ds.Features, 12)
	require.Len(t, ds.Labels, 12)
}

func TestDatasetSplitHoldsOutRows(t *testing.T) {
	ds, err := ParseDataset([]byte(irisLikeCSV), "species")
	require.NoError(t, err)

	trainX, trainY, testX, testY := ds.Split()
	require.NotEmpty(t, testX)
	require.Len(t, trainX, len(trainY))
	require.Len(t, testX, len(testY))
	require.Equal(t, len(ds.Features), len(trainX)+len(testX))
}
