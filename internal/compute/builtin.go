package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/models"
)

// Supported model type identifiers.
const (
	ModelTypeRandomForest       = "RandomForest"
	ModelTypeXGBoost            = "XGBoost"
	ModelTypeLogisticRegression = "LogisticRegression"
)

// serializedModel is the JSON envelope stored as the model artifact. Exactly
// one of the learner fields is populated, selected by ModelType.
type serializedModel struct {
	ModelType string         `json:"model_type"`
	Schema    *FeatureSchema `json:"schema"`
	Logistic  *logisticModel `json:"logistic,omitempty"`
	Forest    *forestModel   `json:"forest,omitempty"`
	Boosted   *boostedModel  `json:"boosted,omitempty"`
}

// modelInfo is the human-readable model descriptor stored alongside the
// model artifact.
type modelInfo struct {
	ModelType       string             `json:"model_type"`
	TargetColumn    string             `json:"target_column"`
	Features        []string           `json:"features"`
	Classes         []string           `json:"classes"`
	Hyperparameters map[string]float64 `json:"hyperparameters"`
	Accuracy        float64            `json:"accuracy"`
	TrainedAt       string             `json:"trained_at"`
	TrainRows       int                `json:"train_rows"`
	TestRows        int                `json:"test_rows"`
}

// BuiltinEngine trains and scores models with the in-process learners.
type BuiltinEngine struct {
	logger *zap.Logger
}

// NewBuiltinEngine creates the default compute engine.
func NewBuiltinEngine(logger *zap.Logger) *BuiltinEngine {
	return &BuiltinEngine{logger: logger.Named("compute")}
}

// Train implements Engine.
func (e *BuiltinEngine) Train(ctx context.Context, dataset []byte, cfg *models.JobConfig) (*TrainResult, error) {
	switch cfg.ModelType {
	case ModelTypeRandomForest, ModelTypeXGBoost, ModelTypeLogisticRegression:
	default:
		return nil, models.NewInvalidConfigError("model_type",
			fmt.Sprintf("unsupported model type %q", cfg.ModelType))
	}

	ds, err := ParseDataset(dataset, cfg.TargetColumn)
	if err != nil {
		return nil, err
	}
	if len(ds.Schema.Classes) < 2 {
		return nil, models.NewInvalidConfigError("dataset",
			"target column needs at least two distinct classes")
	}

	trainX, trainY, testX, testY := ds.Split()
	e.logger.Info("Training model",
		zap.String("model_type", cfg.ModelType),
		zap.String("target_column", cfg.TargetColumn),
		zap.Int("train_rows", len(trainX)),
		zap.Int("test_rows", len(testX)),
		zap.Int("features", len(ds.Schema.FeatureNames)),
		zap.Int("classes", len(ds.Schema.Classes)),
	)

	model := &serializedModel{ModelType: cfg.ModelType, Schema: ds.Schema}
	switch cfg.ModelType {
	case ModelTypeLogisticRegression:
		model.Logistic = trainLogistic(ctx, trainX, trainY, len(ds.Schema.Classes), cfg.Hyperparameters)
	case ModelTypeRandomForest:
		model.Forest = trainForest(ctx, trainX, trainY, len(ds.Schema.Classes), cfg.Hyperparameters)
	case ModelTypeXGBoost:
		model.Boosted = trainBoosted(ctx, trainX, trainY, len(ds.Schema.Classes), cfg.Hyperparameters)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: training cancelled: %v", models.ErrComputeFailed, err)
	}

	correct := 0
	for i, x := range testX {
		if model.predictClass(x) == testY[i] {
			correct++
		}
	}
	accuracy := 0.0
	if len(testX) > 0 {
		accuracy = float64(correct) / float64(len(testX))
	}

	modelBytes, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing model: %v", models.ErrComputeFailed, err)
	}
	infoBytes, err := json.MarshalIndent(&modelInfo{
		ModelType:       cfg.ModelType,
		TargetColumn:    cfg.TargetColumn,
		Features:        ds.Schema.FeatureNames,
		Classes:         ds.Schema.Classes,
		Hyperparameters: cfg.Hyperparameters,
		Accuracy:        accuracy,
		TrainedAt:       time.Now().UTC().Format(time.RFC3339),
		TrainRows:       len(trainX),
		TestRows:        len(testX),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: serializing model info: %v", models.ErrComputeFailed, err)
	}

	e.logger.Info("Model trained",
		zap.String("model_type", cfg.ModelType),
		zap.Float64("accuracy", accuracy),
	)
	return &TrainResult{ModelBytes: modelBytes, InfoBytes: infoBytes, Accuracy: accuracy}, nil
}

// Predict implements Engine.
func (e *BuiltinEngine) Predict(ctx context.Context, modelBytes []byte, input map[string]interface{}) (interface{}, error) {
	var model serializedModel
	if err := json.Unmarshal(modelBytes, &model); err != nil {
		return nil, fmt.Errorf("%w: decoding model artifact: %v", models.ErrComputeFailed, err)
	}
	if model.Schema == nil {
		return nil, fmt.Errorf("%w: model artifact has no feature schema", models.ErrComputeFailed)
	}

	vec, err := model.Schema.EncodeInput(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrComputeFailed, err)
	}

	class := model.predictClass(vec)
	if class < 0 || class >= len(model.Schema.Classes) {
		return nil, fmt.Errorf("%w: model produced out-of-range class %d", models.ErrComputeFailed, class)
	}
	return model.Schema.Classes[class], nil
}

func (m *serializedModel) predictClass(x []float64) int {
	switch {
	case m.Logistic != nil:
		return m.Logistic.predict(x)
	case m.Forest != nil:
		return m.Forest.predict(x)
	case m.Boosted != nil:
		return m.Boosted.predict(x)
	default:
		return -1
	}
}

// logisticModel is a multinomial logistic classifier trained by gradient
// descent on the softmax cross-entropy loss.
type logisticModel struct {
	// Weights[class] holds the per-feature weights with the bias appended.
	Weights [][]float64 `json:"weights"`
}

func trainLogistic(ctx context.Context, x [][]float64, y []int, classes int, hp map[string]float64) *logisticModel {
	features := 0
	if len(x) > 0 {
		features = len(x[0])
	}
	iters := intParam(hp, "max_iter", 300)
	lr := floatParam(hp, "learning_rate", 0.1)

	weights := make([][]float64, classes)
	for c := range weights {
		weights[c] = make([]float64, features+1)
	}

	scores := make([]float64, classes)
	for iter := 0; iter < iters; iter++ {
		if ctx.Err() != nil {
			break
		}
		grads := make([][]float64, classes)
		for c := range grads {
			grads[c] = make([]float64, features+1)
		}
		for i, row := range x {
			for c := 0; c < classes; c++ {
				scores[c] = dotBias(weights[c], row)
			}
			softmaxInPlace(scores)
			for c := 0; c < classes; c++ {
				diff := scores[c]
				if c == y[i] {
					diff -= 1
				}
				for f, v := range row {
					grads[c][f] += diff * v
				}
				grads[c][features] += diff
			}
		}
		scale := lr / float64(maxInt(len(x), 1))
		for c := 0; c < classes; c++ {
			for f := range weights[c] {
				weights[c][f] -= scale * grads[c][f]
			}
		}
	}
	return &logisticModel{Weights: weights}
}

func (m *logisticModel) predict(x []float64) int {
	best, bestScore := 0, math.Inf(-1)
	for c, w := range m.Weights {
		score := dotBias(w, x)
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

// stump is a one-level decision tree: rows with feature value below the
// threshold go left, the rest go right.
type stump struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
}

func (s *stump) predict(x []float64) int {
	if s.Feature < len(x) && x[s.Feature] < s.Threshold {
		return s.Left
	}
	return s.Right
}

// forestModel is a bagged ensemble of stumps voting by majority.
type forestModel struct {
	Classes int     `json:"classes"`
	Trees   []stump `json:"trees"`
}

func trainForest(ctx context.Context, x [][]float64, y []int, classes int, hp map[string]float64) *forestModel {
	nTrees := intParam(hp, "n_estimators", 50)
	rng := rand.New(rand.NewSource(splitSeed))

	model := &forestModel{Classes: classes}
	n := len(x)
	for t := 0; t < nTrees && n > 0; t++ {
		if ctx.Err() != nil {
			break
		}
		sampleX := make([][]float64, n)
		sampleY := make([]int, n)
		weights := make([]float64, n)
		for i := 0; i < n; i++ {
			idx := rng.Intn(n)
			sampleX[i] = x[idx]
			sampleY[i] = y[idx]
			weights[i] = 1
		}
		model.Trees = append(model.Trees, fitStump(sampleX, sampleY, weights, classes))
	}
	return model
}

func (m *forestModel) predict(x []float64) int {
	votes := make([]int, m.Classes)
	for i := range m.Trees {
		c := m.Trees[i].predict(x)
		if c >= 0 && c < m.Classes {
			votes[c]++
		}
	}
	return argmaxInt(votes)
}

// boostedModel is a SAMME-boosted stump ensemble.
type boostedModel struct {
	Classes int       `json:"classes"`
	Trees   []stump   `json:"trees"`
	Alphas  []float64 `json:"alphas"`
}

func trainBoosted(ctx context.Context, x [][]float64, y []int, classes int, hp map[string]float64) *boostedModel {
	nTrees := intParam(hp, "n_estimators", 50)
	n := len(x)

	model := &boostedModel{Classes: classes}
	if n == 0 {
		return model
	}

	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1.0 / float64(n)
	}

	for t := 0; t < nTrees; t++ {
		if ctx.Err() != nil {
			break
		}
		tree := fitStump(x, y, weights, classes)

		errRate := 0.0
		for i, row := range x {
			if tree.predict(row) != y[i] {
				errRate += weights[i]
			}
		}
		if errRate >= 1-1.0/float64(classes) {
			break
		}
		if errRate < 1e-10 {
			errRate = 1e-10
		}
		alpha := math.Log((1-errRate)/errRate) + math.Log(float64(classes-1))

		total := 0.0
		for i, row := range x {
			if tree.predict(row) != y[i] {
				weights[i] *= math.Exp(alpha)
			}
			total += weights[i]
		}
		for i := range weights {
			weights[i] /= total
		}

		model.Trees = append(model.Trees, tree)
		model.Alphas = append(model.Alphas, alpha)
	}
	return model
}

func (m *boostedModel) predict(x []float64) int {
	scores := make([]float64, m.Classes)
	for i := range m.Trees {
		c := m.Trees[i].predict(x)
		if c >= 0 && c < m.Classes {
			scores[c] += m.Alphas[i]
		}
	}
	best, bestScore := 0, math.Inf(-1)
	for c, s := range scores {
		if s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// fitStump searches every feature and candidate threshold for the split
// minimizing weighted misclassification.
func fitStump(x [][]float64, y []int, weights []float64, classes int) stump {
	features := 0
	if len(x) > 0 {
		features = len(x[0])
	}

	best := stump{Feature: 0, Threshold: 0, Left: majorityClass(y, weights, classes), Right: majorityClass(y, weights, classes)}
	bestErr := math.Inf(1)

	for f := 0; f < features; f++ {
		thresholds := candidateThresholds(x, f)
		for _, th := range thresholds {
			leftVotes := make([]float64, classes)
			rightVotes := make([]float64, classes)
			for i, row := range x {
				if row[f] < th {
					leftVotes[y[i]] += weights[i]
				} else {
					rightVotes[y[i]] += weights[i]
				}
			}
			left := argmaxFloat(leftVotes)
			right := argmaxFloat(rightVotes)

			errSum := 0.0
			for c := 0; c < classes; c++ {
				if c != left {
					errSum += leftVotes[c]
				}
				if c != right {
					errSum += rightVotes[c]
				}
			}
			if errSum < bestErr {
				bestErr = errSum
				best = stump{Feature: f, Threshold: th, Left: left, Right: right}
			}
		}
	}
	return best
}

func candidateThresholds(x [][]float64, feature int) []float64 {
	seen := make(map[float64]struct{})
	var out []float64
	for _, row := range x {
		if feature >= len(row) {
			continue
		}
		if _, ok := seen[row[feature]]; !ok {
			seen[row[feature]] = struct{}{}
			out = append(out, row[feature])
		}
	}
	return out
}

func majorityClass(y []int, weights []float64, classes int) int {
	votes := make([]float64, classes)
	for i, c := range y {
		if c >= 0 && c < classes {
			votes[c] += weights[i]
		}
	}
	return argmaxFloat(votes)
}

func dotBias(w, x []float64) float64 {
	sum := w[len(w)-1]
	for i, v := range x {
		if i < len(w)-1 {
			sum += w[i] * v
		}
	}
	return sum
}

func softmaxInPlace(scores []float64) {
	max := math.Inf(-1)
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	total := 0.0
	for i, s := range scores {
		scores[i] = math.Exp(s - max)
		total += scores[i]
	}
	for i := range scores {
		scores[i] /= total
	}
}

func argmaxInt(v []int) int {
	best, bestVal := 0, -1
	for i, x := range v {
		if x > bestVal {
			best, bestVal = i, x
		}
	}
	return best
}

func argmaxFloat(v []float64) int {
	best, bestVal := 0, math.Inf(-1)
	for i, x := range v {
		if x > bestVal {
			best, bestVal = i, x
		}
	}
	return best
}

func intParam(hp map[string]float64, key string, def int) int {
	if hp == nil {
		return def
	}
	if v, ok := hp[key]; ok && v > 0 {
		return int(v)
	}
	return def
}

func floatParam(hp map[string]float64, key string, def float64) float64 {
	if hp == nil {
		return def
	}
	if v, ok := hp[key]; ok && v > 0 {
		return v
	}
	return def
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
