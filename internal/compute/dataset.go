package compute

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strconv"

	"github.com/decen-ai/platform-backend/internal/models"
)

// splitSeed fixes the train/test shuffle so repeated runs over the same
// dataset produce the same evaluation split.
const splitSeed = 42

// testFraction is the held-out share used for accuracy evaluation.
const testFraction = 0.2

// FeatureSchema records how raw columns map to the numeric feature vector.
// Categorical columns are one-hot encoded with the first category dropped;
// numeric columns pass through as a single feature.
type FeatureSchema struct {
	TargetColumn string              `json:"target_column"`
	Columns      []string            `json:"columns"`
	Categorical  map[string][]string `json:"categorical,omitempty"`
	FeatureNames []string            `json:"feature_names"`
	Classes      []string            `json:"classes"`
}

// Dataset is a parsed, encoded training table.
type Dataset struct {
	Schema   *FeatureSchema
	Features [][]float64
	Labels   []int
}

// ParseDataset decodes a CSV table, derives the feature schema, and encodes
// every row. The target column is label-encoded over its sorted distinct
// values; the remaining columns become numeric or one-hot features.
func ParseDataset(data []byte, targetColumn string) (*Dataset, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, models.NewInvalidConfigError("dataset", fmt.Sprintf("malformed CSV: %v", err))
	}
	if len(rows) < 2 {
		return nil, models.NewInvalidConfigError("dataset", "dataset needs a header and at least one row")
	}

	header := rows[0]
	records := rows[1:]

	targetIdx := -1
	for i, name := range header {
		if name == targetColumn {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return nil, models.NewInvalidConfigError("target_column",
			fmt.Sprintf("column %q not found in dataset", targetColumn))
	}

	schema := &FeatureSchema{
		TargetColumn: targetColumn,
		Categorical:  make(map[string][]string),
	}
	for i, name := range header {
		if i == targetIdx {
			continue
		}
		schema.Columns = append(schema.Columns, name)
		if columnIsNumeric(records, i) {
			schema.FeatureNames = append(schema.FeatureNames, name)
			continue
		}
		categories := distinctValues(records, i)
		schema.Categorical[name] = categories
		// drop the first category to avoid collinear one-hot columns
		for _, category := range categories[1:] {
			schema.FeatureNames = append(schema.FeatureNames, name+"="+category)
		}
	}

	schema.Classes = distinctValues(records, targetIdx)
	classIndex := make(map[string]int, len(schema.Classes))
	for i, class := range schema.Classes {
		classIndex[class] = i
	}

	ds := &Dataset{
		Schema:   schema,
		Features: make([][]float64, 0, len(records)),
		Labels:   make([]int, 0, len(records)),
	}
	for rowNum, record := range records {
		if len(record) != len(header) {
			return nil, models.NewInvalidConfigError("dataset",
				fmt.Sprintf("row %d has %d fields, expected %d", rowNum+2, len(record), len(header)))
		}
		vec, err := encodeRecord(schema, header, targetIdx, record)
		if err != nil {
			return nil, models.NewInvalidConfigError("dataset",
				fmt.Sprintf("row %d: %v", rowNum+2, err))
		}
		ds.Features = append(ds.Features, vec)
		ds.Labels = append(ds.Labels, classIndex[record[targetIdx]])
	}
	return ds, nil
}

// Split shuffles the dataset with a fixed seed and carves off the held-out
// evaluation rows. The test partition is never empty when the dataset has
// more than one row.
func (d *Dataset) Split() (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	n := len(d.Features)
	order := rand.New(rand.NewSource(splitSeed)).Perm(n)

	testSize := int(float64(n) * testFraction)
	if testSize == 0 && n > 1 {
		testSize = 1
	}

	for i, idx := range order {
		if i < testSize {
			testX = append(testX, d.Features[idx])
			testY = append(testY, d.Labels[idx])
		} else {
			trainX = append(trainX, d.Features[idx])
			trainY = append(trainY, d.Labels[idx])
		}
	}
	return trainX, trainY, testX, testY
}

// EncodeInput maps a prediction input onto the schema's feature vector.
// Unknown categorical values encode as all-zero one-hot columns, matching
// the drop-first convention used at training time.
func (s *FeatureSchema) EncodeInput(input map[string]interface{}) ([]float64, error) {
	vec := make([]float64, 0, len(s.FeatureNames))
	for _, column := range s.Columns {
		raw, ok := input[column]
		if !ok {
			return nil, fmt.Errorf("missing feature %q", column)
		}
		categories, isCategorical := s.Categorical[column]
		if !isCategorical {
			v, err := toFloat(raw)
			if err != nil {
				return nil, fmt.Errorf("feature %q: %w", column, err)
			}
			vec = append(vec, v)
			continue
		}
		value := fmt.Sprintf("%v", raw)
		for _, category := range categories[1:] {
			if value == category {
				vec = append(vec, 1)
			} else {
				vec = append(vec, 0)
			}
		}
	}
	return vec, nil
}

func encodeRecord(s *FeatureSchema, header []string, targetIdx int, record []string) ([]float64, error) {
	vec := make([]float64, 0, len(s.FeatureNames))
	for i, name := range header {
		if i == targetIdx {
			continue
		}
		categories, isCategorical := s.Categorical[name]
		if !isCategorical {
			v, err := strconv.ParseFloat(record[i], 64)
			if err != nil {
				return nil, fmt.Errorf("column %q: non-numeric value %q", name, record[i])
			}
			vec = append(vec, v)
			continue
		}
		for _, category := range categories[1:] {
			if record[i] == category {
				vec = append(vec, 1)
			} else {
				vec = append(vec, 0)
			}
		}
	}
	return vec, nil
}

func columnIsNumeric(records [][]string, idx int) bool {
	for _, record := range records {
		if idx >= len(record) {
			return false
		}
		if _, err := strconv.ParseFloat(record[idx], 64); err != nil {
			return false
		}
	}
	return true
}

func distinctValues(records [][]string, idx int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, record := range records {
		if idx >= len(record) {
			continue
		}
		if _, ok := seen[record[idx]]; !ok {
			seen[record[idx]] = struct{}{}
			out = append(out, record[idx])
		}
	}
	sort.Strings(out)
	return out
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric value %q", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}
