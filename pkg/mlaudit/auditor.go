// Package mlaudit implements the RAW-ML Auditor: an independent
// multi-label classifier run over the full scrubbed raw note (never the
// focused text) that buckets per-CPT probabilities into confidence bands
// for cross-checking against the CPT Derivation Engine's output.
package mlaudit

import (
	"context"
	"fmt"

	"github.com/procsuite/procsuite/internal/config"
)

// Bucket is the closed set of confidence bands a prediction can fall into.
type Bucket string

const (
	HighConf Bucket = "HIGH_CONF"
	GrayZone Bucket = "GRAY_ZONE"
	LowConf  Bucket = "LOW_CONF"
)

// Prediction is one CPT's audit prediction.
type Prediction struct {
	CPT         string
	Probability float64
	Bucket      Bucket
}

// Backend is the uniform ML inference interface every backend
// implementation satisfies: `classify(text) -> CasePredictions`.
type Backend interface {
	Classify(ctx context.Context, rawText string) ([]Prediction, error)
	Name() string
}

// Thresholds holds the per-label upper/lower probability cutoffs that
// separate HIGH_CONF / GRAY_ZONE / LOW_CONF, loaded at startup from disk.
type Thresholds struct {
	Upper map[string]float64
	Lower map[string]float64

	defaultUpper float64
	defaultLower float64
}

// Bucket classifies a probability for cpt into its confidence band.
func (t *Thresholds) Bucket(cpt string, probability float64) Bucket {
	upper := t.defaultUpper
	if v, ok := t.Upper[cpt]; ok {
		upper = v
	}
	lower := t.defaultLower
	if v, ok := t.Lower[cpt]; ok {
		lower = v
	}
	switch {
	case probability >= upper:
		return HighConf
	case probability < lower:
		return LowConf
	default:
		return GrayZone
	}
}

// Auditor wraps a Backend with the audit-set-selection policy (buckets
// mode, or top_k + min_prob mode) from §4.7.
type Auditor struct {
	backend    Backend
	thresholds *Thresholds
	settings   *config.Settings
}

// NewAuditor selects a Backend by settings.ModelBackend. onnx/pytorch
// backends require CGO bindings this module does not vendor and have no
// implementation here; selecting either is a fatal startup error.
func NewAuditor(settings *config.Settings, thresholds *Thresholds, bundleDir string) (*Auditor, error) {
	backend, err := selectBackend(settings, bundleDir)
	if err != nil {
		return nil, err
	}
	return &Auditor{backend: backend, thresholds: thresholds, settings: settings}, nil
}

// NewAuditorWithBackend builds an Auditor around an already-constructed
// Backend, bypassing settings.ModelBackend selection. Used by tests and
// by callers (the Hybrid-Policy Orchestrator's test suite) that need a
// deterministic, hand-scripted Backend instead of the real sklearn
// bundle.
func NewAuditorWithBackend(backend Backend, thresholds *Thresholds, settings *config.Settings) *Auditor {
	return &Auditor{backend: backend, thresholds: thresholds, settings: settings}
}

func selectBackend(settings *config.Settings, bundleDir string) (Backend, error) {
	switch settings.ModelBackend {
	case config.ModelBackendSklearn, config.ModelBackendAuto:
		return NewSklearnBackend(bundleDir)
	case config.ModelBackendONNX:
		return nil, fmt.Errorf("mlaudit: MODEL_BACKEND=onnx requires the onnxruntime CGO bindings, which this build does not vendor; select MODEL_BACKEND=sklearn")
	case config.ModelBackendPyTorch:
		return nil, fmt.Errorf("mlaudit: MODEL_BACKEND=pytorch requires libtorch CGO bindings, which this build does not vendor; select MODEL_BACKEND=sklearn")
	default:
		return nil, fmt.Errorf("mlaudit: unsupported MODEL_BACKEND %q", settings.ModelBackend)
	}
}

// Audit runs the backend over rawText (the full scrubbed note, never the
// focused substring — this auditor must stay independent of the
// extraction pipeline's section selection) and returns every prediction
// with its bucket assigned.
func (a *Auditor) Audit(ctx context.Context, rawText string) ([]Prediction, error) {
	predictions, err := a.backend.Classify(ctx, rawText)
	if err != nil {
		return nil, err
	}
	for i := range predictions {
		predictions[i].Bucket = a.thresholds.Bucket(predictions[i].CPT, predictions[i].Probability)
	}
	return predictions, nil
}

// AuditSet selects the subset of predictions that count as "the audit
// set" per the configured selection mode.
func (a *Auditor) AuditSet(predictions []Prediction) []Prediction {
	if a.settings.MLAuditUseBuckets {
		var set []Prediction
		for _, p := range predictions {
			if p.Bucket == HighConf || p.Bucket == GrayZone {
				set = append(set, p)
			}
		}
		return set
	}
	return topKAboveMinProb(predictions, a.settings.TopK, a.settings.MinProb)
}

// SelfCorrectCandidates selects predictions eligible to seed the
// self-correction loop: bucket HIGH_CONF and probability at or above the
// separate self_correct_min_prob threshold.
func (a *Auditor) SelfCorrectCandidates(predictions []Prediction) []Prediction {
	var candidates []Prediction
	for _, p := range predictions {
		if p.Bucket == HighConf && p.Probability >= a.settings.SelfCorrectMinProb {
			candidates = append(candidates, p)
		}
	}
	return candidates
}

func topKAboveMinProb(predictions []Prediction, k int, minProb float64) []Prediction {
	filtered := make([]Prediction, 0, len(predictions))
	for _, p := range predictions {
		if p.Probability >= minProb {
			filtered = append(filtered, p)
		}
	}
	sortByProbabilityDesc(filtered)
	if k > 0 && len(filtered) > k {
		filtered = filtered[:k]
	}
	return filtered
}

func sortByProbabilityDesc(predictions []Prediction) {
	for i := 1; i < len(predictions); i++ {
		for j := i; j > 0 && predictions[j-1].Probability < predictions[j].Probability; j-- {
			predictions[j-1], predictions[j] = predictions[j], predictions[j-1]
		}
	}
}
