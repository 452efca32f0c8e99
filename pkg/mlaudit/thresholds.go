package mlaudit

import (
	"encoding/json"
	"os"

	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// thresholdsFile mirrors the on-disk per-label audit threshold document
// loaded at startup.
type thresholdsFile struct {
	DefaultUpper float64            `json:"default_upper"`
	DefaultLower float64            `json:"default_lower"`
	Upper        map[string]float64 `json:"upper"`
	Lower        map[string]float64 `json:"lower"`
}

// LoadThresholds reads per-label thresholds from path. Missing or
// malformed thresholds are a fatal startup error.
func LoadThresholds(path string) (*Thresholds, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pserrors.FailedTo("load audit thresholds", err)
	}
	var file thresholdsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, pserrors.FailedTo("parse audit thresholds", err)
	}
	if file.DefaultUpper <= file.DefaultLower {
		return nil, pserrors.ConfigurationError("thresholds", "default_upper must be greater than default_lower")
	}
	return &Thresholds{
		Upper:        file.Upper,
		Lower:        file.Lower,
		defaultUpper: file.DefaultUpper,
		defaultLower: file.DefaultLower,
	}, nil
}
