// Package config loads the pipeline's immutable settings struct once at
// startup from a YAML file overlaid with environment variables. No
// package-level mutable state exists; every component receives a *Settings
// by reference from its constructor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// PipelineMode selects between the extraction-first pipeline and the
// legacy hybrid-policy orchestrator.
type PipelineMode string

const (
	PipelineModeCurrent         PipelineMode = "current"
	PipelineModeExtractionFirst PipelineMode = "extraction_first"
)

// ExtractionEngine selects how the Registry Record is assembled.
type ExtractionEngine string

const (
	EngineDeterministicPlusLLM ExtractionEngine = "engine"
	EngineAgentsFocusThenEngine ExtractionEngine = "agents_focus_then_engine"
	EngineAgentsStructurer      ExtractionEngine = "agents_structurer"
)

// AuditorSource selects the RAW-ML auditor's data source.
type AuditorSource string

const (
	AuditorSourceRawML    AuditorSource = "raw_ml"
	AuditorSourceDisabled AuditorSource = "disabled"
)

// ModelBackend selects the ML inference backend implementation.
type ModelBackend string

const (
	ModelBackendONNX    ModelBackend = "onnx"
	ModelBackendPyTorch ModelBackend = "pytorch"
	ModelBackendAuto    ModelBackend = "auto"
	ModelBackendSklearn ModelBackend = "sklearn"
)

// LLMProvider selects the LLM backend used for schema-guided extraction and
// self-correction judging.
type LLMProvider string

const (
	LLMProviderAnthropic LLMProvider = "anthropic"
	LLMProviderBedrock   LLMProvider = "bedrock"
	LLMProviderMistral   LLMProvider = "mistral"
	LLMProviderStub      LLMProvider = "stub"
)

// Settings is the immutable, process-wide configuration struct. It is
// constructed once via Load (or NewDefaultSettings for tests) and passed
// by reference to every component constructor.
type Settings struct {
	PipelineMode      PipelineMode      `yaml:"pipeline_mode"`
	ExtractionEngine  ExtractionEngine  `yaml:"extraction_engine"`
	AuditorSource     AuditorSource     `yaml:"auditor_source"`
	ModelBackend      ModelBackend      `yaml:"model_backend"`
	LLMProvider       LLMProvider       `yaml:"llm_provider"`

	MLAuditUseBuckets bool    `yaml:"ml_audit_use_buckets"`
	TopK              int     `yaml:"top_k"`
	MinProb           float64 `yaml:"min_prob"`

	SelfCorrectEnabled     bool     `yaml:"self_correct_enabled"`
	SelfCorrectMinProb     float64  `yaml:"self_correct_min_prob"`
	SelfCorrectMaxAttempts int      `yaml:"self_correct_max_attempts"`
	SelfCorrectMaxPatchOps int      `yaml:"self_correct_max_patch_ops"`
	SelfCorrectAllowlist   []string `yaml:"self_correct_allowlist"`

	LLMConcurrency      int           `yaml:"llm_concurrency"`
	LLMTimeout          time.Duration `yaml:"llm_timeout"`
	RegistryTaskTimeout time.Duration `yaml:"registry_task_timeout"`

	RulesDir       string `yaml:"rules_dir"`
	SchemaPath     string `yaml:"schema_path"`
	ThresholdsPath string `yaml:"thresholds_path"`
	ModelBundleDir string `yaml:"model_bundle_dir"`

	RedisAddr  string `yaml:"redis_addr"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// DefaultAllowlist is the built-in set of JSON Pointers self-correction
// patches may target. It is generous enough to cover the "performed" flag
// and granular evidence arrays for every procedure family, but excludes
// demographics, complications and disposition: self-correction only ever
// adds missed *procedures*.
var DefaultAllowlist = []string{
	"/procedures_performed/linear_ebus/performed",
	"/procedures_performed/linear_ebus/stations_sampled_count",
	"/procedures_performed/radial_ebus/performed",
	"/procedures_performed/bal/performed",
	"/procedures_performed/bronchial_wash/performed",
	"/procedures_performed/brushings/performed",
	"/procedures_performed/endobronchial_biopsy/performed",
	"/procedures_performed/tbna_conventional/performed",
	"/procedures_performed/transbronchial_biopsy/performed",
	"/procedures_performed/transbronchial_cryobiopsy/performed",
	"/procedures_performed/navigational_bronchoscopy/performed",
	"/procedures_performed/airway_dilation/performed",
	"/procedures_performed/airway_stent/performed",
	"/procedures_performed/thermal_ablation/performed",
	"/procedures_performed/tumor_debulking_non_thermal/performed",
	"/procedures_performed/cryotherapy/performed",
	"/procedures_performed/blvr/performed",
	"/procedures_performed/bronchial_thermoplasty/performed",
	"/procedures_performed/foreign_body_removal/performed",
	"/procedures_performed/rigid_bronchoscopy/performed",
	"/procedures_performed/whole_lung_lavage/performed",
	"/pleural_procedures/thoracentesis/performed",
	"/pleural_procedures/chest_tube/performed",
	"/pleural_procedures/ipc/performed",
	"/pleural_procedures/medical_thoracoscopy/performed",
	"/pleural_procedures/pleurodesis/performed",
	"/pleural_procedures/pleural_biopsy/performed",
	"/pleural_procedures/fibrinolytic_therapy/performed",
	"/granular_data/linear_ebus/stations_sampled",
	"/granular_data/tblb/sites",
	"/granular_data/stents",
	"/granular_data/valves",
}

// NewDefaultSettings returns Settings populated with their documented
// defaults.
func NewDefaultSettings() *Settings {
	allowlist := make([]string, len(DefaultAllowlist))
	copy(allowlist, DefaultAllowlist)

	return &Settings{
		PipelineMode:     PipelineModeCurrent,
		ExtractionEngine: EngineDeterministicPlusLLM,
		AuditorSource:    AuditorSourceRawML,
		ModelBackend:     ModelBackendAuto,
		LLMProvider:      LLMProviderAnthropic,

		MLAuditUseBuckets: true,
		TopK:              25,
		MinProb:           0.50,

		SelfCorrectEnabled:     false,
		SelfCorrectMinProb:     0.95,
		SelfCorrectMaxAttempts: 1,
		SelfCorrectMaxPatchOps: 5,
		SelfCorrectAllowlist:   allowlist,

		LLMConcurrency:      2,
		LLMTimeout:          60 * time.Second,
		RegistryTaskTimeout: 180 * time.Second,

		RulesDir:       "configs/rules",
		SchemaPath:     "configs/schema/registry_schema.json",
		ThresholdsPath: "configs/rules/thresholds.json",
		ModelBundleDir: "configs/model_bundle",

		RedisAddr: "",
		CacheTTL:  15 * time.Minute,
	}
}

// Load reads a YAML settings file, overlays environment variables, and
// validates the result. It never mutates global state; the returned
// *Settings is the sole owner of its values.
func Load(path string) (*Settings, error) {
	settings := NewDefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pserrors.FailedTo("read config file", err)
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, pserrors.FailedTo("parse config file", err)
	}
	if err := loadFromEnv(settings); err != nil {
		return nil, err
	}
	if err := validate(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// loadFromEnv overlays PROCSUITE_*/REGISTRY_*/LLM_* environment variables
// onto settings that were already populated from file (or defaults).
func loadFromEnv(s *Settings) error {
	if v := os.Getenv("PROCSUITE_PIPELINE_MODE"); v != "" {
		s.PipelineMode = PipelineMode(v)
	}
	if v := os.Getenv("REGISTRY_EXTRACTION_ENGINE"); v != "" {
		s.ExtractionEngine = ExtractionEngine(v)
	}
	if v := os.Getenv("REGISTRY_AUDITOR_SOURCE"); v != "" {
		s.AuditorSource = AuditorSource(v)
	}
	if v := os.Getenv("REGISTRY_ML_AUDIT_USE_BUCKETS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return pserrors.ConfigurationError("REGISTRY_ML_AUDIT_USE_BUCKETS", err.Error())
		}
		s.MLAuditUseBuckets = b
	}
	if v := os.Getenv("TOP_K"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return pserrors.ConfigurationError("TOP_K", err.Error())
		}
		s.TopK = n
	}
	if v := os.Getenv("MIN_PROB"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return pserrors.ConfigurationError("MIN_PROB", err.Error())
		}
		s.MinProb = f
	}
	if v := os.Getenv("REGISTRY_ML_SELF_CORRECT_MIN_PROB"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return pserrors.ConfigurationError("REGISTRY_ML_SELF_CORRECT_MIN_PROB", err.Error())
		}
		s.SelfCorrectMinProb = f
	}
	if v := os.Getenv("REGISTRY_SELF_CORRECT_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return pserrors.ConfigurationError("REGISTRY_SELF_CORRECT_ENABLED", err.Error())
		}
		s.SelfCorrectEnabled = b
	}
	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return pserrors.ConfigurationError("MAX_ATTEMPTS", err.Error())
		}
		s.SelfCorrectMaxAttempts = n
	}
	if v := os.Getenv("MAX_PATCH_OPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return pserrors.ConfigurationError("MAX_PATCH_OPS", err.Error())
		}
		s.SelfCorrectMaxPatchOps = n
	}
	if v := os.Getenv("LLM_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return pserrors.ConfigurationError("LLM_CONCURRENCY", err.Error())
		}
		s.LLMConcurrency = n
	}
	if v := os.Getenv("LLM_TIMEOUT_S"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return pserrors.ConfigurationError("LLM_TIMEOUT_S", err.Error())
		}
		s.LLMTimeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("MODEL_BACKEND"); v != "" {
		s.ModelBackend = ModelBackend(v)
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		s.LLMProvider = LLMProvider(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		s.RedisAddr = v
	}
	return nil
}

// validate enforces the closed-set configuration rules. Fatal
// misconfiguration is detected here, at startup, never at request time.
func validate(s *Settings) error {
	switch s.PipelineMode {
	case PipelineModeCurrent, PipelineModeExtractionFirst:
	default:
		return pserrors.ConfigurationError("pipeline_mode", fmt.Sprintf("unsupported mode: %s", s.PipelineMode))
	}

	switch s.ExtractionEngine {
	case EngineDeterministicPlusLLM, EngineAgentsFocusThenEngine, EngineAgentsStructurer:
	default:
		return pserrors.ConfigurationError("extraction_engine", fmt.Sprintf("unsupported engine: %s", s.ExtractionEngine))
	}

	switch s.AuditorSource {
	case AuditorSourceRawML, AuditorSourceDisabled:
	default:
		return pserrors.ConfigurationError("auditor_source", fmt.Sprintf("unsupported source: %s", s.AuditorSource))
	}

	switch s.ModelBackend {
	case ModelBackendONNX, ModelBackendPyTorch, ModelBackendAuto, ModelBackendSklearn:
	default:
		return pserrors.ConfigurationError("model_backend", fmt.Sprintf("unsupported backend: %s", s.ModelBackend))
	}

	switch s.LLMProvider {
	case LLMProviderAnthropic, LLMProviderBedrock, LLMProviderMistral, LLMProviderStub:
	default:
		return pserrors.ConfigurationError("llm_provider", fmt.Sprintf("unsupported provider: %s", s.LLMProvider))
	}

	if s.LLMConcurrency <= 0 {
		return pserrors.ConfigurationError("llm_concurrency", "must be greater than 0")
	}
	if s.SelfCorrectMaxAttempts < 0 {
		return pserrors.ConfigurationError("self_correct_max_attempts", "must not be negative")
	}
	if s.SelfCorrectMaxPatchOps <= 0 {
		return pserrors.ConfigurationError("self_correct_max_patch_ops", "must be greater than 0")
	}
	if !s.MLAuditUseBuckets {
		if s.TopK <= 0 {
			return pserrors.ConfigurationError("top_k", "must be greater than 0 when buckets mode is disabled")
		}
		if s.MinProb < 0 || s.MinProb > 1 {
			return pserrors.ConfigurationError("min_prob", "must be between 0.0 and 1.0")
		}
	}
	if s.SelfCorrectMinProb < 0 || s.SelfCorrectMinProb > 1 {
		return pserrors.ConfigurationError("self_correct_min_prob", "must be between 0.0 and 1.0")
	}

	return nil
}
