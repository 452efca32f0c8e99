package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "procsuite-config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when config file exists with valid content", func() {
			BeforeEach(func() {
				validConfig := `
pipeline_mode: "extraction_first"
extraction_engine: "engine"
auditor_source: "raw_ml"
model_backend: "sklearn"
llm_provider: "anthropic"
ml_audit_use_buckets: true
top_k: 10
min_prob: 0.6
self_correct_enabled: true
self_correct_min_prob: 0.9
self_correct_max_attempts: 2
self_correct_max_patch_ops: 3
llm_concurrency: 4
llm_timeout: 45s
registry_task_timeout: 120s
rules_dir: "configs/rules"
schema_path: "configs/schema/registry_schema.json"
`
				err := os.WriteFile(configFile, []byte(validConfig), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should load configuration successfully", func() {
				settings, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(settings).NotTo(BeNil())
				Expect(settings.PipelineMode).To(Equal(PipelineModeExtractionFirst))
				Expect(settings.ExtractionEngine).To(Equal(EngineDeterministicPlusLLM))
				Expect(settings.AuditorSource).To(Equal(AuditorSourceRawML))
				Expect(settings.ModelBackend).To(Equal(ModelBackendSklearn))
				Expect(settings.TopK).To(Equal(10))
				Expect(settings.MinProb).To(Equal(0.6))
				Expect(settings.SelfCorrectEnabled).To(BeTrue())
				Expect(settings.SelfCorrectMaxAttempts).To(Equal(2))
				Expect(settings.LLMConcurrency).To(Equal(4))
				Expect(settings.LLMTimeout).To(Equal(45 * time.Second))
			})

			It("should retain built-in defaults for fields absent from the file", func() {
				settings, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())
				Expect(settings.SelfCorrectAllowlist).To(Equal(DefaultAllowlist))
				Expect(settings.CacheTTL).To(Equal(15 * time.Minute))
			})
		})

		Context("when config file does not exist", func() {
			It("should return an error", func() {
				settings, err := Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).To(HaveOccurred())
				Expect(settings).To(BeNil())
			})
		})

		Context("when config file has invalid YAML", func() {
			BeforeEach(func() {
				err := os.WriteFile(configFile, []byte("pipeline_mode: [invalid"), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return a parse error", func() {
				settings, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(settings).To(BeNil())
			})
		})

		Context("when config file sets an unsupported pipeline_mode", func() {
			BeforeEach(func() {
				err := os.WriteFile(configFile, []byte(`pipeline_mode: "legacy_v0"`), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should fail validation", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("pipeline_mode"))
			})
		})

		Context("when config file sets an unsupported model_backend", func() {
			BeforeEach(func() {
				err := os.WriteFile(configFile, []byte(`model_backend: "tensorflow"`), 0644)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should fail validation", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("model_backend"))
			})
		})
	})

	Describe("loadFromEnv", func() {
		BeforeEach(func() {
			err := os.WriteFile(configFile, []byte(`pipeline_mode: "current"`), 0644)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			os.Unsetenv("PROCSUITE_PIPELINE_MODE")
			os.Unsetenv("REGISTRY_AUDITOR_SOURCE")
			os.Unsetenv("MAX_ATTEMPTS")
			os.Unsetenv("MIN_PROB")
		})

		It("should let environment variables override file values", func() {
			os.Setenv("PROCSUITE_PIPELINE_MODE", "extraction_first")
			os.Setenv("REGISTRY_AUDITOR_SOURCE", "disabled")
			os.Setenv("MAX_ATTEMPTS", "7")
			os.Setenv("MIN_PROB", "0.33")

			settings, err := Load(configFile)
			Expect(err).NotTo(HaveOccurred())
			Expect(settings.PipelineMode).To(Equal(PipelineModeExtractionFirst))
			Expect(settings.AuditorSource).To(Equal(AuditorSourceDisabled))
			Expect(settings.SelfCorrectMaxAttempts).To(Equal(7))
			Expect(settings.MinProb).To(Equal(0.33))
		})

		It("should surface a configuration error for a malformed numeric override", func() {
			os.Setenv("MIN_PROB", "not-a-float")
			_, err := Load(configFile)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("MIN_PROB"))
		})
	})

	Describe("validate", func() {
		It("should reject zero llm_concurrency", func() {
			s := NewDefaultSettings()
			s.LLMConcurrency = 0
			Expect(validate(s)).To(HaveOccurred())
		})

		It("should reject a negative self_correct_max_attempts", func() {
			s := NewDefaultSettings()
			s.SelfCorrectMaxAttempts = -1
			Expect(validate(s)).To(HaveOccurred())
		})

		It("should reject a self_correct_min_prob outside [0,1]", func() {
			s := NewDefaultSettings()
			s.SelfCorrectMinProb = 1.5
			Expect(validate(s)).To(HaveOccurred())
		})

		It("should require top_k and min_prob when buckets mode is disabled", func() {
			s := NewDefaultSettings()
			s.MLAuditUseBuckets = false
			s.TopK = 0
			Expect(validate(s)).To(HaveOccurred())
		})

		It("should accept the default settings", func() {
			s := NewDefaultSettings()
			Expect(validate(s)).NotTo(HaveOccurred())
		})
	})

	Describe("NewDefaultSettings", func() {
		It("should match the documented defaults", func() {
			s := NewDefaultSettings()
			Expect(s.PipelineMode).To(Equal(PipelineModeCurrent))
			Expect(s.AuditorSource).To(Equal(AuditorSourceRawML))
			Expect(s.TopK).To(Equal(25))
			Expect(s.MinProb).To(Equal(0.50))
			Expect(s.SelfCorrectEnabled).To(BeFalse())
			Expect(s.SelfCorrectMaxAttempts).To(Equal(1))
			Expect(s.SelfCorrectMaxPatchOps).To(Equal(5))
			Expect(s.LLMConcurrency).To(Equal(2))
		})
	})
})
