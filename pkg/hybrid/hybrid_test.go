package hybrid

import (
	"context"
	"path/filepath"
	"runtime"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/procsuite/procsuite/internal/config"
	"github.com/procsuite/procsuite/pkg/audit/compare"
	"github.com/procsuite/procsuite/pkg/codingservice"
	"github.com/procsuite/procsuite/pkg/coding/derive"
	"github.com/procsuite/procsuite/pkg/llmclient"
	"github.com/procsuite/procsuite/pkg/mlaudit"
)

func repoRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..")
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

func testThresholds() *mlaudit.Thresholds {
	thresholds, err := mlaudit.LoadThresholds(filepath.Join(repoRoot(), "configs", "rules", "thresholds.json"))
	Expect(err).NotTo(HaveOccurred())
	return thresholds
}

func testEngine() *derive.Engine {
	engine, err := derive.NewEngine(filepath.Join(repoRoot(), "configs", "rules"))
	Expect(err).NotTo(HaveOccurred())
	return engine
}

// scriptedBackend always returns the same prediction set regardless of
// input text, letting tests pin the case's difficulty bucket exactly.
type scriptedBackend struct {
	predictions []mlaudit.Prediction
}

func (b *scriptedBackend) Name() string { return "scripted" }
func (b *scriptedBackend) Classify(context.Context, string) ([]mlaudit.Prediction, error) {
	out := make([]mlaudit.Prediction, len(b.predictions))
	copy(out, b.predictions)
	return out, nil
}

// scriptedProvider returns a fixed response regardless of prompt.
type scriptedProvider struct {
	response string
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Complete(context.Context, llmclient.CompletionRequest) (llmclient.CompletionResponse, error) {
	return llmclient.CompletionResponse{Text: p.response}, nil
}

const sampleNote = "PROCEDURE:\nBronchoalveolar lavage performed in the right middle lobe.\n"

var _ = Describe("Orchestrator.Run", func() {
	var settings *config.Settings

	BeforeEach(func() {
		settings = config.NewDefaultSettings()
	})

	It("emits ML codes outright when every prediction is HIGH_CONF", func() {
		backend := &scriptedBackend{predictions: []mlaudit.Prediction{
			{CPT: "31624", Probability: 0.97, Bucket: mlaudit.HighConf},
		}}
		auditor := mlaudit.NewAuditorWithBackend(backend, testThresholds(), settings)
		orch := NewOrchestrator(auditor, testEngine(), llmclient.NewClientWithProvider(settings, testLogger(), &scriptedProvider{}, nil))

		result, err := orch.Run(context.Background(), "proc-1", sampleNote, "bronchoscopy")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Difficulty).To(Equal(compare.DifficultyHigh))
		Expect(result.ReviewFlag).To(Equal(codingservice.ReviewOptional))
		Expect(result.Suggestions).To(HaveLen(1))
		Expect(result.Suggestions[0].Code).To(Equal("31624"))
		Expect(result.Suggestions[0].Source).To(Equal(codingservice.SourceHybrid))
		Expect(result.Suggestions[0].HybridDecision).To(Equal(string(DecisionMLHighConf)))
		Expect(result.Suggestions[0].FinalConfidence).To(Equal(0.95))
	})

	It("invokes the LLM judge and applies its confirmed code list in the gray zone", func() {
		backend := &scriptedBackend{predictions: []mlaudit.Prediction{
			{CPT: "31624", Probability: 0.60, Bucket: mlaudit.GrayZone},
		}}
		auditor := mlaudit.NewAuditorWithBackend(backend, testThresholds(), settings)
		provider := &scriptedProvider{response: `["31624"]`}
		orch := NewOrchestrator(auditor, testEngine(), llmclient.NewClientWithProvider(settings, testLogger(), provider, nil))

		result, err := orch.Run(context.Background(), "proc-2", sampleNote, "bronchoscopy")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ReviewFlag).To(Equal(codingservice.ReviewRecommended))
		Expect(result.Suggestions).To(HaveLen(1))
		Expect(result.Suggestions[0].Code).To(Equal("31624"))
		Expect(result.Suggestions[0].HybridDecision).To(Equal(string(DecisionLLMJudge)))
		Expect(result.Suggestions[0].FinalConfidence).To(Equal(0.80))
	})

	It("falls back to the LLM as primary coder in the low-confidence bucket and requires review", func() {
		backend := &scriptedBackend{predictions: []mlaudit.Prediction{
			{CPT: "31624", Probability: 0.10, Bucket: mlaudit.LowConf},
		}}
		auditor := mlaudit.NewAuditorWithBackend(backend, testThresholds(), settings)
		provider := &scriptedProvider{response: `["31624"]`}
		orch := NewOrchestrator(auditor, testEngine(), llmclient.NewClientWithProvider(settings, testLogger(), provider, nil))

		result, err := orch.Run(context.Background(), "proc-3", sampleNote, "bronchoscopy")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ReviewFlag).To(Equal(codingservice.ReviewRequired))
		Expect(result.Suggestions).To(HaveLen(1))
		Expect(result.Suggestions[0].HybridDecision).To(Equal(string(DecisionLLMPrimary)))
		Expect(result.Suggestions[0].EvidenceVerified).To(BeFalse())
	})

	It("suppresses a bundled code via the same NCCI policy the derivation engine uses", func() {
		backend := &scriptedBackend{predictions: []mlaudit.Prediction{
			{CPT: "32557", Probability: 0.97, Bucket: mlaudit.HighConf},
			{CPT: "32555", Probability: 0.96, Bucket: mlaudit.HighConf},
		}}
		auditor := mlaudit.NewAuditorWithBackend(backend, testThresholds(), settings)
		orch := NewOrchestrator(auditor, testEngine(), llmclient.NewClientWithProvider(settings, testLogger(), &scriptedProvider{}, nil))

		note := "PROCEDURE:\nThoracentesis performed with ultrasound guidance and an indwelling pleural catheter was placed.\n"
		result, err := orch.Run(context.Background(), "proc-4", note, "pleural_procedure")
		Expect(err).NotTo(HaveOccurred())

		var codes []string
		for _, s := range result.Suggestions {
			codes = append(codes, s.Code)
		}
		Expect(len(codes)).To(BeNumerically("<", 2), "one thoracentesis code should have been bundled away")
	})
})
