package selfcorrect

import (
	"context"
	"path/filepath"
	"runtime"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/procsuite/procsuite/internal/config"
	"github.com/procsuite/procsuite/pkg/coding/derive"
	"github.com/procsuite/procsuite/pkg/llmclient"
	"github.com/procsuite/procsuite/pkg/mlaudit"
	"github.com/procsuite/procsuite/pkg/registryrecord"
)

func rulesDirPath() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "configs", "rules")
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

// scriptedProvider returns a fixed response regardless of prompt, enough
// to drive the judge step deterministically in tests.
type scriptedProvider struct {
	response string
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Complete(context.Context, llmclient.CompletionRequest) (llmclient.CompletionResponse, error) {
	return llmclient.CompletionResponse{Text: p.response}, nil
}

func newEngine() *derive.Engine {
	engine, err := derive.NewEngine(rulesDirPath())
	Expect(err).NotTo(HaveOccurred())
	return engine
}

var _ = Describe("Loop.Run", func() {
	var settings *config.Settings

	BeforeEach(func() {
		settings = config.NewDefaultSettings()
		settings.SelfCorrectEnabled = true
	})

	It("skips with SELF_CORRECT_SKIPPED when self-correction is disabled", func() {
		settings.SelfCorrectEnabled = false
		loop := NewLoop(llmclient.NewClientWithProvider(settings, testLogger(), &scriptedProvider{}, nil), settings, newEngine())

		result, err := loop.Run(context.Background(), "BAL performed in RML.", registryrecord.NewRecord(), []mlaudit.Prediction{
			{CPT: "31624", Probability: 0.97, Bucket: mlaudit.HighConf},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Warnings).To(ContainElement(ContainSubstring("SELF_CORRECT_SKIPPED")))
		Expect(result.CodesAdded).To(BeEmpty())
	})

	It("applies a judge-confirmed patch, re-propagates and re-derives (S6)", func() {
		note := "Bronchoalveolar lavage was performed in the right middle lobe."
		provider := &scriptedProvider{response: `{"json_patch":[{"op":"replace","path":"/procedures_performed/bal/performed","value":true}],"evidence_quote":"Bronchoalveolar lavage was performed in the right middle lobe.","rationale":"note explicitly describes BAL"}`}
		loop := NewLoop(llmclient.NewClientWithProvider(settings, testLogger(), provider, nil), settings, newEngine())

		record := registryrecord.NewRecord()
		result, err := loop.Run(context.Background(), note, record, []mlaudit.Prediction{
			{CPT: "31624", Probability: 0.97, Bucket: mlaudit.HighConf},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.CodesAdded).To(ContainElement("31624"))
		Expect(result.Record.IsPerformed("bal")).To(BeTrue())
		Expect(result.Warnings).To(ContainElement("AUTO_CORRECTED: 31624"))
		Expect(result.DerivedCPT.Codes).To(ContainElement("31624"))
		Expect(result.Metadata).To(HaveLen(1))
		Expect(result.Metadata[0].Trigger).To(Equal("31624"))
		Expect(result.Metadata[0].AppliedPaths).To(ContainElement("/procedures_performed/bal/performed"))
		Expect(result.Metadata[0].EvidenceQuotes).To(ContainElement(ContainSubstring("Bronchoalveolar lavage")))
	})

	It("applies a two-op patch (performed + granular stations) and accepts only because the station count clears the re-derivation threshold (S6, 31653)", func() {
		note := "Linear EBUS bronchoscopy. Station 4R sampled, adequate. Station 7 sampled, adequate. Station 11L sampled, adequate."
		provider := &scriptedProvider{response: `{"json_patch":[` +
			`{"op":"replace","path":"/procedures_performed/linear_ebus/performed","value":true},` +
			`{"op":"add","path":"/granular_data/linear_ebus/stations_sampled","value":[{"station":"4R","adequate":true},{"station":"7","adequate":true},{"station":"11L","adequate":true}]}` +
			`],"evidence_quote":"Station 4R sampled, adequate.","rationale":"three stations documented as sampled"}`}
		loop := NewLoop(llmclient.NewClientWithProvider(settings, testLogger(), provider, nil), settings, newEngine())

		result, err := loop.Run(context.Background(), note, registryrecord.NewRecord(), []mlaudit.Prediction{
			{CPT: "31653", Probability: 0.97, Bucket: mlaudit.HighConf},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.CodesAdded).To(ContainElement("31653"))
		Expect(result.Warnings).To(ContainElement("AUTO_CORRECTED: 31653"))
		Expect(result.DerivedCPT.Codes).To(ContainElement("31653"))
		Expect(result.Metadata[0].AppliedPaths).To(ContainElement("/granular_data/linear_ebus/stations_sampled"))
	})

	It("rejects a patch whose evidence_quote is not a verbatim substring of the note", func() {
		provider := &scriptedProvider{response: `{"json_patch":[{"op":"replace","path":"/procedures_performed/bal/performed","value":true}],"evidence_quote":"a quote that never appears in the note","rationale":"..."}`}
		loop := NewLoop(llmclient.NewClientWithProvider(settings, testLogger(), provider, nil), settings, newEngine())

		result, err := loop.Run(context.Background(), "Bronchoalveolar lavage was performed.", registryrecord.NewRecord(), []mlaudit.Prediction{
			{CPT: "31624", Probability: 0.97, Bucket: mlaudit.HighConf},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Warnings).To(ContainElement(ContainSubstring("evidence_quote is not a substring")))
		Expect(result.CodesAdded).To(BeEmpty())
	})

	It("rejects a single performed-only patch for a code whose derivation needs more than the performed flag", func() {
		note := "Linear EBUS bronchoscopy performed, one station sampled."
		provider := &scriptedProvider{response: `{"json_patch":[{"op":"replace","path":"/procedures_performed/linear_ebus/performed","value":true}],"evidence_quote":"Linear EBUS bronchoscopy performed","rationale":"ebus mentioned"}`}
		loop := NewLoop(llmclient.NewClientWithProvider(settings, testLogger(), provider, nil), settings, newEngine())

		result, err := loop.Run(context.Background(), note, registryrecord.NewRecord(), []mlaudit.Prediction{
			{CPT: "31653", Probability: 0.97, Bucket: mlaudit.HighConf},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Warnings).To(ContainElement(ContainSubstring("not present in re-derived codes after patch")))
		Expect(result.CodesAdded).To(BeEmpty())
	})

	It("drops a candidate that fails the keyword guard without calling the judge", func() {
		provider := &scriptedProvider{response: `[]`}
		loop := NewLoop(llmclient.NewClientWithProvider(settings, testLogger(), provider, nil), settings, newEngine())

		result, err := loop.Run(context.Background(), "Patient tolerated the procedure well.", registryrecord.NewRecord(), []mlaudit.Prediction{
			{CPT: "31624", Probability: 0.97, Bucket: mlaudit.HighConf},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Warnings).To(ContainElement(ContainSubstring("failed keyword guard")))
		Expect(result.CodesAdded).To(BeEmpty())
	})

	It("rejects a judge-proposed patch that targets a field outside the allowlist", func() {
		provider := &scriptedProvider{response: `[{"op":"replace","path":"/demographics/sex","value":true}]`}
		loop := NewLoop(llmclient.NewClientWithProvider(settings, testLogger(), provider, nil), settings, newEngine())

		result, err := loop.Run(context.Background(), "BAL lavage performed.", registryrecord.NewRecord(), []mlaudit.Prediction{
			{CPT: "31624", Probability: 0.97, Bucket: mlaudit.HighConf},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Warnings).To(ContainElement(ContainSubstring("rejected")))
		Expect(result.CodesAdded).To(BeEmpty())
	})

	It("stops once max_attempts is reached", func() {
		settings.SelfCorrectMaxAttempts = 1
		provider := &scriptedProvider{response: `[]`}
		loop := NewLoop(llmclient.NewClientWithProvider(settings, testLogger(), provider, nil), settings, newEngine())

		result, err := loop.Run(context.Background(), "BAL lavage performed. Brushings performed.", registryrecord.NewRecord(), []mlaudit.Prediction{
			{CPT: "31624", Probability: 0.98, Bucket: mlaudit.HighConf},
			{CPT: "31623", Probability: 0.97, Bucket: mlaudit.HighConf},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Attempts).To(Equal(1))
		Expect(result.Warnings).To(ContainElement(ContainSubstring("max_attempts")))
	})
})
