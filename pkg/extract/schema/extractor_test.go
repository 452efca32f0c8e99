package schema

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/procsuite/procsuite/internal/config"
	"github.com/procsuite/procsuite/pkg/llmclient"
)

// scriptedProvider returns one canned response per call, in order, so
// tests can exercise the one-repair-retry path deterministically.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, _ llmclient.CompletionRequest) (llmclient.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	text := p.responses[p.calls]
	p.calls++
	return llmclient.CompletionResponse{Text: text}, nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

var _ = Describe("Extractor", func() {
	var settings *config.Settings

	BeforeEach(func() {
		settings = config.NewDefaultSettings()
		settings.LLMTimeout = settings.LLMTimeout // keep default
	})

	It("extracts a record from a well-formed first response", func() {
		provider := &scriptedProvider{responses: []string{
			`{"procedures_performed":{"linear_ebus":{"performed":true}}}`,
		}}
		client := llmclient.NewClientWithProvider(settings, testLogger(), provider, nil)
		extractor := NewExtractor(client, settings)

		record, warnings, err := extractor.Extract(context.Background(), "EBUS-TBNA performed at station 7.")
		Expect(err).NotTo(HaveOccurred())
		Expect(warnings).To(BeEmpty())
		Expect(record.IsPerformed("linear_ebus")).To(BeTrue())
	})

	It("retries once with a repair instruction when the first response is not JSON", func() {
		provider := &scriptedProvider{responses: []string{
			"sorry, here's a summary instead of JSON",
			`{"procedures_performed":{"bal":{"performed":true}}}`,
		}}
		client := llmclient.NewClientWithProvider(settings, testLogger(), provider, nil)
		extractor := NewExtractor(client, settings)

		record, warnings, err := extractor.Extract(context.Background(), "BAL was performed in the RML.")
		Expect(err).NotTo(HaveOccurred())
		Expect(warnings).To(ContainElement(ContainSubstring("SCHEMA_EXTRACT_REPAIR")))
		Expect(record.IsPerformed("bal")).To(BeTrue())
		Expect(provider.calls).To(Equal(2))
	})

	It("fails after the repair retry is also malformed", func() {
		provider := &scriptedProvider{responses: []string{
			"not json",
			"still not json",
		}}
		client := llmclient.NewClientWithProvider(settings, testLogger(), provider, nil)
		extractor := NewExtractor(client, settings)

		_, _, err := extractor.Extract(context.Background(), "some note text")
		Expect(err).To(HaveOccurred())
	})

	It("never flags a procedure performed when the LLM response omits it", func() {
		provider := &scriptedProvider{responses: []string{`{}`}}
		client := llmclient.NewClientWithProvider(settings, testLogger(), provider, nil)
		extractor := NewExtractor(client, settings)

		record, _, err := extractor.Extract(context.Background(), "patient presented for evaluation")
		Expect(err).NotTo(HaveOccurred())
		Expect(record.IsPerformed("linear_ebus")).To(BeFalse())
	})
})
