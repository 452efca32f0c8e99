package llmclient

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/procsuite/procsuite/internal/config"
)

type fakeCache struct {
	store map[string]string
	hits  int
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: map[string]string{}}
}

func (c *fakeCache) Get(_ context.Context, key string) (string, bool) {
	v, ok := c.store[key]
	if ok {
		c.hits++
	}
	return v, ok
}

func (c *fakeCache) Set(_ context.Context, key string, value string, _ time.Duration) {
	c.store[key] = value
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

var _ = Describe("NewProvider", func() {
	It("rejects an unsupported provider", func() {
		settings := config.NewDefaultSettings()
		settings.LLMProvider = "invalid"
		_, err := NewProvider(settings)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("unsupported provider"))
	})

	It("builds a stub provider with no external credentials", func() {
		settings := config.NewDefaultSettings()
		settings.LLMProvider = config.LLMProviderStub
		provider, err := NewProvider(settings)
		Expect(err).NotTo(HaveOccurred())
		Expect(provider.Name()).To(Equal("stub"))
	})
})

var _ = Describe("Client", func() {
	var (
		settings *config.Settings
		client   *Client
		cache    *fakeCache
	)

	BeforeEach(func() {
		settings = config.NewDefaultSettings()
		settings.LLMTimeout = 2 * time.Second
		cache = newFakeCache()
		client = NewClientWithProvider(settings, testLogger(), NewStubProvider(), cache)
	})

	It("completes a request through the stub provider", func() {
		resp, err := client.Complete(context.Background(), CompletionRequest{Prompt: "extract fields from note"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Text).To(ContainSubstring("stub_digest"))
	})

	It("serves a repeated identical request from cache", func() {
		req := CompletionRequest{Prompt: "extract fields from note"}
		_, err := client.Complete(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Complete(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.ModelVersion).To(Equal("cache"))
		Expect(cache.hits).To(Equal(1))
	})

	It("produces distinct cache keys for distinct prompts", func() {
		_, err := client.Complete(context.Background(), CompletionRequest{Prompt: "prompt A"})
		Expect(err).NotTo(HaveOccurred())
		_, err = client.Complete(context.Background(), CompletionRequest{Prompt: "prompt B"})
		Expect(err).NotTo(HaveOccurred())
		Expect(cache.hits).To(Equal(0))
		Expect(len(cache.store)).To(Equal(2))
	})
})
