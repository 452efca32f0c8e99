package llmclient

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/procsuite/procsuite/internal/config"
	"github.com/procsuite/procsuite/pkg/metrics"
	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// Cache is the response-caching dependency the Client optionally uses. It
// is satisfied by pkg/cache; nil caching is handled via noopCache so
// llmclient has no hard dependency on the cache package.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key string, value string, ttl time.Duration)
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (string, bool)    { return "", false }
func (noopCache) Set(context.Context, string, string, time.Duration) {}

// Client is the shared LLM client every component that calls the LLM uses:
// the Schema-Guided Extractor and the Self-Correction Loop's judge step.
// It bounds process-wide concurrency with a semaphore, trips a circuit
// breaker on sustained upstream failure, retries transient errors with
// exponential backoff, and caches responses keyed on prompt content.
type Client struct {
	provider Provider
	settings *config.Settings
	logger   *logrus.Logger
	sem      *semaphore.Weighted
	breaker  *gobreaker.CircuitBreaker
	cache    Cache
}

// NewClient builds a Client around settings' configured provider,
// generalized to procsuite's multi-provider settings.
func NewClient(settings *config.Settings, logger *logrus.Logger) (*Client, error) {
	provider, err := NewProvider(settings)
	if err != nil {
		return nil, err
	}
	return NewClientWithProvider(settings, logger, provider, noopCache{}), nil
}

// NewClientWithProvider builds a Client around an already-constructed
// Provider and Cache, used by tests to inject a StubProvider or an
// in-memory cache.
func NewClientWithProvider(settings *config.Settings, logger *logrus.Logger, provider Provider, cache Cache) *Client {
	if cache == nil {
		cache = noopCache{}
	}

	breakerSettings := gobreaker.Settings{
		Name:        "llmclient." + provider.Name(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		provider: provider,
		settings: settings,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(settings.LLMConcurrency)),
		breaker:  gobreaker.NewCircuitBreaker(breakerSettings),
		cache:    cache,
	}
}

// Complete runs one LLM call: cache lookup, semaphore-bounded, circuit-
// breaker-protected, retried with exponential backoff honoring the
// configured llm_timeout as the overall deadline.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	provider := c.provider.Name()
	cacheKey := c.cacheKey(req)
	if cached, ok := c.cache.Get(ctx, cacheKey); ok {
		metrics.LLMCacheHitsTotal.Inc()
		return CompletionResponse{Text: cached, ModelVersion: "cache"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.settings.LLMTimeout)
	defer cancel()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return CompletionResponse{}, pserrors.TimeoutError("acquiring llm concurrency slot", c.settings.LLMTimeout.String())
	}
	defer c.sem.Release(1)

	backoff := retry.NewExponential(200 * time.Millisecond)
	backoff = retry.WithMaxRetries(3, backoff)
	backoff = retry.WithJitterPercent(20, backoff)

	callStart := time.Now()
	metrics.LLMCallsTotal.WithLabelValues(provider).Inc()

	var resp CompletionResponse
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, breakerErr := c.breaker.Execute(func() (interface{}, error) {
			return c.provider.Complete(ctx, req)
		})
		if breakerErr != nil {
			if breakerErr == gobreaker.ErrOpenState || breakerErr == gobreaker.ErrTooManyRequests {
				c.logger.WithField("provider", provider).Warn("llm circuit breaker open, failing fast")
				metrics.LLMCallErrorsTotal.WithLabelValues(provider, "circuit_open").Inc()
				return breakerErr
			}
			if pserrors.IsRetryable(breakerErr) {
				return retry.RetryableError(breakerErr)
			}
			metrics.LLMCallErrorsTotal.WithLabelValues(provider, "non_retryable").Inc()
			return breakerErr
		}
		resp = out.(CompletionResponse)
		return nil
	})
	metrics.LLMCallDuration.WithLabelValues(provider).Observe(time.Since(callStart).Seconds())
	if err != nil {
		if pserrors.IsRetryable(err) && err != gobreaker.ErrOpenState && err != gobreaker.ErrTooManyRequests {
			metrics.LLMCallErrorsTotal.WithLabelValues(provider, "exhausted_retries").Inc()
		}
		return CompletionResponse{}, pserrors.FailedToWithDetails("complete llm request", "llmclient", provider, err)
	}

	c.cache.Set(ctx, cacheKey, resp.Text, c.settings.CacheTTL)
	return resp, nil
}

func (c *Client) cacheKey(req CompletionRequest) string {
	return c.provider.Name() + ":" + hashPrompt(req.SystemPrompt+"\x00"+req.Prompt)
}
