// Package httpclient builds *http.Client values with explicit,
// per-collaborator timeout and pooling presets so no client in the
// pipeline relies on http.DefaultClient's unbounded timeouts.
package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"
)

// ClientConfig configures transport pooling and timeouts for one
// http.Client instance.
type ClientConfig struct {
	Timeout                time.Duration
	MaxRetries             int
	DisableSSLVerification bool
	MaxIdleConns           int
	IdleConnTimeout        time.Duration
	TLSHandshakeTimeout    time.Duration
	ResponseHeaderTimeout  time.Duration
}

// DefaultClientConfig returns generic, conservative defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		MaxRetries:            3,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
}

// NewClient builds an *http.Client from the given config.
func NewClient(config ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          config.MaxIdleConns,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
	}
	if config.DisableSSLVerification {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in for dev backends
	}
	return &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}
}

// NewClientWithTimeout builds a client using DefaultClientConfig with the
// timeout overridden.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	config := DefaultClientConfig()
	config.Timeout = timeout
	return NewClient(config)
}

// NewDefaultClient builds a client from DefaultClientConfig.
func NewDefaultClient() *http.Client {
	return NewClient(DefaultClientConfig())
}

// MLBackendClientConfig configures the client used to reach an
// out-of-process ML inference backend (e.g. a sidecar serving ONNX/PyTorch
// model inference over HTTP). Response header timeout is half the overall
// timeout so a hung backend is detected before the caller's deadline.
func MLBackendClientConfig(timeout time.Duration) ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = timeout
	config.ResponseHeaderTimeout = timeout / 2
	return config
}

// LLMClientConfig configures the client used to reach an LLM provider.
// Response header timeout is a third of the overall timeout: providers
// stream tokens, so headers should arrive quickly even when the full body
// takes longer.
func LLMClientConfig(timeout time.Duration) ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = timeout
	config.ResponseHeaderTimeout = timeout / 3
	return config
}

// CacheClientConfig configures the client used to reach the response cache
// backend (e.g. Redis over a TCP connection proxied through HTTP-based
// tooling, or a sidecar admin API); short timeout since cache misses must
// not stall the pipeline.
func CacheClientConfig() ClientConfig {
	config := DefaultClientConfig()
	config.Timeout = 2 * time.Second
	config.MaxRetries = 1
	return config
}
