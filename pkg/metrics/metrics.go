// Package metrics exposes the process-wide Prometheus registry for the
// extraction pipeline: counters and histograms recorded at each pipeline
// stage boundary. Registration happens at package init via promauto, the
// way the rest of this codebase's services register their metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procsuite_notes_processed_total",
		Help: "Total number of procedure notes run through ExtractFields.",
	})

	NotesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "procsuite_notes_failed_total",
		Help: "Total number of notes that failed during a pipeline stage.",
	}, []string{"stage"})

	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "procsuite_pipeline_stage_duration_seconds",
		Help:    "Duration of each pipeline stage (redact, focus, extract_deterministic, extract_llm, derive, audit, self_correct, total).",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	LLMCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "procsuite_llm_calls_total",
		Help: "Total number of completions requested from the LLM client, by provider.",
	}, []string{"provider"})

	LLMCallErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "procsuite_llm_call_errors_total",
		Help: "Total number of failed LLM completions, by provider and error class.",
	}, []string{"provider", "error_class"})

	LLMCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "procsuite_llm_call_duration_seconds",
		Help:    "Duration of LLM completion calls, by provider.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	LLMCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procsuite_llm_cache_hits_total",
		Help: "Total number of LLM completion requests served from cache.",
	})

	SelfCorrectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procsuite_self_correct_attempts_total",
		Help: "Total number of self-correction judge attempts made.",
	})

	SelfCorrectAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procsuite_self_correct_applied_total",
		Help: "Total number of self-correction patches actually applied.",
	})

	AuditDifficultyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "procsuite_audit_difficulty_total",
		Help: "Total number of notes by audit-derived difficulty bucket.",
	}, []string{"difficulty"})

	AuditMissingCodesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procsuite_audit_missing_codes_total",
		Help: "Total number of CPT codes the RAW-ML audit flagged as missing from the derived set, summed across notes.",
	})

	RedactionFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "procsuite_redaction_fallbacks_total",
		Help: "Total number of notes where PHI redaction fell back to the conservative allowlist strategy.",
	})
)

// RecordStageDuration is a small helper so callers can defer a single
// line at the top of a pipeline stage instead of hand-computing elapsed
// time at every call site.
func RecordStageDuration(stage string, start time.Time) {
	PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
