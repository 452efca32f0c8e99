// Package registryservice is the extraction-first pipeline orchestrator:
// it wires PHI redaction, sectioning, extraction, propagation, the
// RAW-ML audit, the audit comparator, and the bounded self-correction
// loop into three entry points, dispatching extraction strategy by
// config.Settings.ExtractionEngine. Choosing this pipeline over the
// Hybrid-Policy Orchestrator (pkg/hybrid) by config.Settings.PipelineMode
// is the caller's responsibility, since both live at the same level in
// the dependency graph and neither wraps the other.
package registryservice

import (
	"context"
	"time"

	"github.com/procsuite/procsuite/internal/config"
	"github.com/procsuite/procsuite/pkg/audit/compare"
	"github.com/procsuite/procsuite/pkg/coding/derive"
	"github.com/procsuite/procsuite/pkg/extract/deterministic"
	schemaextract "github.com/procsuite/procsuite/pkg/extract/schema"
	"github.com/procsuite/procsuite/pkg/llmclient"
	"github.com/procsuite/procsuite/pkg/metrics"
	"github.com/procsuite/procsuite/pkg/mlaudit"
	"github.com/procsuite/procsuite/pkg/phi"
	"github.com/procsuite/procsuite/pkg/propagate"
	"github.com/procsuite/procsuite/pkg/registryrecord"
	"github.com/procsuite/procsuite/pkg/sectionizer"
	"github.com/procsuite/procsuite/pkg/selfcorrect"
	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
	"github.com/procsuite/procsuite/pkg/tracing"
)

// ExtractionResult is the full result of one end-to-end extraction run: the final
// Registry Record, the derived CPT codes, the audit comparator's report,
// the case difficulty the auditor derived, every self-correction that
// was accepted, and every warning collected across every stage.
type ExtractionResult struct {
	Record         *registryrecord.Record
	DerivedCPT     *derive.Result
	AuditReport    *compare.Report
	Difficulty     compare.Difficulty
	SelfCorrection []selfcorrect.SelfCorrectionMetadata
	Warnings       []string
	LLMLatencyMS   int64
}

// Meta carries the bookkeeping returned alongside a lightweight
// ExtractRecord call: the note identifier a caller supplied (if any) and
// how long extraction took, without the full derive/audit/self-correct
// cost of the other two entry points.
type Meta struct {
	NoteID    string
	ElapsedMS int64
}

// Service holds every stage's already-constructed dependency so a single
// process builds each of them once at startup.
type Service struct {
	settings        *config.Settings
	redactor        *phi.Redactor
	schemaExtractor *schemaextract.Extractor
	auditor         *mlaudit.Auditor
	engine          *derive.Engine
	selfCorrect     *selfcorrect.Loop
	auditorEnabled  bool
}

// New builds a Service. llmClient may be nil when extraction_engine never
// needs the LLM and auditor_source is disabled and self-correction is
// disabled; callers that enabled any of those must pass a non-nil client.
func New(settings *config.Settings, llmClient *llmclient.Client, auditor *mlaudit.Auditor, engine *derive.Engine) *Service {
	svc := &Service{
		settings:       settings,
		redactor:       phi.NewRedactor(),
		engine:         engine,
		auditor:        auditor,
		auditorEnabled: settings.AuditorSource == config.AuditorSourceRawML,
	}
	if llmClient != nil {
		svc.schemaExtractor = schemaextract.NewExtractor(llmClient, settings)
		svc.selfCorrect = selfcorrect.NewLoop(llmClient, settings, engine)
	}
	return svc
}

// ExtractFieldsDeterministicOnly is the legacy hybrid-policy-compatible
// extraction-first entry point: deterministic extraction only, no
// schema-guided LLM pass. Used when extraction_engine is not configured
// to use the LLM.
func (s *Service) ExtractFieldsDeterministicOnly(ctx context.Context, rawNoteText string) (*ExtractionResult, error) {
	return s.run(ctx, rawNoteText, false)
}

// ExtractFieldsExtractionFirst runs the full extraction-first pipeline:
// deterministic extraction plus the schema-guided LLM extractor, merged,
// then propagation, audit, comparison, and (if enabled) self-correction.
func (s *Service) ExtractFieldsExtractionFirst(ctx context.Context, rawNoteText string) (*ExtractionResult, error) {
	return s.run(ctx, rawNoteText, true)
}

// ExtractFields dispatches to ExtractFieldsDeterministicOnly or
// ExtractFieldsExtractionFirst by config.Settings.ExtractionEngine, the
// single entry point a caller that doesn't care about pipeline internals
// should use.
func (s *Service) ExtractFields(ctx context.Context, rawNoteText string) (*ExtractionResult, error) {
	switch s.settings.ExtractionEngine {
	case config.EngineDeterministicPlusLLM:
		return s.ExtractFieldsExtractionFirst(ctx, rawNoteText)
	case config.EngineAgentsFocusThenEngine, config.EngineAgentsStructurer:
		return s.ExtractFieldsExtractionFirst(ctx, rawNoteText)
	default:
		return s.ExtractFieldsDeterministicOnly(ctx, rawNoteText)
	}
}

// ExtractRecord is the lightweight extraction entry point: PHI redaction,
// sectioning, deterministic extraction (plus the schema-guided LLM pass
// when extraction_engine calls for it), and propagation — the record as
// it stands right before CPT derivation, audit, and self-correction ever
// run. noteID is opaque to this package; it is only echoed back on Meta
// so a caller can correlate the result with its own case tracking.
func (s *Service) ExtractRecord(ctx context.Context, rawNoteText string, noteID string) (*registryrecord.Record, []string, Meta, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.settings.RegistryTaskTimeout)
	defer cancel()

	ctx, endSpan := tracing.StartStage(ctx, "extract_record")
	var err error
	defer func() { endSpan(err) }()

	redacted, redactErr := s.redactor.RedactWithFallback(rawNoteText)
	var warnings []string
	if redactErr != nil {
		warnings = append(warnings, "REDACTION_FALLBACK: "+redactErr.Error())
	}

	focused, focusMeta := sectionizer.Focus(redacted)
	if focusMeta.Warning != "" {
		warnings = append(warnings, focusMeta.Warning)
	}

	record := deterministic.Extract(focused).Record

	useLLM := s.settings.ExtractionEngine == config.EngineDeterministicPlusLLM ||
		s.settings.ExtractionEngine == config.EngineAgentsFocusThenEngine ||
		s.settings.ExtractionEngine == config.EngineAgentsStructurer
	if useLLM && s.schemaExtractor != nil {
		llmRecord, llmWarnings, llmErr := s.schemaExtractor.Extract(ctx, focused)
		warnings = append(warnings, llmWarnings...)
		if llmErr != nil {
			warnings = append(warnings, "SCHEMA_EXTRACT_FAILED: "+llmErr.Error())
		} else {
			record = mergeDeterministicAndLLM(record, llmRecord)
		}
	}

	record, propWarnings := propagate.Propagate(record)
	warnings = append(warnings, propWarnings...)

	return record, warnings, Meta{NoteID: noteID, ElapsedMS: time.Since(start).Milliseconds()}, nil
}

func (s *Service) run(ctx context.Context, rawNoteText string, useLLM bool) (out *ExtractionResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.settings.RegistryTaskTimeout)
	defer cancel()

	ctx, endSpan := tracing.StartStage(ctx, "extract_fields")
	defer func() { endSpan(err) }()
	defer metrics.RecordStageDuration("total", time.Now())
	metrics.NotesProcessedTotal.Inc()

	redactStart := time.Now()
	redacted, redactErr := s.redactor.RedactWithFallback(rawNoteText)
	metrics.RecordStageDuration("redact", redactStart)
	var warnings []string
	if redactErr != nil {
		metrics.RedactionFallbacksTotal.Inc()
		warnings = append(warnings, "REDACTION_FALLBACK: "+redactErr.Error())
	}

	focusStart := time.Now()
	focused, focusMeta := sectionizer.Focus(redacted)
	metrics.RecordStageDuration("focus", focusStart)

	detStart := time.Now()
	detResult := deterministic.Extract(focused)
	metrics.RecordStageDuration("extract_deterministic", detStart)
	record := detResult.Record
	if focusMeta.Warning != "" {
		warnings = append(warnings, focusMeta.Warning)
	}

	var llmElapsed time.Duration
	if useLLM && s.schemaExtractor != nil {
		llmStart := time.Now()
		llmRecord, llmWarnings, llmErr := s.schemaExtractor.Extract(ctx, focused)
		llmElapsed += time.Since(llmStart)
		metrics.RecordStageDuration("extract_llm", llmStart)
		warnings = append(warnings, llmWarnings...)
		if llmErr != nil {
			warnings = append(warnings, "SCHEMA_EXTRACT_FAILED: "+llmErr.Error())
		} else {
			record = mergeDeterministicAndLLM(record, llmRecord)
		}
	}

	record, propWarnings := propagate.Propagate(record)
	warnings = append(warnings, propWarnings...)

	var validationMessages []string
	if validationErr := record.Validate(); validationErr != nil {
		validationMessages = append(validationMessages, validationErr.Error())
		warnings = append(warnings, "VALIDATION_WARNING: "+validationErr.Error())
	}

	deriveStart := time.Now()
	derived, err := s.engine.Derive(ctx, record)
	metrics.RecordStageDuration("derive", deriveStart)
	if err != nil {
		metrics.NotesFailedTotal.WithLabelValues("derive").Inc()
		return nil, pserrors.FailedTo("derive cpt codes", err)
	}
	warnings = append(warnings, derived.Warnings...)

	difficulty := compare.DifficultyDisabled
	var auditSet []mlaudit.Prediction
	var allPredictions []mlaudit.Prediction
	if s.auditorEnabled && s.auditor != nil {
		auditStart := time.Now()
		allPredictions, err = s.auditor.Audit(ctx, redacted)
		metrics.RecordStageDuration("audit", auditStart)
		if err != nil {
			metrics.NotesFailedTotal.WithLabelValues("audit").Inc()
			return nil, pserrors.FailedTo("run raw-ml audit", err)
		}
		auditSet = s.auditor.AuditSet(allPredictions)
		difficulty = compare.DeriveDifficulty(allPredictions, false)
		metrics.AuditDifficultyTotal.WithLabelValues(string(difficulty)).Inc()
	}

	report := compare.Compare(derived.Codes, derived.Warnings, auditSet, difficulty, validationMessages)
	metrics.AuditMissingCodesTotal.Add(float64(len(report.MissingInDerived)))
	warnings = append(warnings, report.Warnings...)
	warnings = append(warnings, report.Notes...)

	var selfCorrection []selfcorrect.SelfCorrectionMetadata
	if s.settings.SelfCorrectEnabled && s.selfCorrect != nil && s.auditorEnabled {
		candidates := s.auditor.SelfCorrectCandidates(allPredictions)
		selfCorrectStart := time.Now()
		result, scErr := s.selfCorrect.Run(ctx, redacted, record, filterMissing(candidates, report.MissingInDerived))
		llmElapsed += time.Since(selfCorrectStart)
		metrics.RecordStageDuration("self_correct", selfCorrectStart)
		if scErr != nil {
			metrics.NotesFailedTotal.WithLabelValues("self_correct").Inc()
			return nil, pserrors.FailedTo("run self-correction loop", scErr)
		}
		metrics.SelfCorrectAttemptsTotal.Add(float64(result.Attempts))
		warnings = append(warnings, result.Warnings...)
		selfCorrection = result.Metadata
		if len(result.CodesAdded) > 0 {
			metrics.SelfCorrectAppliedTotal.Add(float64(len(result.CodesAdded)))
			record = result.Record
			derived = result.DerivedCPT
			report = compare.Compare(derived.Codes, derived.Warnings, auditSet, difficulty, validationMessages)
			warnings = append(warnings, report.Warnings...)
			warnings = append(warnings, report.Notes...)
		}
	}

	return &ExtractionResult{
		Record:         record,
		DerivedCPT:     derived,
		AuditReport:    report,
		Difficulty:     difficulty,
		SelfCorrection: selfCorrection,
		Warnings:       warnings,
		LLMLatencyMS:   llmElapsed.Milliseconds(),
	}, nil
}

// mergeDeterministicAndLLM combines the deterministic pass (precise,
// regex-grounded) with the LLM pass (recall-oriented) by only letting the
// LLM flip a procedure to performed=true, mirroring propagate's
// never-flip-to-false rule so the LLM pass can add recall but never
// silently remove a deterministic finding.
func mergeDeterministicAndLLM(base *registryrecord.Record, llm *registryrecord.Record) *registryrecord.Record {
	for _, p := range registryrecord.AirwayProcedures {
		if llm.IsPerformed(p) {
			_ = base.SetPerformed(p, true)
		}
	}
	for _, p := range registryrecord.PleuralProcedures {
		if llm.IsPerformed(p) {
			_ = base.SetPerformed(p, true)
		}
	}
	if base.Demographics.Laterality == "" {
		base.Demographics.Laterality = llm.Demographics.Laterality
	}
	return base
}

// filterMissing restricts self-correction candidates to codes the
// comparator actually flagged as missing from the derived set, so
// self-correction never "corrects" a code the derivation engine already
// produced by another rule path.
func filterMissing(candidates []mlaudit.Prediction, missing []string) []mlaudit.Prediction {
	missingSet := make(map[string]struct{}, len(missing))
	for _, m := range missing {
		missingSet[m] = struct{}{}
	}
	var filtered []mlaudit.Prediction
	for _, c := range candidates {
		if _, ok := missingSet[c.CPT]; ok {
			filtered = append(filtered, c)
		}
	}
	return filtered
}
