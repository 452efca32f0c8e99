// Package hybrid implements the Hybrid-Policy Orchestrator: an alternate
// coding path that leads with the RAW-ML auditor's multi-label
// prediction instead of deterministic extraction. The case's worst
// prediction bucket picks one of three strategies — emit the ML codes
// outright, ask the LLM to judge them, or ask the LLM to code the note
// from scratch — and every strategy's candidate code list is filtered
// through the same NCCI/MER bundling policy the extraction-first engine
// uses before being wrapped into a codingservice.CodeSuggestion.
package hybrid

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/procsuite/procsuite/pkg/audit/compare"
	"github.com/procsuite/procsuite/pkg/coding/derive"
	"github.com/procsuite/procsuite/pkg/codingservice"
	"github.com/procsuite/procsuite/pkg/extract/deterministic"
	"github.com/procsuite/procsuite/pkg/llmclient"
	"github.com/procsuite/procsuite/pkg/mlaudit"
	"github.com/procsuite/procsuite/pkg/phi"
	"github.com/procsuite/procsuite/pkg/registryrecord"
	"github.com/procsuite/procsuite/pkg/sectionizer"
	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// Decision names which of the three hybrid strategies produced a case's
// final code list.
type Decision string

const (
	DecisionMLHighConf Decision = "ml_high_conf"
	DecisionLLMJudge   Decision = "llm_judge_gray_zone"
	DecisionLLMPrimary Decision = "llm_primary_low_conf"
)

// judgeSystemPrompt asks the LLM to confirm or correct the ML predictor's
// hinted code list rather than coding the note unaided, since a GRAY_ZONE
// case already has a reasonable starting point.
const judgeSystemPrompt = `<|system|>
An independent raw-text machine-learning CPT predictor scored this
interventional pulmonology procedure note and landed in its gray zone of
confidence. Its candidate codes and probabilities are listed below. Read
the note and return the final JSON array of CPT codes that the note
actually supports billing, which may add, drop, or keep the candidates
as given. Return a JSON array of code strings only, e.g. ["31623","32555"].
No prose, no explanation.
<|assistant|>`

// primarySystemPrompt asks the LLM to code the note unaided, used only
// when the ML predictor's confidence was too low to trust even as a
// hint.
const primarySystemPrompt = `<|system|>
Read this interventional pulmonology procedure note and return the JSON
array of CPT codes it supports billing. Return a JSON array of code
strings only, e.g. ["31623","32555"]. No prose, no explanation.
<|assistant|>`

// Orchestrator runs the hybrid policy.
type Orchestrator struct {
	auditor  *mlaudit.Auditor
	engine   *derive.Engine
	llm      *llmclient.Client
	redactor *phi.Redactor
}

// NewOrchestrator builds an Orchestrator sharing the auditor, derivation
// engine, and LLM client already constructed for the extraction-first
// pipeline, so the hybrid path never loads a second copy of either the
// ML model bundle or the NCCI rego policy.
func NewOrchestrator(auditor *mlaudit.Auditor, engine *derive.Engine, llm *llmclient.Client) *Orchestrator {
	return &Orchestrator{auditor: auditor, engine: engine, llm: llm, redactor: phi.NewRedactor()}
}

// Run executes the hybrid policy over one raw note and returns the same
// codingservice.CodingResult shape the extraction-first path produces,
// with Source set to hybrid and ReviewFlag/HybridDecision populated.
func (o *Orchestrator) Run(ctx context.Context, procedureID, rawNoteText, procedureType string) (*codingservice.CodingResult, error) {
	start := time.Now()
	redacted, redactErr := o.redactor.RedactWithFallback(rawNoteText)
	var warnings []string
	if redactErr != nil {
		warnings = append(warnings, "REDACTION_FALLBACK: "+redactErr.Error())
	}

	predictions, err := o.auditor.Audit(ctx, redacted)
	if err != nil {
		return nil, pserrors.FailedTo("run raw-ml audit", err)
	}
	difficulty := compare.DeriveDifficulty(predictions, false)
	auditSet := o.auditor.AuditSet(predictions)

	var codes []string
	var decision Decision
	var llmElapsed time.Duration
	switch difficulty {
	case compare.DifficultyHigh:
		decision = DecisionMLHighConf
		codes = codesOf(auditSet)
	case compare.DifficultyGray:
		decision = DecisionLLMJudge
		llmStart := time.Now()
		codes, err = o.judge(ctx, redacted, auditSet)
		llmElapsed = time.Since(llmStart)
		if err != nil {
			return nil, err
		}
	default:
		decision = DecisionLLMPrimary
		llmStart := time.Now()
		codes, err = o.primary(ctx, redacted)
		llmElapsed = time.Since(llmStart)
		if err != nil {
			return nil, err
		}
	}

	focused, _ := sectionizer.Focus(redacted)
	ipcPerformed := deterministic.Extract(focused).Record.IsPerformed(registryrecord.IPC)
	suppressions, err := o.engine.Bundler().Suppressions(ctx, codes, ipcPerformed)
	if err != nil {
		return nil, pserrors.FailedTo("evaluate NCCI bundling policy for hybrid codes", err)
	}
	suppressed := map[string]string{}
	for _, s := range suppressions {
		suppressed[s.Code] = s.Reason
	}

	final := make([]string, 0, len(codes))
	for _, c := range codes {
		if _, ok := suppressed[c]; ok {
			warnings = append(warnings, fmt.Sprintf("BUNDLED: %s suppressed (%s)", c, suppressed[c]))
			continue
		}
		final = append(final, c)
	}
	sort.Strings(final)

	reviewFlag := reviewFlagForDifficulty(difficulty)
	confidence := codingservice.ConfidenceForDifficulty(difficulty)
	predictionByCode := predictionsByCode(predictions)

	suggestions := make([]codingservice.CodeSuggestion, 0, len(final))
	for i, code := range final {
		auditNotes := []string{hybridAuditNote(decision, predictionByCode[code])}
		suggestions = append(suggestions, codingservice.CodeSuggestion{
			Code:            code,
			Description:     codingservice.CPTDescription(code),
			Source:          codingservice.SourceHybrid,
			HybridDecision:  string(decision),
			RuleConfidence:  confidence,
			FinalConfidence: confidence,
			Reasoning: codingservice.Reasoning{
				RulePaths:     []string{string(decision)},
				AuditNotes:    auditNotes,
				KBVersion:     codingservice.KBVersion,
				PolicyVersion: codingservice.PolicyVersion,
			},
			ReviewFlag:       reviewFlag,
			EvidenceVerified: decision == DecisionMLHighConf,
			SuggestionID:     fmt.Sprintf("%s-%s-%d", procedureID, code, i),
			ProcedureID:      procedureID,
		})
	}

	return &codingservice.CodingResult{
		ProcedureID:      procedureID,
		ProcedureType:    procedureType,
		Suggestions:      suggestions,
		Difficulty:       difficulty,
		ReviewFlag:       reviewFlag,
		Warnings:         warnings,
		KBVersion:        codingservice.KBVersion,
		PolicyVersion:    codingservice.PolicyVersion,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
		LLMLatencyMS:     llmElapsed.Milliseconds(),
	}, nil
}

// reviewFlagForDifficulty mirrors the extraction-first path's review
// policy for the hybrid path's coarser signal: a case that never needed
// the LLM at all (HIGH_CONF) is optional, a judged gray-zone case is
// recommended, and an LLM-primary low-confidence case always requires
// review since no independent rule table ever confirmed it.
func reviewFlagForDifficulty(difficulty compare.Difficulty) codingservice.ReviewFlag {
	switch difficulty {
	case compare.DifficultyHigh, compare.DifficultyDisabled:
		return codingservice.ReviewOptional
	case compare.DifficultyGray:
		return codingservice.ReviewRecommended
	default:
		return codingservice.ReviewRequired
	}
}

func (o *Orchestrator) judge(ctx context.Context, noteText string, hints []mlaudit.Prediction) ([]string, error) {
	prompt := fmt.Sprintf("Note:\n%s\n\nML candidate codes:\n%s", noteText, formatHints(hints))
	resp, err := o.llm.Complete(ctx, llmclient.CompletionRequest{
		SystemPrompt: judgeSystemPrompt,
		Prompt:       prompt,
		JSONMode:     true,
		MaxTokens:    512,
	})
	if err != nil {
		return nil, pserrors.FailedTo("call hybrid judge", err)
	}
	codes, err := parseCodeArray(resp.Text)
	if err != nil {
		return nil, pserrors.FailedTo("parse hybrid judge response", err)
	}
	return codes, nil
}

func (o *Orchestrator) primary(ctx context.Context, noteText string) ([]string, error) {
	resp, err := o.llm.Complete(ctx, llmclient.CompletionRequest{
		SystemPrompt: primarySystemPrompt,
		Prompt:       "Note:\n" + noteText,
		JSONMode:     true,
		MaxTokens:    512,
	})
	if err != nil {
		return nil, pserrors.FailedTo("call hybrid primary coder", err)
	}
	codes, err := parseCodeArray(resp.Text)
	if err != nil {
		return nil, pserrors.FailedTo("parse hybrid primary response", err)
	}
	return codes, nil
}

func parseCodeArray(text string) ([]string, error) {
	var codes []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &codes); err != nil {
		return nil, err
	}
	return codes, nil
}

func formatHints(predictions []mlaudit.Prediction) string {
	var b strings.Builder
	for _, p := range predictions {
		fmt.Fprintf(&b, "%s (probability=%.2f, bucket=%s)\n", p.CPT, p.Probability, p.Bucket)
	}
	return b.String()
}

func codesOf(predictions []mlaudit.Prediction) []string {
	codes := make([]string, 0, len(predictions))
	for _, p := range predictions {
		codes = append(codes, p.CPT)
	}
	sort.Strings(codes)
	return codes
}

func predictionsByCode(predictions []mlaudit.Prediction) map[string]mlaudit.Prediction {
	m := make(map[string]mlaudit.Prediction, len(predictions))
	for _, p := range predictions {
		m[p.CPT] = p
	}
	return m
}

func hybridAuditNote(decision Decision, pred mlaudit.Prediction) string {
	switch decision {
	case DecisionMLHighConf:
		return fmt.Sprintf("HYBRID[%s]: ML predictor high-confidence (prob=%.2f), emitted without LLM involvement", decision, pred.Probability)
	case DecisionLLMJudge:
		if pred.CPT == "" {
			return fmt.Sprintf("HYBRID[%s]: LLM judge added a code the ML predictor did not hint", decision)
		}
		return fmt.Sprintf("HYBRID[%s]: LLM judge confirmed ML hint (prob=%.2f, bucket=%s)", decision, pred.Probability, pred.Bucket)
	default:
		return fmt.Sprintf("HYBRID[%s]: LLM coded the note directly, no ML confirmation available", decision)
	}
}
