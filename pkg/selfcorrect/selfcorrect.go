// Package selfcorrect implements the bounded self-correction loop: when
// the RAW-ML auditor flags a high-confidence procedure the deterministic/
// schema-guided extraction missed, this package asks the LLM to propose a
// minimal, allow-listed JSON Patch correcting the Registry Record, applies
// it, and re-runs propagation and CPT derivation on the patched record. It
// is disabled by default (config.Settings.SelfCorrectEnabled) and is
// always bounded by max_attempts and max_patch_ops so a misbehaving judge
// call cannot loop or rewrite the whole record. A candidate's patch is
// only ever accepted once re-derivation against it actually produces the
// candidate's CPT code; applying cleanly is not itself acceptance.
package selfcorrect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-openapi/jsonpointer"

	"github.com/procsuite/procsuite/internal/config"
	"github.com/procsuite/procsuite/pkg/coding/derive"
	"github.com/procsuite/procsuite/pkg/llmclient"
	"github.com/procsuite/procsuite/pkg/mlaudit"
	"github.com/procsuite/procsuite/pkg/propagate"
	"github.com/procsuite/procsuite/pkg/registryrecord"
	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// judgeSystemPrompt asks the LLM for a minimal, schema-scoped patch plus
// the evidence quote and rationale backing it, rather than a full
// re-extraction, keeping the blast radius of a single self-correction
// attempt small while still giving step 3's evidence-quote validation
// something to check.
const judgeSystemPrompt = `<|system|>
A raw-text machine-learning auditor, independent of the deterministic
registry extraction, believes the note supports an additional CPT code
that the registry record does not currently reflect. Read the note
fragment and the candidate code/description below. If, and only if, the
note text genuinely supports the candidate procedure having been
performed, return a single JSON object:
{"json_patch": [<RFC 6902 ops>], "evidence_quote": "<verbatim substring of the note>", "rationale": "<why>"}
The patch may set the procedure's "performed" field to true and, where the
note gives the supporting detail (e.g. station count, sampled sites), add
the matching granular evidence field in the same patch. evidence_quote
must be copied verbatim from the note text, not paraphrased. If the note
does not support the candidate, return {"json_patch": [], "evidence_quote": "", "rationale": "not supported"}.
Return JSON only, no prose.
<|assistant|>`

// candidateKeywords is a cheap lexical guard run before spending an LLM
// call: if none of a candidate CPT code's associated keywords appear
// anywhere in the note text, the candidate is dropped without ever
// reaching the judge step.
var candidateKeywords = map[string][]string{
	"31653": {"ebus", "station", "tbna"},
	"31652": {"ebus", "station", "tbna"},
	"31624": {"bal", "lavage", "broncho-alveolar", "bronchoalveolar"},
	"31623": {"brush", "brushing"},
	"31625": {"endobronchial biopsy", "endobronchial forceps"},
	"31628": {"transbronchial biopsy", "tblb"},
	"31636": {"stent"},
	"32555": {"thoracentesis"},
	"32557": {"thoracentesis"},
	"32560": {"pleurodesis", "sclerosant", "talc"},
}

// candidateProcedureKey names the record key a CPT code's procedure lives
// under (shared between its procedures_performed/pleural_procedures entry
// and its granular_data entry), so a proposed patch can be scoped to only
// that procedure's fields even when it touches more than one allow-listed
// pointer (e.g. both "performed" and a granular evidence array).
var candidateProcedureKey = map[string]string{
	"31653": "linear_ebus",
	"31652": "linear_ebus",
	"31624": "bal",
	"31623": "brushings",
	"31625": "endobronchial_biopsy",
	"31628": "transbronchial_biopsy",
	"31636": "airway_stent",
	"32555": "thoracentesis",
	"32557": "thoracentesis",
	"32560": "pleurodesis",
}

// ConfigSnapshot records the loop's bounding configuration at the moment
// a self-correction was accepted, so a later audit of the metadata never
// needs to cross-reference whatever config.Settings looked like then.
type ConfigSnapshot struct {
	MaxAttempts int     `json:"max_attempts"`
	MaxPatchOps int     `json:"max_patch_ops"`
	MinProb     float64 `json:"min_prob"`
}

// SelfCorrectionMetadata is emitted once per accepted self-correction,
// matching spec §3/§4.9's SelfCorrectionMetadata shape exactly.
type SelfCorrectionMetadata struct {
	Trigger        string         `json:"trigger"`
	AppliedPaths   []string       `json:"applied_paths"`
	EvidenceQuotes []string       `json:"evidence_quotes"`
	ConfigSnapshot ConfigSnapshot `json:"config_snapshot"`
}

// Result is the outcome of one self-correction loop invocation.
type Result struct {
	Record     *registryrecord.Record
	DerivedCPT *derive.Result
	Warnings   []string
	Attempts   int
	CodesAdded []string
	Metadata   []SelfCorrectionMetadata
}

// Loop runs the bounded self-correction loop.
type Loop struct {
	client   *llmclient.Client
	settings *config.Settings
	engine   *derive.Engine
	allowed  map[string]struct{}
}

// NewLoop builds a Loop. client and engine are shared with the rest of
// the pipeline so concurrency/circuit-breaking/caching and CPT derivation
// stay consistent across extraction and self-correction.
func NewLoop(client *llmclient.Client, settings *config.Settings, engine *derive.Engine) *Loop {
	allowed := make(map[string]struct{}, len(settings.SelfCorrectAllowlist))
	for _, pointer := range settings.SelfCorrectAllowlist {
		allowed[pointer] = struct{}{}
	}
	return &Loop{client: client, settings: settings, engine: engine, allowed: allowed}
}

// Run attempts to correct record given the auditor's high-confidence
// omission candidates and the note's PHI-redacted text (the same text the
// auditor scored). It is a no-op returning a SELF_CORRECT_SKIPPED warning
// when self-correction is disabled or there are no candidates.
func (l *Loop) Run(ctx context.Context, noteText string, record *registryrecord.Record, candidates []mlaudit.Prediction) (*Result, error) {
	if !l.settings.SelfCorrectEnabled {
		return &Result{Record: record, Warnings: []string{"SELF_CORRECT_SKIPPED: self-correction is disabled"}}, nil
	}
	if len(candidates) == 0 {
		return &Result{Record: record, Warnings: []string{"SELF_CORRECT_SKIPPED: no eligible high-confidence candidates"}}, nil
	}

	working := record.DeepCopy()
	var warnings []string
	var codesAdded []string
	var metadata []SelfCorrectionMetadata
	attempts := 0

	for _, candidate := range sortedCandidates(candidates) {
		if attempts >= l.settings.SelfCorrectMaxAttempts {
			warnings = append(warnings, fmt.Sprintf("SELF_CORRECT_SKIPPED: max_attempts (%d) reached, %s not attempted", l.settings.SelfCorrectMaxAttempts, candidate.CPT))
			continue
		}
		if !keywordGuardPasses(candidate.CPT, noteText) {
			warnings = append(warnings, fmt.Sprintf("SELF_CORRECT_SKIPPED: %s failed keyword guard, no supporting lexical evidence in note", candidate.CPT))
			continue
		}

		attempts++
		accepted, patched, meta, warning, err := l.attemptOne(ctx, noteText, working, candidate)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, warning)
		if accepted {
			working = patched
			codesAdded = append(codesAdded, candidate.CPT)
			metadata = append(metadata, meta)
		}
	}

	propagated, propWarnings := propagate.Propagate(working)
	warnings = append(warnings, propWarnings...)

	derived, err := l.engine.Derive(ctx, propagated)
	if err != nil {
		return nil, pserrors.FailedTo("re-derive cpt codes after self-correction", err)
	}

	return &Result{
		Record:     propagated,
		DerivedCPT: derived,
		Warnings:   warnings,
		Attempts:   attempts,
		CodesAdded: codesAdded,
		Metadata:   metadata,
	}, nil
}

// judgeResponse is the structured proposal the judge LLM call returns:
// the candidate patch, the verbatim evidence backing it, and a rationale
// kept only for the warning/metadata trail, never parsed for control flow.
type judgeResponse struct {
	JSONPatch     []patchOp `json:"json_patch"`
	EvidenceQuote string    `json:"evidence_quote"`
	Rationale     string    `json:"rationale"`
}

// attemptOne runs steps 2-6 of the self-correction protocol for one
// candidate: judge, validate, apply to a scratch copy, re-propagate and
// re-derive that scratch copy in isolation, and accept only if the
// candidate's own CPT code actually appears in the re-derived set and the
// record changed. Acceptance returns the patched (pre-final-propagation)
// record for the caller to fold into the accumulated working record;
// rejection always returns the original, untouched record.
func (l *Loop) attemptOne(ctx context.Context, noteText string, record *registryrecord.Record, candidate mlaudit.Prediction) (accepted bool, patched *registryrecord.Record, meta SelfCorrectionMetadata, warning string, err error) {
	prompt := fmt.Sprintf("Note fragment:\n%s\n\nCandidate code: %s (probability=%.2f)", noteText, candidate.CPT, candidate.Probability)

	resp, err := l.client.Complete(ctx, llmclient.CompletionRequest{
		SystemPrompt: judgeSystemPrompt,
		Prompt:       prompt,
		JSONMode:     true,
		MaxTokens:    512,
	})
	if err != nil {
		return false, record, meta, "", pserrors.FailedToWithDetails("call self-correction judge", "selfcorrect", candidate.CPT, err)
	}

	judge, err := parseJudgeResponse(resp.Text)
	if err != nil {
		return false, record, meta, fmt.Sprintf("SELF_CORRECT_SKIPPED: %s judge response was not a valid proposal", candidate.CPT), nil
	}
	if len(judge.JSONPatch) == 0 {
		return false, record, meta, fmt.Sprintf("SELF_CORRECT_SKIPPED: judge declined to confirm %s", candidate.CPT), nil
	}
	if len(judge.JSONPatch) > l.settings.SelfCorrectMaxPatchOps {
		return false, record, meta, fmt.Sprintf("SELF_CORRECT_SKIPPED: %s proposed patch exceeds max_patch_ops (%d > %d)", candidate.CPT, len(judge.JSONPatch), l.settings.SelfCorrectMaxPatchOps), nil
	}
	for _, op := range judge.JSONPatch {
		if err := l.validateOp(candidate.CPT, op); err != nil {
			return false, record, meta, fmt.Sprintf("SELF_CORRECT_SKIPPED: %s proposed patch rejected: %s", candidate.CPT, err.Error()), nil
		}
	}
	if !evidenceQuoteValid(judge.EvidenceQuote, noteText) {
		return false, record, meta, fmt.Sprintf("SELF_CORRECT_SKIPPED: %s evidence_quote is not a substring of the note text", candidate.CPT), nil
	}

	trial := record.DeepCopy()
	if err := applyPatch(trial, judge.JSONPatch); err != nil {
		return false, record, meta, "", pserrors.FailedTo("apply self-correction patch", err)
	}
	if recordsEqual(record, trial) {
		return false, record, meta, fmt.Sprintf("SELF_CORRECT_SKIPPED: %s patch applied but left the record unchanged", candidate.CPT), nil
	}

	trialPropagated, _ := propagate.Propagate(trial.DeepCopy())
	trialDerived, err := l.engine.Derive(ctx, trialPropagated)
	if err != nil {
		return false, record, meta, "", pserrors.FailedTo("re-derive cpt codes for self-correction candidate", err)
	}
	if !containsCode(trialDerived.Codes, candidate.CPT) {
		return false, record, meta, fmt.Sprintf("SELF_CORRECT_SKIPPED: %s not present in re-derived codes after patch, rejecting", candidate.CPT), nil
	}

	paths := make([]string, len(judge.JSONPatch))
	for i, op := range judge.JSONPatch {
		paths[i] = op.Path
	}

	meta = SelfCorrectionMetadata{
		Trigger:        candidate.CPT,
		AppliedPaths:   paths,
		EvidenceQuotes: []string{judge.EvidenceQuote},
		ConfigSnapshot: ConfigSnapshot{
			MaxAttempts: l.settings.SelfCorrectMaxAttempts,
			MaxPatchOps: l.settings.SelfCorrectMaxPatchOps,
			MinProb:     l.settings.SelfCorrectMinProb,
		},
	}
	return true, trial, meta, fmt.Sprintf("AUTO_CORRECTED: %s", candidate.CPT), nil
}

type patchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// parseJudgeResponse accepts both the documented {json_patch, ...} object
// shape and a bare patch-op array, so a provider that still returns the
// older array-only shape degrades gracefully instead of being rejected
// outright as invalid JSON.
func parseJudgeResponse(text string) (judgeResponse, error) {
	text = strings.TrimSpace(text)

	var resp judgeResponse
	if err := json.Unmarshal([]byte(text), &resp); err == nil && (len(resp.JSONPatch) > 0 || bytes.HasPrefix([]byte(text), []byte("{"))) {
		return resp, nil
	}

	var ops []patchOp
	if err := json.Unmarshal([]byte(text), &ops); err != nil {
		return judgeResponse{}, err
	}
	return judgeResponse{JSONPatch: ops}, nil
}

// validateOp enforces that a proposed patch op only ever targets the
// configured allowlist and only ever touches the candidate's own
// procedure fields, never an unrelated part of the record.
func (l *Loop) validateOp(cpt string, op patchOp) error {
	if op.Op != "add" && op.Op != "replace" {
		return fmt.Errorf("op %q is not permitted, only add/replace", op.Op)
	}
	if _, err := jsonpointer.New(op.Path); err != nil {
		return fmt.Errorf("path %q is not a well-formed JSON pointer: %w", op.Path, err)
	}
	if _, ok := l.allowed[op.Path]; !ok {
		return fmt.Errorf("path %q is not in the self-correction allowlist", op.Path)
	}
	if procKey, ok := candidateProcedureKey[cpt]; ok && !strings.Contains(op.Path, "/"+procKey+"/") {
		return fmt.Errorf("path %q does not belong to %s's procedure fields", op.Path, cpt)
	}
	if strings.HasSuffix(op.Path, "/performed") {
		var value bool
		if err := json.Unmarshal(op.Value, &value); err != nil || !value {
			return fmt.Errorf("path %q must be set to true", op.Path)
		}
	}
	return nil
}

// evidenceQuoteValid implements step 3's evidence-quote check: the quote
// must be a non-empty, verbatim substring of the text the judge was shown.
func evidenceQuoteValid(quote, noteText string) bool {
	quote = strings.TrimSpace(quote)
	if quote == "" {
		return false
	}
	return strings.Contains(noteText, quote)
}

func applyPatch(record *registryrecord.Record, ops []patchOp) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	patchBytes, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	patch, err := jsonpatch.DecodePatch(patchBytes)
	if err != nil {
		return err
	}
	patched, err := patch.Apply(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(patched, record)
}

func recordsEqual(a, b *registryrecord.Record) bool {
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(rawA, rawB)
}

func containsCode(codes []string, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func keywordGuardPasses(cpt string, noteText string) bool {
	keywords, ok := candidateKeywords[cpt]
	if !ok {
		return true
	}
	lower := strings.ToLower(noteText)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func sortedCandidates(candidates []mlaudit.Prediction) []mlaudit.Prediction {
	sorted := make([]mlaudit.Prediction, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Probability > sorted[j].Probability })
	return sorted
}
