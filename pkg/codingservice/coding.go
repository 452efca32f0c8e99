// Package codingservice adapts the Registry Service's (or the Hybrid-
// Policy Orchestrator's) output into a billing-facing CodingResult: one
// CodeSuggestion per CPT code, carrying its rationale, confidence, and
// review disposition. Both the extraction-first path and the hybrid path
// produce this same shape, differing only in Source and HybridDecision.
package codingservice

import (
	"context"
	"fmt"
	"time"

	"github.com/procsuite/procsuite/pkg/audit/compare"
	"github.com/procsuite/procsuite/pkg/registryservice"
)

// Source names which pipeline produced a suggestion.
type Source string

const (
	SourceExtractionFirst Source = "extraction_first"
	SourceHybrid          Source = "hybrid"
)

// ReviewFlag is the closed set of manual-review dispositions a
// suggestion can carry.
type ReviewFlag string

const (
	// ReviewRequired is set whenever the case's audit report flagged
	// needs_manual_review; a coder must sign off before billing.
	ReviewRequired ReviewFlag = "required"
	// ReviewRecommended is set when no hard review gate tripped but the
	// audit comparator still emitted at least one warning for the case.
	ReviewRecommended ReviewFlag = "recommended"
	// ReviewOptional is the default: no review signal at all.
	ReviewOptional ReviewFlag = "optional"
)

// KBVersion and PolicyVersion are the static versions of, respectively,
// the CPT rule table (pkg/coding/derive/rules.go) and the compiled NCCI/
// MER bundling policy (pkg/coding/derive/bundler.go) a suggestion was
// produced against. Both are bumped by hand when either changes.
const (
	KBVersion     = "cpt-rule-table-v1"
	PolicyVersion = "ncci-bundling-v1"
)

// ConfidenceForDifficulty implements the confidence policy: a case's
// audit-derived difficulty sets the base confidence every code suggestion
// in that case carries. The extraction-first path applies it to the
// rule table's deterministic output; the Hybrid-Policy Orchestrator
// applies the same policy to its own ML/LLM-derived codes so both paths
// share one confidence scale.
func ConfidenceForDifficulty(difficulty compare.Difficulty) float64 {
	switch difficulty {
	case compare.DifficultyHigh, compare.DifficultyDisabled:
		return 0.95
	case compare.DifficultyGray:
		return 0.80
	default:
		return 0.70
	}
}

// Reasoning documents why a suggestion carries the confidence and code it
// does: the rule paths that fired, any audit notes relevant to that code,
// and the rule-table/policy versions it was evaluated against.
type Reasoning struct {
	RulePaths     []string
	AuditNotes    []string
	KBVersion     string
	PolicyVersion string
}

// CodeSuggestion is one billable CPT code as surfaced to a coder.
type CodeSuggestion struct {
	Code             string
	Description      string
	Source           Source
	HybridDecision   string
	RuleConfidence   float64
	FinalConfidence  float64
	Reasoning        Reasoning
	ReviewFlag       ReviewFlag
	EvidenceVerified bool
	SuggestionID     string
	ProcedureID      string
}

// CodingResult is the full output of the Coding Service for one note.
// ProcedureType is the caller-supplied procedure category (e.g. the
// bronchoscopy/pleural-procedure family being coded); it is never
// interpreted by this package, only carried through and stamped onto the
// result for the caller's own routing or reporting.
type CodingResult struct {
	ProcedureID      string
	ProcedureType    string
	Suggestions      []CodeSuggestion
	Difficulty       compare.Difficulty
	ReviewFlag       ReviewFlag
	Warnings         []string
	KBVersion        string
	PolicyVersion    string
	ProcessingTimeMS int64
	LLMLatencyMS     int64
}

// Service wraps a registryservice.Service to produce billing-facing
// output instead of the raw Registry Record.
type Service struct {
	registry *registryservice.Service
}

// NewService builds a Service around an already-constructed registry
// orchestrator.
func NewService(registry *registryservice.Service) *Service {
	return &Service{registry: registry}
}

// GenerateResult runs the full extraction/audit/self-correction pipeline
// and adapts its Output into a CodingResult. procedureID identifies the
// case to a caller's downstream billing system; procedureType is an
// opaque category label the caller supplies (e.g. to route gray-zone
// cases to a specialty reviewer). Neither is interpreted by this
// package, only stamped onto the result.
func (s *Service) GenerateResult(ctx context.Context, procedureID, rawNoteText, procedureType string) (*CodingResult, error) {
	start := time.Now()
	out, err := s.registry.ExtractFields(ctx, rawNoteText)
	if err != nil {
		return nil, err
	}

	difficulty := out.Difficulty
	caseReview := reviewFlagFor(out.AuditReport)

	bundled := map[string]string{}
	for _, w := range out.DerivedCPT.Warnings {
		if code := bundledCodeFromWarning(w); code != "" {
			bundled[code] = w
		}
	}

	ruleConfidence := ConfidenceForDifficulty(difficulty)
	suggestions := make([]CodeSuggestion, 0, len(out.DerivedCPT.Codes))
	for i, code := range out.DerivedCPT.Codes {
		auditNotes := auditNotesFor(code, out.AuditReport)
		if note, ok := bundled[code]; ok {
			auditNotes = append(auditNotes, note)
		}
		suggestions = append(suggestions, CodeSuggestion{
			Code:            code,
			Description:     CPTDescription(code),
			Source:          SourceExtractionFirst,
			RuleConfidence:  ruleConfidence,
			FinalConfidence: ruleConfidence,
			Reasoning: Reasoning{
				RulePaths:     []string{out.DerivedCPT.Rationales[code]},
				AuditNotes:    auditNotes,
				KBVersion:     KBVersion,
				PolicyVersion: PolicyVersion,
			},
			ReviewFlag:       caseReview,
			EvidenceVerified: out.AuditReport != nil && containsString(out.AuditReport.Agreements, code),
			SuggestionID:     fmt.Sprintf("%s-%s-%d", procedureID, code, i),
			ProcedureID:      procedureID,
		})
	}

	return &CodingResult{
		ProcedureID:      procedureID,
		ProcedureType:    procedureType,
		Suggestions:      suggestions,
		Difficulty:       difficulty,
		ReviewFlag:       caseReview,
		Warnings:         out.Warnings,
		KBVersion:        KBVersion,
		PolicyVersion:    PolicyVersion,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
		LLMLatencyMS:     out.LLMLatencyMS,
	}, nil
}

// reviewFlagFor implements the three-valued review policy: required
// whenever the comparator set needs_manual_review, recommended whenever
// it emitted any warning at all (even without tripping the hard gate),
// optional otherwise.
func reviewFlagFor(report *compare.Report) ReviewFlag {
	switch {
	case report != nil && report.NeedsManualReview:
		return ReviewRequired
	case report != nil && len(report.Warnings) > 0:
		return ReviewRecommended
	default:
		return ReviewOptional
	}
}

// auditNotesFor collects the report warnings that specifically mention
// code, so a suggestion's reasoning only carries notes relevant to it
// rather than the whole case's warning list.
func auditNotesFor(code string, report *compare.Report) []string {
	if report == nil {
		return nil
	}
	var notes []string
	for _, w := range report.Warnings {
		if containsSubstring(w, code) {
			notes = append(notes, w)
		}
	}
	for _, n := range report.Notes {
		if containsSubstring(n, code) {
			notes = append(notes, n)
		}
	}
	return notes
}

// bundledCodeFromWarning extracts the CPT code from a "BUNDLED: <code>
// suppressed (...)" derivation warning, the only warning shape the engine
// emits for a suppressed code.
func bundledCodeFromWarning(warning string) string {
	const prefix = "BUNDLED: "
	if len(warning) <= len(prefix) || warning[:len(prefix)] != prefix {
		return ""
	}
	rest := warning[len(prefix):]
	for i, r := range rest {
		if r == ' ' {
			return rest[:i]
		}
	}
	return rest
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsSubstring(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// CPTDescription returns a short plain-English label for a CPT code,
// falling back to the bare code for anything outside the known set
// (e.g. a hybrid-path code the ML predictor emitted that the rule table
// itself never derives).
func CPTDescription(code string) string {
	if desc, ok := cptDescriptions[code]; ok {
		return desc
	}
	return code
}

var cptDescriptions = map[string]string{
	"31622": "Bronchoscopy, diagnostic",
	"31623": "Bronchoscopy with brushing",
	"31624": "Bronchoscopy with bronchoalveolar lavage",
	"31625": "Bronchoscopy with endobronchial biopsy",
	"31627": "Bronchoscopy with computer-assisted navigation (add-on)",
	"31628": "Bronchoscopy with transbronchial biopsy, single lobe",
	"31629": "Bronchoscopy with transbronchial needle aspiration, single lobe",
	"31636": "Bronchoscopy with airway stent placement, initial lobe",
	"31637": "Bronchoscopy with airway stent placement, each additional lobe (add-on)",
	"31652": "Bronchoscopy with linear EBUS, 1-2 stations sampled",
	"31653": "Bronchoscopy with linear EBUS, 3 or more stations sampled",
	"32551": "Tube thoracostomy, chest tube placement",
	"32555": "Thoracentesis with imaging guidance",
	"32557": "Thoracentesis without imaging guidance",
	"32560": "Pleurodesis via chest tube instillation",
	"32601": "Thoracoscopy, diagnostic (medical thoracoscopy)",
	"32650": "Thoracoscopy with pleurodesis",
}
