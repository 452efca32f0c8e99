// Package compare implements the Audit Comparator: a pure function that
// cross-checks the CPT Derivation Engine's output against the RAW-ML
// Auditor's bucketed predictions and produces a discrepancy report.
package compare

import (
	"fmt"
	"sort"

	"github.com/procsuite/procsuite/pkg/mlaudit"
)

// Report is the discrepancy report Compare produces for one note. Notes
// carries informational AUDIT_INFO entries (codes the deterministic
// engine derived that the ML audit set doesn't independently confirm);
// Warnings carries only the RAW_ML_AUDIT entries for codes the model
// flagged that derivation missed — the only ones that gate
// NeedsManualReview alongside high-confidence omissions, validation
// errors, and a GRAY_ZONE/LOW_CONF difficulty.
type Report struct {
	DerivedCodes      []string
	MLAuditCodes      []string
	Agreements        []string
	ExtraInDerived    []string
	MissingInDerived  []string
	HighConfOmissions []mlaudit.Prediction
	Notes             []string
	Warnings          []string
	NeedsManualReview bool
}

// Difficulty is a closed-set summary of how hard this note's coding was,
// derived from the auditor's predictions.
type Difficulty string

const (
	DifficultyHigh     Difficulty = "HIGH_CONF"
	DifficultyGray     Difficulty = "GRAY_ZONE"
	DifficultyLow      Difficulty = "LOW_CONF"
	DifficultyDisabled Difficulty = "disabled"
)

// Compare builds a Report from the derived code set and the auditor's
// full prediction list. It is a pure function of its inputs; auditSet is
// the subset of predictions the Auditor selected per its configured
// selection mode (buckets or top_k+min_prob), used for the agreement
// comparison; difficulty is computed by the caller (see DeriveDifficulty)
// and only feeds the NeedsManualReview decision.
func Compare(derivedCodes []string, derivedWarnings []string, auditSet []mlaudit.Prediction, difficulty Difficulty, validationErrors []string) *Report {
	derivedSet := toSet(derivedCodes)
	auditCodeSet := map[string]mlaudit.Prediction{}
	for _, p := range auditSet {
		auditCodeSet[p.CPT] = p
	}

	var agreements, extra, missing []string
	var highConfOmissions []mlaudit.Prediction
	var notes, warnings []string

	for _, code := range derivedCodes {
		if _, ok := auditCodeSet[code]; ok {
			agreements = append(agreements, code)
		} else {
			extra = append(extra, code)
			notes = append(notes, fmt.Sprintf("AUDIT_INFO: %s is in the derived set but not in the ML audit set", code))
		}
	}
	for code, pred := range auditCodeSet {
		if _, ok := derivedSet[code]; ok {
			continue
		}
		missing = append(missing, code)
		warnings = append(warnings, fmt.Sprintf("RAW_ML_AUDIT[%s]: model suggests %s (prob=%.2f), but deterministic derivation missed it", pred.Bucket, code, pred.Probability))
		if pred.Bucket == mlaudit.HighConf {
			highConfOmissions = append(highConfOmissions, pred)
		}
	}

	sort.Strings(agreements)
	sort.Strings(extra)
	sort.Strings(missing)
	sort.Slice(highConfOmissions, func(i, j int) bool { return highConfOmissions[i].CPT < highConfOmissions[j].CPT })

	needsReview := len(highConfOmissions) > 0 ||
		len(warnings) > 0 ||
		len(validationErrors) > 0 ||
		difficulty == DifficultyGray ||
		difficulty == DifficultyLow

	return &Report{
		DerivedCodes:      derivedCodes,
		MLAuditCodes:      codesOf(auditSet),
		Agreements:        agreements,
		ExtraInDerived:    extra,
		MissingInDerived:  missing,
		HighConfOmissions: highConfOmissions,
		Notes:             notes,
		Warnings:          warnings,
		NeedsManualReview: needsReview,
	}
}

// DeriveDifficulty summarizes the auditor's full prediction list into a
// single closed-set difficulty value.
func DeriveDifficulty(predictions []mlaudit.Prediction, auditorDisabled bool) Difficulty {
	if auditorDisabled {
		return DifficultyDisabled
	}
	worst := DifficultyHigh
	for _, p := range predictions {
		switch p.Bucket {
		case mlaudit.LowConf:
			return DifficultyLow
		case mlaudit.GrayZone:
			worst = DifficultyGray
		}
	}
	return worst
}

func toSet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

func codesOf(predictions []mlaudit.Prediction) []string {
	codes := make([]string, 0, len(predictions))
	for _, p := range predictions {
		codes = append(codes, p.CPT)
	}
	sort.Strings(codes)
	return codes
}
