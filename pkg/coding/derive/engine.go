// Package derive implements the CPT Derivation Engine: a pure function
// from a Registry Record to a set of (CPT code, rationale) pairs, plus
// derivation warnings. The engine never consults note text; every rule
// reads only the Record and the rule table.
package derive

import (
	"context"
	"fmt"
	"sort"

	"github.com/procsuite/procsuite/pkg/registryrecord"
)

// Result is the output of one derivation pass.
type Result struct {
	Codes      []string
	Rationales map[string]string
	Warnings   []string
}

// Engine evaluates the CPT rule table and the NCCI bundling policy.
type Engine struct {
	bundler *Bundler
}

// NewEngine builds an Engine with the NCCI bundling policy loaded from
// rulesDir/ncci_bundling.rego. Missing or invalid policy is a fatal
// startup error.
func NewEngine(rulesDir string) (*Engine, error) {
	bundler, err := NewBundler(rulesDir)
	if err != nil {
		return nil, err
	}
	return &Engine{bundler: bundler}, nil
}

// Bundler returns the engine's NCCI bundling policy evaluator, so callers
// outside the Record-driven rule table (the Hybrid-Policy Orchestrator's
// ML-first path) can apply the same compiled policy to an arbitrary code
// list without loading it a second time.
func (e *Engine) Bundler() *Bundler {
	return e.bundler
}

// Derive runs the full rule table over record and returns the derived
// codes, their rationales, and any derivation warnings. It is a pure
// function: the same record always yields the same result.
func (e *Engine) Derive(ctx context.Context, record *registryrecord.Record) (*Result, error) {
	codes := map[string]struct{}{}
	rationales := map[string]string{}
	var warnings []string

	applyMutexGroups(record, codes, rationales)
	applyThoracentesis(record, codes, rationales)
	applyPleurodesis(record, codes, rationales)
	applyStent(record, codes, rationales)
	applyNavigationalAddOn(record, codes, rationales, &warnings)

	codeList := make([]string, 0, len(codes))
	for c := range codes {
		codeList = append(codeList, c)
	}
	sort.Strings(codeList)

	ipcPerformed := record.IsPerformed(registryrecord.IPC)
	suppressions, err := e.bundler.Suppressions(ctx, codeList, ipcPerformed)
	if err != nil {
		return nil, fmt.Errorf("derive: NCCI bundling evaluation failed: %w", err)
	}

	final := make([]string, 0, len(codeList))
	suppressedSet := map[string]struct{}{}
	for _, s := range suppressions {
		suppressedSet[s.Code] = struct{}{}
		rationales[s.Code] = s.Reason
		warnings = append(warnings, fmt.Sprintf("BUNDLED: %s suppressed (%s)", s.Code, s.Reason))
	}
	for _, c := range codeList {
		if _, suppressed := suppressedSet[c]; suppressed {
			continue
		}
		final = append(final, c)
	}
	sort.Strings(final)

	return &Result{Codes: final, Rationales: rationales, Warnings: warnings}, nil
}

// applyMutexGroups evaluates every rule in primaryRuleTable, ensuring at
// most one member of each named mutex group fires. Rules with an empty
// mutex group are independent and may all fire.
func applyMutexGroups(record *registryrecord.Record, codes map[string]struct{}, rationales map[string]string) {
	fired := map[string]bool{}
	for _, r := range primaryRuleTable {
		if r.mutexGroup != "" && fired[r.mutexGroup] {
			continue
		}
		if !r.condition(record) {
			continue
		}
		codes[r.code] = struct{}{}
		rationales[r.code] = r.rationale(record)
		if r.mutexGroup != "" {
			fired[r.mutexGroup] = true
		}
	}
}

func applyThoracentesis(record *registryrecord.Record, codes map[string]struct{}, rationales map[string]string) {
	if !record.IsPerformed(registryrecord.Thoracentesis) {
		return
	}
	detail := record.PleuralProcedures.Thoracentesis
	imagingGuided, _ := detail.Details["imaging_guided"].(bool)
	if imagingGuided {
		codes["32555"] = struct{}{}
		rationales["32555"] = "pleural_procedures.thoracentesis.performed with details.imaging_guided=true"
	} else {
		codes["32557"] = struct{}{}
		rationales["32557"] = "pleural_procedures.thoracentesis.performed without imaging guidance"
	}
}

func applyPleurodesis(record *registryrecord.Record, codes map[string]struct{}, rationales map[string]string) {
	if !record.IsPerformed(registryrecord.Pleurodesis) {
		return
	}
	detail := record.PleuralProcedures.Pleurodesis
	route, _ := detail.Details["route"].(string)
	if route == "thoracoscopic" {
		codes["32650"] = struct{}{}
		rationales["32650"] = "pleural_procedures.pleurodesis.performed with details.route=thoracoscopic"
	} else {
		codes["32560"] = struct{}{}
		rationales["32560"] = "pleural_procedures.pleurodesis.performed via chest-tube instillation"
	}
}

func applyStent(record *registryrecord.Record, codes map[string]struct{}, rationales map[string]string) {
	if !record.IsPerformed(registryrecord.AirwayStent) {
		return
	}
	lobeCount := len(record.GranularData.Stents)
	if lobeCount == 0 {
		lobeCount = 1
	}
	codes["31636"] = struct{}{}
	rationales["31636"] = "procedures_performed.airway_stent.performed (first lobe)"
	if lobeCount > 1 {
		codes["31637"] = struct{}{}
		rationales["31637"] = fmt.Sprintf("procedures_performed.airway_stent.performed with granular_data.stents count=%d (each additional lobe)", lobeCount)
	}
}

// primaryBronchoscopyCodes are the codes that count as "a primary
// bronchoscopy code" for the navigational add-on gate.
var primaryBronchoscopyCodes = map[string]struct{}{
	"31622": {}, "31623": {}, "31624": {}, "31625": {}, "31628": {}, "31629": {},
	"31652": {}, "31653": {}, "31636": {},
}

func applyNavigationalAddOn(record *registryrecord.Record, codes map[string]struct{}, rationales map[string]string, warnings *[]string) {
	if !record.IsPerformed(registryrecord.NavigationalBronchoscopy) {
		return
	}
	hasPrimary := false
	for c := range codes {
		if _, ok := primaryBronchoscopyCodes[c]; ok {
			hasPrimary = true
			break
		}
	}
	if !hasPrimary {
		*warnings = append(*warnings, "DERIVATION_WARNING: navigational_bronchoscopy.performed but no primary bronchoscopy code present; +31627 dropped")
		return
	}
	codes["31627"] = struct{}{}
	rationales["31627"] = "procedures_performed.navigational_bronchoscopy.performed with a primary bronchoscopy code already derived"
}
