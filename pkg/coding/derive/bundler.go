package derive

import (
	"context"
	"path/filepath"

	"github.com/open-policy-agent/opa/rego"

	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// Suppression is one NCCI/MER bundling decision: a code to drop from the
// derived set, plus the reason captured into its rationale entry.
type Suppression struct {
	Code   string
	Reason string
}

// Bundler evaluates the NCCI bundling policy (configs/rules/ncci_bundling.rego
// by default) against the engine's raw derived code set.
type Bundler struct {
	query rego.PreparedEvalQuery
}

// NewBundler compiles the bundling policy found under rulesDir. A missing
// or syntactically invalid policy file is a fatal startup error.
func NewBundler(rulesDir string) (*Bundler, error) {
	policyPath := filepath.Join(rulesDir, "ncci_bundling.rego")
	query, err := rego.New(
		rego.Query("data.procsuite.ncci.suppressions"),
		rego.Load([]string{policyPath}, nil),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, pserrors.ConfigurationError("ncci_bundling_policy", err.Error())
	}
	return &Bundler{query: query}, nil
}

// Suppressions evaluates the policy against the raw derived code list and
// the IPC-performed flag, returning every code the policy says to drop.
func (b *Bundler) Suppressions(ctx context.Context, codes []string, ipcPerformed bool) ([]Suppression, error) {
	input := map[string]interface{}{
		"codes":         codes,
		"ipc_performed": ipcPerformed,
	}
	results, err := b.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, pserrors.FailedTo("evaluate NCCI bundling policy", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	raw, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, nil
	}

	var suppressions []Suppression
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		code, _ := m["code"].(string)
		reason, _ := m["reason"].(string)
		if code == "" {
			continue
		}
		suppressions = append(suppressions, Suppression{Code: code, Reason: reason})
	}
	return suppressions, nil
}
