package registryrecord

import (
	"encoding/json"
	"os"

	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// Schema is the description of the dynamic Registry schema document.
// Rather than driving reflection-based record construction (the schema is
// dynamic in the source system but this codebase's Record is a
// code-generated-looking, statically-typed struct), Schema is used only
// for a lint: every procedure name the schema enumerates must have a
// corresponding accessor in this package. The lint runs wherever
// LoadSchema is called; cmd/procsuite does not call it.
type Schema struct {
	Version              string   `json:"version"`
	AirwayProcedureNames  []string `json:"airway_procedure_names"`
	PleuralProcedureNames []string `json:"pleural_procedure_names"`
}

// LoadSchema reads the schema document from path and validates that every
// procedure it names is one this package's accessor tables know about.
// Known procedures the schema omits are not reported.
func LoadSchema(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pserrors.FailedTo("read registry schema file", err)
	}
	var schema Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, pserrors.FailedTo("parse registry schema file", err)
	}
	if err := schema.lint(); err != nil {
		return nil, err
	}
	return &schema, nil
}

// lint cross-checks the schema's procedure name lists against the
// compiled-in Procedure enum and accessor tables.
func (s *Schema) lint() error {
	known := make(map[Procedure]struct{}, len(AirwayProcedures)+len(PleuralProcedures))
	for _, p := range AirwayProcedures {
		known[p] = struct{}{}
	}
	for _, p := range PleuralProcedures {
		known[p] = struct{}{}
	}

	for _, name := range s.AirwayProcedureNames {
		if _, ok := known[Procedure(name)]; !ok {
			return pserrors.ConfigurationError("registry_schema", "schema names unknown airway procedure: "+name)
		}
	}
	for _, name := range s.PleuralProcedureNames {
		if _, ok := known[Procedure(name)]; !ok {
			return pserrors.ConfigurationError("registry_schema", "schema names unknown pleural procedure: "+name)
		}
	}
	return nil
}
