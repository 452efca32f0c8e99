// Package schema implements the schema-guided LLM extractor: the second
// extraction path the pipeline can run alongside (or, in extraction_first
// mode, after) the deterministic extractor. It asks the configured LLM to
// fill a fixed JSON schema from PHI-redacted, focused note text, with one
// repair retry on a malformed response.
package schema

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/procsuite/procsuite/internal/config"
	"github.com/procsuite/procsuite/pkg/llmclient"
	"github.com/procsuite/procsuite/pkg/registryrecord"
	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// systemPrompt is a fixed instruction block naming the exact output
// contract, built once as a package constant rather than assembled per
// call.
const systemPrompt = `<|system|>
You are a clinical registry abstractor. Read the interventional pulmonology
procedure note fragment between <|user|> and <|assistant|> and return ONLY
a single JSON object matching the Registry Record schema. Every boolean
"performed" field must be backed by an explicit statement in the note; do
not infer a procedure from an indication or a plan alone. If the note does
not mention a procedure, leave its "performed" field false. Return JSON
only, no prose, no markdown fences.
<|assistant|>`

// Extractor runs the schema-guided extraction path.
type Extractor struct {
	client   *llmclient.Client
	settings *config.Settings
}

// NewExtractor builds an Extractor around an already-constructed
// llmclient.Client so callers share one client (and its semaphore/breaker/
// cache) across both the extraction and self-correction judge steps.
func NewExtractor(client *llmclient.Client, settings *config.Settings) *Extractor {
	return &Extractor{client: client, settings: settings}
}

// llmRecordShape is the JSON shape the LLM is asked to emit; it is
// deliberately a loose map rather than registryrecord.Record itself so a
// model that omits an optional field doesn't fail json.Unmarshal — the
// caller merges only the keys present into a fresh Record.
type llmRecordShape map[string]json.RawMessage

// Extract calls the LLM once, retries once on a JSON-parse failure with an
// explicit repair instruction appended, and returns the best-effort
// extracted Record plus any warning about the repair path having been
// used.
func (e *Extractor) Extract(ctx context.Context, focusedText string) (*registryrecord.Record, []string, error) {
	var warnings []string

	raw, err := e.callAndParse(ctx, focusedText, false)
	if err != nil {
		warnings = append(warnings, "SCHEMA_EXTRACT_REPAIR: first LLM response was not valid JSON, retrying with repair instruction")
		raw, err = e.callAndParse(ctx, focusedText, true)
		if err != nil {
			return nil, warnings, pserrors.FailedToWithDetails("extract registry record via schema-guided LLM", "schema-extractor", "", err)
		}
	}

	record := registryrecord.NewRecord()
	if err := mergeInto(record, raw); err != nil {
		return nil, warnings, pserrors.FailedTo("merge LLM extraction into registry record", err)
	}
	return record, warnings, nil
}

func (e *Extractor) callAndParse(ctx context.Context, focusedText string, repair bool) (llmRecordShape, error) {
	prompt := focusedText
	if repair {
		prompt = focusedText + "\n\nYour previous response was not valid JSON. Return ONLY the corrected JSON object."
	}

	resp, err := e.client.Complete(ctx, llmclient.CompletionRequest{
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		JSONMode:     true,
		MaxTokens:    4096,
	})
	if err != nil {
		return nil, err
	}

	var shape llmRecordShape
	if err := json.Unmarshal([]byte(resp.Text), &shape); err != nil {
		return nil, pserrors.ParseError("llm extraction response", "JSON", err)
	}
	return shape, nil
}

// mergeInto applies only the keys the LLM actually returned onto record,
// via the same JSON tags registryrecord.Record already declares, so an
// LLM response that covers a subset of fields never clobbers the rest
// with zero values.
func mergeInto(record *registryrecord.Record, raw llmRecordShape) error {
	if len(raw) == 0 {
		return nil
	}
	merged, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(merged, record); err != nil {
		return fmt.Errorf("llm response does not match registry record shape: %w", err)
	}
	return nil
}
