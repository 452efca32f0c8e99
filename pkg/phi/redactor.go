// Package phi implements the PHI Redaction Gate: a regex-driven redactor
// that runs before any note text reaches an LLM or is logged, with a
// safe, regex-free fallback for when the primary redaction logic panics.
// The gate fails closed: if neither path succeeds, the caller gets an
// error rather than raw text.
package phi

import (
	"fmt"
	"regexp"
	"strings"

	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// Placeholder is the stable redaction marker substituted for PHI spans.
// It is fixed (not per-entity) so derived text is reproducible across runs.
const Placeholder = "[REDACTED]"

// clinicalAllowlist holds tokens that would otherwise match a redaction
// pattern but are clinical vocabulary, not PHI: device model numbers,
// bronchoscope generation names, lobe/segment codes. These are checked
// before any pattern is allowed to redact a span that overlaps them.
var clinicalAllowlist = []string{
	"4R", "4L", "7", "10R", "10L", "11R", "11L", "11Rs", "11Ri", "12R", "12L",
	"RB1", "RB2", "RB3", "LB1", "LB2", "LB3", "LB4", "LB5",
	"Zephyr", "Spiration", "Pulmonx", "SuperDimension", "Monarch", "Ion",
	"BLVR", "EBUS", "TBNA", "TBLB", "IPC",
}

// pattern pairs a compiled regex with the kind of PHI it targets, used
// only for metrics/debugging; redaction itself is blind to kind.
type pattern struct {
	name string
	re   *regexp.Regexp
}

var patterns = []pattern{
	{"mrn", regexp.MustCompile(`(?i)\bMRN[:#]?\s*\d{5,10}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"dob", regexp.MustCompile(`(?i)\bDOB[:]?\s*\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`)},
	{"phone", regexp.MustCompile(`\b\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`)},
	{"email", regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)},
	{"address", regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Za-z0-9.\s]{3,30}\b(?:street|st|avenue|ave|road|rd|drive|dr|lane|ln|boulevard|blvd)\b`)},
	{"name_label", regexp.MustCompile(`(?i)\b(?:patient|pt)\s*name[:]?\s*[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\b`)},
	{"date_full", regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])[/-](?:0?[1-9]|[12]\d|3[01])[/-](?:19|20)\d{2}\b`)},
	{"record_number", regexp.MustCompile(`(?i)\b(?:record|account|chart)\s*(?:no\.?|number|#)[:]?\s*\d{4,}\b`)},
}

// Redactor redacts PHI spans from clinical note text before it is logged
// or sent to an external LLM provider.
type Redactor struct {
	patterns   []pattern
	allowlist  map[string]struct{}
}

// NewRedactor builds a Redactor with the built-in pattern set and
// clinical-term allowlist.
func NewRedactor() *Redactor {
	allow := make(map[string]struct{}, len(clinicalAllowlist))
	for _, term := range clinicalAllowlist {
		allow[strings.ToUpper(term)] = struct{}{}
	}
	return &Redactor{patterns: patterns, allowlist: allow}
}

// Redact runs the full pattern-based redaction pass. It is idempotent:
// running it twice on its own output yields the same output, since the
// placeholder text never matches any PHI pattern.
func (r *Redactor) Redact(text string) string {
	redacted := text
	for _, p := range r.patterns {
		redacted = p.re.ReplaceAllStringFunc(redacted, func(match string) string {
			if r.isAllowlisted(match) {
				return match
			}
			return Placeholder
		})
	}
	return redacted
}

// isAllowlisted reports whether match is (or contains as its entire
// trimmed content) a clinical vocabulary term that must never be redacted.
func (r *Redactor) isAllowlisted(match string) bool {
	trimmed := strings.ToUpper(strings.TrimSpace(match))
	_, ok := r.allowlist[trimmed]
	return ok
}

// RedactWithFallback runs Redact, recovering from any panic in the regex
// engine (e.g. catastrophic backtracking on adversarial input) and falling
// back to SafeFallback so a redaction failure never results in raw PHI
// reaching the caller. It always returns a non-PHI-bearing result; the
// error is non-nil only to signal that the primary path degraded.
func (r *Redactor) RedactWithFallback(text string) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = r.SafeFallback(text)
			err = pserrors.FailedTo("redact PHI via primary pattern set", fmt.Errorf("panic recovered: %v", rec))
		}
	}()
	return r.Redact(text), nil
}

// safeFallbackLabels are the simple, non-regex substring labels the
// fallback path scans for, case-insensitively, with no backtracking risk.
var safeFallbackLabels = []string{
	"mrn", "dob", "ssn", "patient name", "pt name", "account number",
	"chart number", "record number", "ssn#", "date of birth",
}

// SafeFallback is a simple case-insensitive substring scan with no
// regular expressions: it cannot panic regardless of input shape, and is
// the gate's last line of defense. It redacts the label and the token
// immediately following it up to the next whitespace/punctuation run.
func (r *Redactor) SafeFallback(text string) string {
	if text == "" {
		return text
	}
	lower := strings.ToLower(text)
	var b strings.Builder
	i := 0
	for i < len(text) {
		matched := ""
		for _, label := range safeFallbackLabels {
			if strings.HasPrefix(lower[i:], label) {
				matched = label
				break
			}
		}
		if matched == "" {
			b.WriteByte(text[i])
			i++
			continue
		}
		b.WriteString(Placeholder)
		i += len(matched)
		i = skipSeparator(text, i)
		i = skipToken(text, i)
	}
	return b.String()
}

func skipSeparator(text string, i int) int {
	for i < len(text) && (text[i] == ':' || text[i] == ' ' || text[i] == '\t') {
		i++
	}
	return i
}

func skipToken(text string, i int) int {
	for i < len(text) {
		c := text[i]
		if c == ' ' || c == '\t' || c == '\n' || c == ',' || c == '}' || c == ')' {
			break
		}
		i++
	}
	return i
}
