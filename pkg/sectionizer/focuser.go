// Package sectionizer implements the Sectionizer / Focuser: it splits a
// scrubbed procedure note into labeled sections and returns the
// concatenation of the procedure-relevant ones. Auditing always runs on
// the full scrubbed text, never on the focused substring.
package sectionizer

import (
	"regexp"
	"strings"
)

// procedureRelevantHeaders are the section headers whose content feeds
// the extractors. Order here has no effect on output order; sections are
// emitted in the order they appear in the source text.
var procedureRelevantHeaders = map[string]struct{}{
	"indication":        {},
	"procedure":          {},
	"procedures":         {},
	"findings":           {},
	"technique":          {},
	"impression":         {},
	"complications":      {},
	"specimens":          {},
	"sedation":           {},
	"anesthesia":         {},
	"post-procedure plan": {},
	"disposition":        {},
}

// headerPattern matches a line that is entirely a known section header,
// case-insensitively, optionally followed by a colon.
var headerPattern = regexp.MustCompile(`(?im)^\s*([A-Za-z][A-Za-z \-/]{1,40}?)\s*:?\s*$`)

// Meta describes how focusing behaved for one call: which sections were
// found and whether Focus returned the full scrubbed text unchanged
// because no recognizable headers were found.
type Meta struct {
	SectionsFound []string
	UsedFallback  bool
	Warning       string
}

// Focus splits text into headed sections and returns the concatenation of
// the procedure-relevant ones, plus metadata describing what happened. If
// no recognizable headers are found, it falls back to returning the raw
// text unchanged and sets Meta.UsedFallback with a warning — it never
// errors and never drops content.
func Focus(text string) (focusedText string, meta Meta) {
	if strings.TrimSpace(text) == "" {
		return "", Meta{UsedFallback: true, Warning: "FOCUS_FALLBACK: empty input"}
	}

	sections := split(text)
	if len(sections) == 0 {
		return text, Meta{UsedFallback: true, Warning: "FOCUS_FALLBACK: no recognizable section headers"}
	}

	var b strings.Builder
	var found []string
	for _, sec := range sections {
		key := strings.ToLower(strings.TrimSpace(sec.header))
		if _, relevant := procedureRelevantHeaders[key]; !relevant {
			continue
		}
		found = append(found, sec.header)
		b.WriteString(sec.body)
		b.WriteString("\n")
	}

	if b.Len() == 0 {
		return text, Meta{UsedFallback: true, Warning: "FOCUS_FALLBACK: no procedure-relevant sections matched"}
	}

	return strings.TrimSpace(b.String()), Meta{SectionsFound: found}
}

type section struct {
	header string
	body   string
}

// split breaks text into (header, body) pairs using headerPattern as the
// section boundary. Text preceding the first recognized header is
// discarded from the section list (but Focus's caller still has the full
// raw text available for auditing).
func split(text string) []section {
	matches := headerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var sections []section
	for i, m := range matches {
		headerStart, headerEnd := m[2], m[3]
		bodyStart := m[1]
		bodyEnd := len(text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		sections = append(sections, section{
			header: text[headerStart:headerEnd],
			body:   strings.TrimSpace(text[bodyStart:bodyEnd]),
		})
	}
	return sections
}
