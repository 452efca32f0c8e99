// Package deterministic implements the Deterministic Extractors: pure,
// network-free regex/lexicon rules that populate Registry Record
// fragments from the focused note text, each carrying an evidence span
// for downstream auditability.
package deterministic

import (
	"regexp"
	"strings"

	"github.com/procsuite/procsuite/pkg/registryrecord"
)

// Evidence records the text span that justified one extracted field, so
// the pipeline can show its work.
type Evidence struct {
	Field string
	Quote string
}

// Result is a partial Record plus the evidence used to populate it. It is
// merged into the working Record by the Registry Service according to
// the fixed field-priority list: deterministic-rules > schema-guided LLM
// > keyword hydration.
type Result struct {
	Record   *registryrecord.Record
	Evidence []Evidence
}

// stationPattern matches EBUS/TBNA lymph node stations: one or two digits
// optionally followed by R or L, inside a context window containing
// "station". A raw \b\d{1,2}[RL]?\b match is too permissive on its own
// (it would catch dosages, ages, etc.), so stationWindow pre-filters to
// sentences that mention "station" at all before this pattern runs.
var stationPattern = regexp.MustCompile(`\b(\d{1,2}[RL]?)\b`)
var stationContextPattern = regexp.MustCompile(`(?i)station`)
var adequateWord = regexp.MustCompile(`(?i)\badequate\b`)
var inadequateWord = regexp.MustCompile(`(?i)\b(?:inadequate|non-?diagnostic|insufficient)\b`)

// deviceLexicon maps a case-insensitive device/brand substring to the
// airway procedure it is evidence for.
var deviceLexicon = map[string]registryrecord.Procedure{
	"zephyr valve":    registryrecord.BLVR,
	"spiration valve": registryrecord.BLVR,
	"ebus scope":      registryrecord.LinearEBUS,
	"cryoprobe":       registryrecord.TransbronchialCryobiopsy,
	"argon plasma":    registryrecord.ThermalAblation,
	"electrocautery":  registryrecord.ThermalAblation,
	"dumon stent":        registryrecord.AirwayStent,
	"ultraflex stent":    registryrecord.AirwayStent,
	"aero stent":         registryrecord.AirwayStent,
	"balloon dilation":   registryrecord.AirwayDilation,
	"rigid bronchoscope": registryrecord.RigidBronchoscopy,

	// Procedure-name phrases, as distinct from the brand-name/device
	// phrases above: the note states the procedure performed directly
	// rather than naming the instrument used to perform it.
	"bronchoalveolar lavage":        registryrecord.BAL,
	"broncho-alveolar lavage":       registryrecord.BAL,
	"bronchial wash":                registryrecord.BronchialWash,
	"endobronchial biops":           registryrecord.EndobronchialBiopsy,
	"transbronchial biops":          registryrecord.TransbronchialBiopsy,
	"conventional tbna":             registryrecord.TBNAConventional,
	"navigational bronchoscopy":     registryrecord.NavigationalBronchoscopy,
	"electromagnetic navigation":    registryrecord.NavigationalBronchoscopy,
	"robotic bronchoscopy":          registryrecord.NavigationalBronchoscopy,
	"bronchial thermoplasty":        registryrecord.BronchialThermoplasty,
	"foreign body removal":          registryrecord.ForeignBodyRemoval,
	"whole lung lavage":             registryrecord.WholeLungLavage,
	"endobronchial tumor debulking": registryrecord.TumorDebulkingNonThermal,
	"cryotherapy":                   registryrecord.Cryotherapy,

	"thoracentesis":               registryrecord.Thoracentesis,
	"chest tube":                  registryrecord.ChestTube,
	"indwelling pleural catheter": registryrecord.IPC,
	"tunneled pleural catheter":   registryrecord.IPC,
	"medical thoracoscopy":        registryrecord.MedicalThoracoscopy,
	"pleurodesis":                 registryrecord.Pleurodesis,
	"pleural biopsy":              registryrecord.PleuralBiopsy,
	"fibrinolytic therapy":        registryrecord.FibrinolyticTherapy,
	"tpa instillation":            registryrecord.FibrinolyticTherapy,
}

// brushings is matched separately from deviceLexicon because "brush"/
// "brushing" alone is too ambiguous a substring to safely lexicon-match
// without a bronchoscopy context guard (it collides with unrelated
// clinical text far more often than the other phrases above).
var brushingsPattern = regexp.MustCompile(`(?i)\bbronchial brush(?:ing)?s?\b`)

// sedationAgents maps a case-insensitive drug name to its canonical
// display form.
var sedationAgents = map[string]string{
	"propofol":   "propofol",
	"versed":     "midazolam",
	"midazolam":  "midazolam",
	"fentanyl":   "fentanyl",
	"ketamine":   "ketamine",
	"dexmedetomidine": "dexmedetomidine",
	"precedex":   "dexmedetomidine",
}

// complicationLexicon maps a case-insensitive finding to its canonical
// complication type.
var complicationLexicon = map[string]string{
	"pneumothorax":          "pneumothorax",
	"significant bleeding":  "bleeding",
	"hemorrhage":            "bleeding",
	"hypoxia":                "hypoxia",
	"desaturation":           "hypoxia",
	"airway obstruction":    "airway_obstruction",
	"laryngospasm":           "laryngospasm",
	"arrhythmia":             "arrhythmia",
}

// negationWindow is the number of characters before a complication match
// that is scanned for a negation cue.
const negationWindow = 40

var negationCues = regexp.MustCompile(`(?i)\b(no|not|without|denies|absent|negative for)\b`)

// Extract runs every deterministic rule over focusedText and returns a
// merged fragment plus evidence spans. Extractors never call network
// resources and never panic on malformed input.
func Extract(focusedText string) *Result {
	record := registryrecord.NewRecord()
	var evidence []Evidence

	extractStations(focusedText, record, &evidence)
	extractDevices(focusedText, record, &evidence)
	extractSedation(focusedText, record, &evidence)
	extractComplications(focusedText, record, &evidence)
	extractLaterality(focusedText, record, &evidence)

	return &Result{Record: record, Evidence: evidence}
}

func extractStations(text string, record *registryrecord.Record, evidence *[]Evidence) {
	for _, sentence := range splitSentences(text) {
		if !stationContextPattern.MatchString(sentence) {
			continue
		}
		matches := stationPattern.FindAllString(sentence, -1)
		if len(matches) == 0 {
			continue
		}
		adequate := adequateWord.MatchString(sentence) && !inadequateWord.MatchString(sentence)
		for _, station := range matches {
			record.GranularData.LinearEBUS.StationsSampled = append(
				record.GranularData.LinearEBUS.StationsSampled,
				registryrecord.StationSample{Station: station, Adequate: adequate},
			)
		}
		*evidence = append(*evidence, Evidence{Field: "granular_data.linear_ebus.stations_sampled", Quote: strings.TrimSpace(sentence)})
	}
}

func extractDevices(text string, record *registryrecord.Record, evidence *[]Evidence) {
	lower := strings.ToLower(text)
	for phrase, procedure := range deviceLexicon {
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			continue
		}
		markPerformed(record, procedure, text, idx, len(phrase), evidence)
	}
	if loc := brushingsPattern.FindStringIndex(text); loc != nil {
		markPerformed(record, registryrecord.Brushings, text, loc[0], loc[1]-loc[0], evidence)
	}
}

func markPerformed(record *registryrecord.Record, procedure registryrecord.Procedure, text string, idx, length int, evidence *[]Evidence) {
	detail, err := record.Procedure(procedure)
	if err != nil {
		return
	}
	detail.Performed = true
	*evidence = append(*evidence, Evidence{
		Field: fieldPrefix(procedure) + string(procedure) + ".performed",
		Quote: quoteAround(text, idx, length),
	})
}

func fieldPrefix(procedure registryrecord.Procedure) string {
	if registryrecord.IsPleuralProcedure(procedure) {
		return "pleural_procedures."
	}
	return "procedures_performed."
}

func extractSedation(text string, record *registryrecord.Record, evidence *[]Evidence) {
	lower := strings.ToLower(text)
	seen := map[string]struct{}{}
	for drug, canonical := range sedationAgents {
		idx := strings.Index(lower, drug)
		if idx < 0 {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		record.Sedation.Agents = append(record.Sedation.Agents, canonical)
		*evidence = append(*evidence, Evidence{Field: "sedation.agents", Quote: quoteAround(text, idx, len(drug))})
	}
	if strings.Contains(lower, "general anesthesia") || strings.Contains(lower, "general endotracheal") {
		record.Sedation.Type = "general"
	} else if len(record.Sedation.Agents) > 0 {
		record.Sedation.Type = "moderate"
	}
}

func extractComplications(text string, record *registryrecord.Record, evidence *[]Evidence) {
	lower := strings.ToLower(text)
	for phrase, complicationType := range complicationLexicon {
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			continue
		}
		windowStart := idx - negationWindow
		if windowStart < 0 {
			windowStart = 0
		}
		window := lower[windowStart:idx]
		if negationCues.MatchString(window) {
			continue
		}
		record.Complications = append(record.Complications, registryrecord.Complication{
			Type:        complicationType,
			Description: quoteAround(text, idx, len(phrase)),
		})
		*evidence = append(*evidence, Evidence{Field: "complications", Quote: quoteAround(text, idx, len(phrase))})
	}
}

var lateralityPattern = regexp.MustCompile(`(?i)\b(right|left|bilateral)\b`)

func extractLaterality(text string, record *registryrecord.Record, evidence *[]Evidence) {
	loc := lateralityPattern.FindStringIndex(text)
	if loc == nil {
		return
	}
	record.Demographics.Laterality = strings.ToLower(text[loc[0]:loc[1]])
	*evidence = append(*evidence, Evidence{Field: "demographics.laterality", Quote: quoteAround(text, loc[0], loc[1]-loc[0])})
}

// splitSentences does a simple, dependency-free sentence split on
// terminal punctuation followed by whitespace; adequate for section text
// that is already a handful of short clinical sentences.
func splitSentences(text string) []string {
	raw := regexp.MustCompile(`(?:\.|\n)+\s*`).Split(text, -1)
	sentences := make([]string, 0, len(raw))
	for _, s := range raw {
		if strings.TrimSpace(s) != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// quoteAround returns a short context window around a match for use as
// an evidence quote.
func quoteAround(text string, idx, matchLen int) string {
	start := idx - 20
	if start < 0 {
		start = 0
	}
	end := idx + matchLen + 20
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}
