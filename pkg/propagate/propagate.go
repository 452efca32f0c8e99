// Package propagate implements the Granular-to-Aggregate Propagator: the
// single place where per-site granular evidence is allowed to flip an
// aggregate procedures_performed flag. It is a pure
// function; every other component must treat aggregate flags as given.
package propagate

import (
	"fmt"

	"github.com/procsuite/procsuite/pkg/registryrecord"
)

// Propagate derives aggregate procedure-performed flags from granular
// per-site evidence already present on record, returning the mutated
// record and the warnings generated along the way. It never flips a
// performed flag from true to false, and its flags and details are
// idempotent: calling it twice on its own output leaves them unchanged.
// VALIDATION_WARNING entries are re-emitted and recorded again on every
// call.
func Propagate(record *registryrecord.Record) (*registryrecord.Record, []string) {
	var warnings []string

	propagateLinearEBUS(record, &warnings)
	propagateTBLB(record, &warnings)
	propagateStents(record, &warnings)
	propagateValves(record, &warnings)

	for _, w := range warnings {
		record.AddWarning(w)
	}

	return record, warnings
}

func propagateLinearEBUS(record *registryrecord.Record, warnings *[]string) {
	samples := record.GranularData.LinearEBUS.StationsSampled
	adequateCount := 0
	for _, s := range samples {
		if s.Adequate {
			adequateCount++
		}
	}

	detail := &record.ProceduresPerformed.LinearEBUS
	wasPerformed := detail.Performed

	if adequateCount >= 1 {
		detail.Performed = true
		if detail.Details == nil {
			detail.Details = map[string]interface{}{}
		}
		detail.Details["stations_sampled_count"] = adequateCount
		if !wasPerformed {
			*warnings = append(*warnings, "PROPAGATED: linear_ebus.performed set from granular_data (aggregate flag flipped from granular evidence)")
		}
	} else if wasPerformed && len(samples) == 0 {
		*warnings = append(*warnings, "VALIDATION_WARNING: linear_ebus.performed=true with no granular_data.linear_ebus.stations_sampled evidence")
	}
}

func propagateTBLB(record *registryrecord.Record, warnings *[]string) {
	detail := &record.ProceduresPerformed.TransbronchialBiopsy
	wasPerformed := detail.Performed

	if len(record.GranularData.TBLB.Sites) > 0 {
		detail.Performed = true
		if !wasPerformed {
			*warnings = append(*warnings, "PROPAGATED: transbronchial_biopsy.performed set from granular_data (aggregate flag flipped from granular evidence)")
		}
	} else if wasPerformed {
		*warnings = append(*warnings, "VALIDATION_WARNING: transbronchial_biopsy.performed=true with no granular_data.tblb.sites evidence")
	}
}

func propagateStents(record *registryrecord.Record, warnings *[]string) {
	detail := &record.ProceduresPerformed.AirwayStent
	wasPerformed := detail.Performed

	if len(record.GranularData.Stents) > 0 {
		detail.Performed = true
		if detail.Details == nil {
			detail.Details = map[string]interface{}{}
		}
		detail.Details["lobe_count"] = len(record.GranularData.Stents)
		if !wasPerformed {
			*warnings = append(*warnings, "PROPAGATED: airway_stent.performed set from granular_data (aggregate flag flipped from granular evidence)")
		}
	} else if wasPerformed {
		*warnings = append(*warnings, "VALIDATION_WARNING: airway_stent.performed=true with no granular_data.stents evidence")
	}
}

func propagateValves(record *registryrecord.Record, warnings *[]string) {
	detail := &record.ProceduresPerformed.BLVR
	wasPerformed := detail.Performed

	if len(record.GranularData.Valves) > 0 {
		detail.Performed = true
		if detail.Details == nil {
			detail.Details = map[string]interface{}{}
		}
		detail.Details["valve_count"] = len(record.GranularData.Valves)
		if !wasPerformed {
			*warnings = append(*warnings, fmt.Sprintf("PROPAGATED: blvr.performed set from granular_data (%d valve(s) placed)", len(record.GranularData.Valves)))
		}
	} else if wasPerformed {
		*warnings = append(*warnings, "VALIDATION_WARNING: blvr.performed=true with no granular_data.valves evidence")
	}
}
