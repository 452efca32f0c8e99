package derive

import "github.com/procsuite/procsuite/pkg/registryrecord"

// rule is one entry of the CPT rule table: a condition over the Record
// plus the code and rationale it contributes when the condition holds.
// MutexGroup names a partition of mutually-exclusive rules; at most one
// rule per group fires.
type rule struct {
	code      string
	mutexGroup string
	condition func(r *registryrecord.Record) bool
	rationale func(r *registryrecord.Record) string
}

// stationCount returns the number of linear EBUS stations recorded,
// preferring the propagated aggregate count when present.
func stationCount(r *registryrecord.Record) int {
	if n, ok := r.ProceduresPerformed.LinearEBUS.Details["stations_sampled_count"].(int); ok {
		return n
	}
	count := 0
	for _, s := range r.GranularData.LinearEBUS.StationsSampled {
		if s.Adequate {
			count++
		}
	}
	return count
}

// primaryRuleTable is the prioritized CPT rule table. Mutually-exclusive
// groups are evaluated together by applyMutexGroups so at most one member
// of a group ever fires.
var primaryRuleTable = []rule{
	{
		code:       "31653",
		mutexGroup: "ebus_tbna",
		condition:  func(r *registryrecord.Record) bool { return r.IsPerformed(registryrecord.LinearEBUS) && stationCount(r) >= 3 },
		rationale:  func(r *registryrecord.Record) string { return "procedures_performed.linear_ebus.performed with stations_sampled_count >= 3" },
	},
	{
		code:       "31652",
		mutexGroup: "ebus_tbna",
		condition: func(r *registryrecord.Record) bool {
			n := stationCount(r)
			return r.IsPerformed(registryrecord.LinearEBUS) && n >= 1 && n <= 2
		},
		rationale: func(r *registryrecord.Record) string { return "procedures_performed.linear_ebus.performed with stations_sampled_count in [1,2]" },
	},
	{
		code:       "31628",
		mutexGroup: "",
		condition:  func(r *registryrecord.Record) bool { return r.IsPerformed(registryrecord.TransbronchialBiopsy) },
		rationale:  func(r *registryrecord.Record) string { return "procedures_performed.transbronchial_biopsy.performed" },
	},
	{
		code:       "31624",
		mutexGroup: "",
		condition:  func(r *registryrecord.Record) bool { return r.IsPerformed(registryrecord.BAL) },
		rationale:  func(r *registryrecord.Record) string { return "procedures_performed.bal.performed" },
	},
	{
		code:       "31623",
		mutexGroup: "",
		condition:  func(r *registryrecord.Record) bool { return r.IsPerformed(registryrecord.Brushings) },
		rationale:  func(r *registryrecord.Record) string { return "procedures_performed.brushings.performed" },
	},
	{
		code:       "31625",
		mutexGroup: "",
		condition:  func(r *registryrecord.Record) bool { return r.IsPerformed(registryrecord.EndobronchialBiopsy) },
		rationale:  func(r *registryrecord.Record) string { return "procedures_performed.endobronchial_biopsy.performed" },
	},
	{
		code:       "31622",
		mutexGroup: "",
		condition:  func(r *registryrecord.Record) bool { return hasAnyAirwayProcedure(r) },
		rationale:  func(r *registryrecord.Record) string { return "a diagnostic bronchoscopy was performed with no other billable finding" },
	},
	{
		code:       "32551",
		mutexGroup: "",
		condition:  func(r *registryrecord.Record) bool { return r.IsPerformed(registryrecord.ChestTube) },
		rationale:  func(r *registryrecord.Record) string { return "pleural_procedures.chest_tube.performed" },
	},
	{
		code:       "32601",
		mutexGroup: "",
		condition:  func(r *registryrecord.Record) bool { return r.IsPerformed(registryrecord.MedicalThoracoscopy) },
		rationale:  func(r *registryrecord.Record) string { return "pleural_procedures.medical_thoracoscopy.performed" },
	},
}

// hasAnyAirwayProcedure reports whether any single airway procedure other
// than a bare diagnostic look is performed; used only to gate the
// fallback diagnostic-bronchoscopy code, which the bundling pass then
// suppresses whenever an interventional primary is also present.
// Navigational bronchoscopy alone does not count: it only ever bills as
// the 31627 add-on, which needs some other primary code.
func hasAnyAirwayProcedure(r *registryrecord.Record) bool {
	for _, p := range registryrecord.AirwayProcedures {
		if p == registryrecord.NavigationalBronchoscopy {
			continue
		}
		if r.IsPerformed(p) {
			return true
		}
	}
	return false
}
