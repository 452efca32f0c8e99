package registryrecord

import "fmt"

// airwayAccessor is a closure pair that reads/writes one
// procedures_performed entry by Procedure name. Using a dispatch table of
// closures (rather than a reflection walk or an inheritance hierarchy)
// keeps "procedure name -> nested sub-record" a single flat lookup, per
// this domain's tagged-variant-dispatch design.
type airwayAccessor struct {
	get func(*ProceduresPerformed) *ProcedureDetail
}

var airwayAccessors = map[Procedure]airwayAccessor{
	LinearEBUS:               {func(p *ProceduresPerformed) *ProcedureDetail { return &p.LinearEBUS }},
	RadialEBUS:               {func(p *ProceduresPerformed) *ProcedureDetail { return &p.RadialEBUS }},
	BAL:                      {func(p *ProceduresPerformed) *ProcedureDetail { return &p.BAL }},
	BronchialWash:            {func(p *ProceduresPerformed) *ProcedureDetail { return &p.BronchialWash }},
	Brushings:                {func(p *ProceduresPerformed) *ProcedureDetail { return &p.Brushings }},
	EndobronchialBiopsy:      {func(p *ProceduresPerformed) *ProcedureDetail { return &p.EndobronchialBiopsy }},
	TBNAConventional:         {func(p *ProceduresPerformed) *ProcedureDetail { return &p.TBNAConventional }},
	TransbronchialBiopsy:     {func(p *ProceduresPerformed) *ProcedureDetail { return &p.TransbronchialBiopsy }},
	TransbronchialCryobiopsy: {func(p *ProceduresPerformed) *ProcedureDetail { return &p.TransbronchialCryobiopsy }},
	NavigationalBronchoscopy: {func(p *ProceduresPerformed) *ProcedureDetail { return &p.NavigationalBronchoscopy }},
	AirwayDilation:           {func(p *ProceduresPerformed) *ProcedureDetail { return &p.AirwayDilation }},
	AirwayStent:              {func(p *ProceduresPerformed) *ProcedureDetail { return &p.AirwayStent }},
	ThermalAblation:          {func(p *ProceduresPerformed) *ProcedureDetail { return &p.ThermalAblation }},
	TumorDebulkingNonThermal: {func(p *ProceduresPerformed) *ProcedureDetail { return &p.TumorDebulkingNonThermal }},
	Cryotherapy:              {func(p *ProceduresPerformed) *ProcedureDetail { return &p.Cryotherapy }},
	BLVR:                     {func(p *ProceduresPerformed) *ProcedureDetail { return &p.BLVR }},
	BronchialThermoplasty:    {func(p *ProceduresPerformed) *ProcedureDetail { return &p.BronchialThermoplasty }},
	ForeignBodyRemoval:       {func(p *ProceduresPerformed) *ProcedureDetail { return &p.ForeignBodyRemoval }},
	RigidBronchoscopy:        {func(p *ProceduresPerformed) *ProcedureDetail { return &p.RigidBronchoscopy }},
	WholeLungLavage:          {func(p *ProceduresPerformed) *ProcedureDetail { return &p.WholeLungLavage }},
}

var pleuralAccessors = map[Procedure]func(*PleuralProceduresBlock) *ProcedureDetail{
	Thoracentesis:       func(p *PleuralProceduresBlock) *ProcedureDetail { return &p.Thoracentesis },
	ChestTube:           func(p *PleuralProceduresBlock) *ProcedureDetail { return &p.ChestTube },
	IPC:                 func(p *PleuralProceduresBlock) *ProcedureDetail { return &p.IPC },
	MedicalThoracoscopy: func(p *PleuralProceduresBlock) *ProcedureDetail { return &p.MedicalThoracoscopy },
	Pleurodesis:         func(p *PleuralProceduresBlock) *ProcedureDetail { return &p.Pleurodesis },
	PleuralBiopsy:       func(p *PleuralProceduresBlock) *ProcedureDetail { return &p.PleuralBiopsy },
	FibrinolyticTherapy: func(p *PleuralProceduresBlock) *ProcedureDetail { return &p.FibrinolyticTherapy },
}

// Procedure looks up a procedures_performed or pleural_procedures entry by
// name, returning a pointer so callers can mutate Performed/Details in
// place. Returns an error for any name outside the closed Procedure set.
func (r *Record) Procedure(name Procedure) (*ProcedureDetail, error) {
	if accessor, ok := airwayAccessors[name]; ok {
		return accessor.get(&r.ProceduresPerformed), nil
	}
	if accessor, ok := pleuralAccessors[name]; ok {
		return accessor(&r.PleuralProcedures), nil
	}
	return nil, fmt.Errorf("registryrecord: unknown procedure %q", name)
}

// IsPerformed reports whether a named procedure's performed flag is set.
// Unknown names are treated as not performed rather than erroring, since
// callers iterating over rule tables should not need to special-case
// typos in their own rule data.
func (r *Record) IsPerformed(name Procedure) bool {
	detail, err := r.Procedure(name)
	if err != nil {
		return false
	}
	return detail.Performed
}

// SetPerformed sets a named procedure's performed flag. It never clears a
// flag that is already true; callers that need to force a value should
// mutate the ProcedureDetail returned by Procedure directly.
func (r *Record) SetPerformed(name Procedure, performed bool) error {
	detail, err := r.Procedure(name)
	if err != nil {
		return err
	}
	if performed && !detail.Performed {
		detail.Performed = true
	}
	return nil
}
