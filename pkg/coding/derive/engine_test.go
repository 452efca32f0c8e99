package derive

import (
	"context"
	"path/filepath"
	"runtime"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/procsuite/procsuite/pkg/registryrecord"
)

func rulesDirPath() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "..", "configs", "rules")
}

var _ = Describe("Engine.Derive", func() {
	var engine *Engine

	BeforeEach(func() {
		var err error
		engine, err = NewEngine(rulesDirPath())
		Expect(err).NotTo(HaveOccurred())
	})

	It("derives 31653 for three adequate EBUS stations and excludes 31652/31622 (S1)", func() {
		record := registryrecord.NewRecord()
		record.ProceduresPerformed.LinearEBUS.Performed = true
		record.ProceduresPerformed.LinearEBUS.Details = map[string]interface{}{"stations_sampled_count": 3}

		result, err := engine.Derive(context.Background(), record)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Codes).To(ContainElement("31653"))
		Expect(result.Codes).NotTo(ContainElement("31652"))
		Expect(result.Codes).NotTo(ContainElement("31622"))
		Expect(result.Rationales["31653"]).NotTo(BeEmpty())
	})

	It("derives 31652 for one or two adequate stations", func() {
		record := registryrecord.NewRecord()
		record.ProceduresPerformed.LinearEBUS.Performed = true
		record.ProceduresPerformed.LinearEBUS.Details = map[string]interface{}{"stations_sampled_count": 2}

		result, err := engine.Derive(context.Background(), record)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Codes).To(ContainElement("31652"))
		Expect(result.Codes).NotTo(ContainElement("31653"))
	})

	It("derives BAL + transbronchial biopsy + navigational add-on (S2)", func() {
		record := registryrecord.NewRecord()
		record.ProceduresPerformed.BAL.Performed = true
		record.ProceduresPerformed.TransbronchialBiopsy.Performed = true
		record.ProceduresPerformed.NavigationalBronchoscopy.Performed = true

		result, err := engine.Derive(context.Background(), record)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Codes).To(ContainElements("31624", "31628", "31627"))
	})

	It("drops the navigational add-on with a warning when no primary is present (invariant 5)", func() {
		record := registryrecord.NewRecord()
		record.ProceduresPerformed.NavigationalBronchoscopy.Performed = true

		result, err := engine.Derive(context.Background(), record)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Codes).NotTo(ContainElement("31627"))
		Expect(result.Warnings).To(ContainElement(ContainSubstring("DERIVATION_WARNING")))
	})

	It("does not derive a code for a procedure that was not performed (S3)", func() {
		record := registryrecord.NewRecord()
		record.ProceduresPerformed.TransbronchialBiopsy.Performed = false

		result, err := engine.Derive(context.Background(), record)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Codes).NotTo(ContainElement("31628"))
	})

	It("suppresses 31622 when an interventional primary is present (bundling invariant 4)", func() {
		record := registryrecord.NewRecord()
		record.ProceduresPerformed.BAL.Performed = true
		record.ProceduresPerformed.RigidBronchoscopy.Performed = true // forces hasAnyAirwayProcedure true

		result, err := engine.Derive(context.Background(), record)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Codes).NotTo(ContainElement("31622"))
	})

	It("derives the correct stent codes by lobe count", func() {
		record := registryrecord.NewRecord()
		record.ProceduresPerformed.AirwayStent.Performed = true
		record.GranularData.Stents = []registryrecord.StentPlacement{{Lobe: "RUL"}, {Lobe: "RML"}}

		result, err := engine.Derive(context.Background(), record)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Codes).To(ContainElements("31636", "31637"))
	})

	It("suppresses thoracentesis codes when IPC is present", func() {
		record := registryrecord.NewRecord()
		record.PleuralProcedures.IPC.Performed = true
		record.PleuralProcedures.Thoracentesis.Performed = true

		result, err := engine.Derive(context.Background(), record)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Codes).NotTo(ContainElement("32555"))
		Expect(result.Codes).NotTo(ContainElement("32557"))
	})

	It("produces an empty code list and no error for an empty record (boundary behavior)", func() {
		record := registryrecord.NewRecord()
		result, err := engine.Derive(context.Background(), record)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Codes).To(BeEmpty())
	})

	It("is a pure function: the same record yields the same result twice", func() {
		record := registryrecord.NewRecord()
		record.ProceduresPerformed.BAL.Performed = true

		first, err := engine.Derive(context.Background(), record)
		Expect(err).NotTo(HaveOccurred())
		second, err := engine.Derive(context.Background(), record)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Codes).To(Equal(first.Codes))
	})
})
