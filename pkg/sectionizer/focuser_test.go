package sectionizer

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Focus", func() {
	It("returns the concatenation of procedure-relevant sections", func() {
		text := "INDICATION:\nLung nodule, right upper lobe.\n\nPROCEDURE:\nEBUS-TBNA of stations 4R, 7, and 11L.\n\nIMPRESSION:\nAdequate samples obtained.\n"
		focused, meta := Focus(text)

		Expect(meta.UsedFallback).To(BeFalse())
		Expect(meta.SectionsFound).To(ContainElements("INDICATION", "PROCEDURE", "IMPRESSION"))
		Expect(focused).To(ContainSubstring("EBUS-TBNA of stations 4R, 7, and 11L"))
		Expect(focused).To(ContainSubstring("Lung nodule"))
	})

	It("excludes non-procedure-relevant sections like Patient History", func() {
		text := "PATIENT HISTORY:\nSome unrelated PHI-adjacent narrative.\n\nPROCEDURE:\nBAL of the right lower lobe.\n"
		focused, _ := Focus(text)
		Expect(focused).To(ContainSubstring("BAL of the right lower lobe"))
		Expect(focused).NotTo(ContainSubstring("unrelated PHI-adjacent narrative"))
	})

	It("falls back to raw text and warns when no headers are present", func() {
		text := "Plain narrative note with no section headers at all describing a bronchoscopy."
		focused, meta := Focus(text)
		Expect(meta.UsedFallback).To(BeTrue())
		Expect(meta.Warning).To(ContainSubstring("FOCUS_FALLBACK"))
		Expect(focused).To(Equal(text))
	})

	It("falls back on empty input without erroring", func() {
		focused, meta := Focus("")
		Expect(focused).To(Equal(""))
		Expect(meta.UsedFallback).To(BeTrue())
	})

	It("is case-insensitive on headers", func() {
		text := "procedure:\nChest tube placement performed.\n"
		focused, meta := Focus(text)
		Expect(meta.UsedFallback).To(BeFalse())
		Expect(focused).To(ContainSubstring("Chest tube placement performed"))
	})
})
