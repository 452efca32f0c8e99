package compare

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/procsuite/procsuite/pkg/mlaudit"
)

var _ = Describe("Compare", func() {
	It("flags a high-confidence omission and requires manual review (S5)", func() {
		derived := []string{}
		auditSet := []mlaudit.Prediction{
			{CPT: "31653", Probability: 0.97, Bucket: mlaudit.HighConf},
		}

		report := Compare(derived, nil, auditSet, DifficultyHigh, nil)

		Expect(report.MissingInDerived).To(ContainElement("31653"))
		Expect(report.HighConfOmissions).To(HaveLen(1))
		Expect(report.NeedsManualReview).To(BeTrue())
		Expect(report.Warnings).To(ContainElement(ContainSubstring("RAW_ML_AUDIT[HIGH_CONF]: model suggests 31653 (prob=0.97)")))
	})

	It("reports agreement with no warnings when derived and audit sets match", func() {
		derived := []string{"31624"}
		auditSet := []mlaudit.Prediction{{CPT: "31624", Probability: 0.91, Bucket: mlaudit.HighConf}}

		report := Compare(derived, nil, auditSet, DifficultyHigh, nil)

		Expect(report.Agreements).To(Equal([]string{"31624"}))
		Expect(report.MissingInDerived).To(BeEmpty())
		Expect(report.ExtraInDerived).To(BeEmpty())
		Expect(report.NeedsManualReview).To(BeFalse())
	})

	It("reports an extra-in-derived code as informational only, not a review trigger by itself", func() {
		derived := []string{"31625"}
		auditSet := []mlaudit.Prediction{}

		report := Compare(derived, nil, auditSet, DifficultyHigh, nil)

		Expect(report.ExtraInDerived).To(Equal([]string{"31625"}))
		Expect(report.Notes).To(ContainElement(ContainSubstring("AUDIT_INFO")))
		Expect(report.Warnings).To(BeEmpty())
		Expect(report.NeedsManualReview).To(BeFalse())
	})

	It("requires review when difficulty is GRAY_ZONE even with no discrepancies", func() {
		derived := []string{"31624"}
		auditSet := []mlaudit.Prediction{{CPT: "31624", Probability: 0.6, Bucket: mlaudit.GrayZone}}

		report := Compare(derived, nil, auditSet, DifficultyGray, nil)
		Expect(report.NeedsManualReview).To(BeTrue())
	})

	It("requires review when validation errors are present", func() {
		derived := []string{}
		report := Compare(derived, nil, nil, DifficultyHigh, []string{"schema mismatch"})
		Expect(report.NeedsManualReview).To(BeTrue())
	})
})

var _ = Describe("DeriveDifficulty", func() {
	It("returns disabled when the auditor is disabled", func() {
		Expect(DeriveDifficulty(nil, true)).To(Equal(DifficultyDisabled))
	})

	It("returns LOW_CONF if any prediction is LOW_CONF", func() {
		predictions := []mlaudit.Prediction{{CPT: "31624", Bucket: mlaudit.HighConf}, {CPT: "31628", Bucket: mlaudit.LowConf}}
		Expect(DeriveDifficulty(predictions, false)).To(Equal(DifficultyLow))
	})

	It("returns GRAY_ZONE if the worst bucket present is GRAY_ZONE", func() {
		predictions := []mlaudit.Prediction{{CPT: "31624", Bucket: mlaudit.HighConf}, {CPT: "31628", Bucket: mlaudit.GrayZone}}
		Expect(DeriveDifficulty(predictions, false)).To(Equal(DifficultyGray))
	})

	It("returns HIGH_CONF when every prediction is HIGH_CONF", func() {
		predictions := []mlaudit.Prediction{{CPT: "31624", Bucket: mlaudit.HighConf}}
		Expect(DeriveDifficulty(predictions, false)).To(Equal(DifficultyHigh))
	})
})
