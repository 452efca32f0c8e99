package registryrecord

import (
	"sync"

	"github.com/go-playground/validator/v10"

	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

var (
	validatorOnce sync.Once
	recordValidator *validator.Validate
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		recordValidator = validator.New()
	})
	return recordValidator
}

// Validate type-checks the Record's tagged sub-fields (age band, sex,
// sedation type enums) against their struct tags at the struct-shape
// level; procedure-specific detail shape checking happens in the
// extractors that populate Details.
func (r *Record) Validate() error {
	if err := getValidator().Struct(r); err != nil {
		return pserrors.ValidationError("record", err.Error())
	}
	return nil
}
