package registryrecord

import (
	"github.com/mohae/deepcopy"
)

// DeepCopy returns an independent copy of the Record. Downstream consumers
// of an extraction result always receive a copy rather than the Registry
// Service's own working Record.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}
	copied := deepcopy.Copy(*r).(Record)
	return &copied
}
