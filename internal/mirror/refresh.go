package mirror

import (
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// SameData reports whether two observations of an item are structurally
// equal. Nil and empty collections compare equal since the stored form
// omits empty lists.
func SameData[T Item](a, b T) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}

// Refresh records a fresh upstream observation made at now. LastChecked
// always advances; Data and UpdatedAt change only when the content differs.
func (e Entity[T]) Refresh(data T, now time.Time) (Entity[T], bool) {
	e.LastChecked = now
	if SameData(e.Data, data) {
		return e, false
	}
	e.Data = data
	e.UpdatedAt = now
	return e, true
}
