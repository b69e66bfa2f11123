package filter

import (
	"strings"

	"github.com/claby2/ebpfcca/protocol"
)

type KindExcludeFilter struct {
	exclude string
}

func NewKindExcludeFilter(exclude string) *KindExcludeFilter {
	var f KindExcludeFilter
	f.exclude = exclude
	return &f
}

// Filter :If ok is true, it means that the record can pass
func (f *KindExcludeFilter) Filter(rec *protocol.Record) (*protocol.Record, bool) {
	if strings.Contains(rec.Kind, f.exclude) {
		return nil, false
	}
	return rec, true
}
