package filter

import (
	"fmt"
	"regexp"

	"github.com/claby2/ebpfcca/protocol"
)

// KindMatchIncludeFilter passes records whose kind matches an expression.
type KindMatchIncludeFilter struct {
	r *regexp.Regexp
}

func NewKindMatchIncludeFilter(expr string) (*KindMatchIncludeFilter, error) {
	r, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("include expr %q: %w", expr, err)
	}
	return &KindMatchIncludeFilter{r: r}, nil
}

// Filter :If ok is true, it means that the record can pass
func (f *KindMatchIncludeFilter) Filter(rec *protocol.Record) (*protocol.Record, bool) {
	if f.r.MatchString(rec.Kind) {
		return rec, true
	}
	return nil, false
}
