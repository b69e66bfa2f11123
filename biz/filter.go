package biz

import (
	"github.com/claby2/ebpfcca/config"
	"github.com/claby2/ebpfcca/filter"
)

func NewFilterChain(settings *config.AppSettings) (filter.Filter, error) {
	c := filter.NewFilterChain()
	for _, kind := range settings.ExcludeFilterKind {
		c.AddExcludeFilters(filter.NewKindExcludeFilter(kind))
	}

	if len(settings.IncludeFilterKindMatch) > 0 {
		f, err := filter.NewKindMatchIncludeFilter(settings.IncludeFilterKindMatch)
		if err != nil {
			return nil, err
		}
		c.AddIncludeFilter(f)
	}
	return c, nil
}
