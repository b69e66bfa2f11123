package biz

import (
	"golang.org/x/time/rate"

	"github.com/claby2/ebpfcca/config"
)

func NewRateLimit(settings *config.AppSettings) Limiter {
	if settings.TapRateLimitQPS > 0 {
		value := settings.TapRateLimitQPS
		return rate.NewLimiter(rate.Limit(value), value)
	}
	return nil
}

// ReportLimit is the per flow measurement limit handed to the datapath.
func ReportLimit(settings *config.AppSettings) (rate.Limit, int) {
	if settings.ReportRateLimit <= 0 {
		return rate.Inf, 1
	}
	return rate.Limit(settings.ReportRateLimit), settings.ReportBurst
}
