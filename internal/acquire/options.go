package acquire

import (
	"time"

	"github.com/alvmarrod/image-weaver/internal/config"
	"github.com/alvmarrod/image-weaver/internal/resilience"
)

// OptionsFromConfig maps acquire config plus per-source trust to pipeline options
func OptionsFromConfig(cfg config.AcquireConfig, sources []config.SourceConfig, userAgent string) Options {
	trust := make(map[string]float64, len(sources))
	for _, s := range sources {
		if s.Trust != 0 {
			trust[s.Name] = s.Trust
		}
	}
	return Options{
		MinBytes:  cfg.MinBytes,
		MaxBytes:  cfg.MaxBytes,
		MinWidth:  cfg.MinWidth,
		MinHeight: cfg.MinHeight,
		MinAspect: cfg.MinAspect,
		MaxAspect: cfg.MaxAspect,
		MinStdDev: cfg.MinStdDev,
		MinColors: cfg.MinColors,
		Retry: resilience.RetryPolicy{
			Attempts:  cfg.FetchAttempts,
			BaseDelay: time.Duration(cfg.FetchBaseDelayMs) * time.Millisecond,
			MaxDelay:  time.Duration(cfg.FetchMaxDelayMs) * time.Millisecond,
		},
		FetchTimeout:   time.Duration(cfg.FetchTimeoutMs) * time.Millisecond,
		MaxPerDomain:   cfg.MaxPerDomain,
		TrustedDomains: cfg.TrustedDomains,
		PenaltyTerms:   cfg.PenaltyTerms,
		SourceTrust:    trust,
		JPEGQuality:    cfg.JPEGQuality,
		UserAgent:      userAgent,
	}
}
