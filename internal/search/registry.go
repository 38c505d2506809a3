package search

import (
	"fmt"
	"net/http"
	"time"

	"github.com/alvmarrod/image-weaver/internal/config"
)

// BuildSources instantiates enabled sources from config, in priority order
func BuildSources(cfg config.SearchConfig) ([]Registration, error) {
	timeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	client := &http.Client{Timeout: timeout}

	var regs []Registration
	for _, sc := range cfg.Sources {
		if !sc.IsEnabled() {
			continue
		}

		var src Source
		switch sc.Type {
		case "json":
			src = NewJSONSource(JSONSourceConfig{
				Name:       sc.Name,
				URL:        sc.URL,
				Method:     sc.Method,
				Headers:    sc.Headers,
				ResultPath: sc.ResultPath,
				Fields:     sc.Fields,
				UserAgent:  cfg.UserAgent,
			}, client)
		case "html":
			src = NewHTMLSource(HTMLSourceConfig{
				Name:       sc.Name,
				URL:        sc.URL,
				Selector:   sc.Selector,
				Attributes: sc.Attributes,
				UserAgent:  cfg.UserAgent,
				Timeout:    timeout,
			})
		default:
			return nil, fmt.Errorf("source %s: unknown type %q", sc.Name, sc.Type)
		}

		regs = append(regs, Registration{Source: src, RateLimitRPS: sc.RateLimitRPS})
	}

	if len(regs) == 0 {
		return nil, fmt.Errorf("no enabled sources")
	}
	return regs, nil
}

// OptionsFromConfig maps search config to coordinator options
func OptionsFromConfig(cfg config.SearchConfig) Options {
	return Options{
		MinResults:       cfg.MinResults,
		InterSourceDelay: time.Duration(cfg.InterSourceDelayMs) * time.Millisecond,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.BreakerCooldownSec) * time.Second,
	}
}
