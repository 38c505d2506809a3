package orchestrator

import "github.com/alvmarrod/image-weaver/internal/config"

// OptionsFromConfig maps the run configuration onto orchestrator options
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Workers:         cfg.Run.Workers,
		ChunkSize:       cfg.Run.ChunkSize,
		Resume:          cfg.ResumeEnabled(),
		DeadLetter:      cfg.DeadLetterEnabled(),
		MaxResults:      cfg.Run.MaxResults,
		AssetDir:        cfg.Acquire.AssetDir,
		OutputDir:       cfg.Compose.OutputDir,
		PlaceholderPath: cfg.Compose.PlaceholderPath,
	}
	if cfg.Verify.Enabled {
		opts.MaxVerifyCandidates = cfg.Verify.MaxCandidates
		opts.RequireVerified = !cfg.FallbackUnverified()
	}
	return opts
}
