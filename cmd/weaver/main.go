package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/image-weaver/internal/acquire"
	"github.com/alvmarrod/image-weaver/internal/cache"
	"github.com/alvmarrod/image-weaver/internal/compose"
	"github.com/alvmarrod/image-weaver/internal/config"
	"github.com/alvmarrod/image-weaver/internal/health"
	"github.com/alvmarrod/image-weaver/internal/memory"
	"github.com/alvmarrod/image-weaver/internal/metrics"
	"github.com/alvmarrod/image-weaver/internal/orchestrator"
	"github.com/alvmarrod/image-weaver/internal/records"
	"github.com/alvmarrod/image-weaver/internal/resilience"
	"github.com/alvmarrod/image-weaver/internal/search"
	"github.com/alvmarrod/image-weaver/internal/segment"
	"github.com/alvmarrod/image-weaver/internal/server"
	"github.com/alvmarrod/image-weaver/internal/storage"
	"github.com/alvmarrod/image-weaver/internal/verify"
	"github.com/alvmarrod/image-weaver/internal/version"
)

// resultCache is what every cache backend offers
type resultCache interface {
	orchestrator.ResultCache
	ContentHashes(ctx context.Context) ([]string, error)
}

func main() {
	configPath := flag.String("config", "config.json", "path to JSON or YAML config")
	noResume := flag.Bool("no-resume", false, "ignore saved progress and process every record")
	flag.Parse()

	// Configure logging
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logrus.Infof("Image Weaver v%s starting...", version.Version)

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Unknown log level %q, keeping info", cfg.LogLevel)
	} else {
		logrus.SetLevel(level)
	}
	if *noResume {
		resume := false
		cfg.Run.Resume = &resume
	}

	logrus.Infof("Configuration loaded: input=%s, workers=%d, chunk=%d, sources=%d, cache=%s",
		cfg.Input.Path, cfg.Run.Workers, cfg.Run.ChunkSize, len(cfg.EnabledSources()), cfg.Cache.Backend)

	ctx := context.Background()

	// Load input records
	table, err := records.Load(cfg.Input.Path, cfg.Input.Format, cfg.Input.IndexColumn)
	if err != nil {
		logrus.Fatalf("Failed to load input: %v", err)
	}
	logrus.Infof("Loaded %d records (%d columns)", table.Len(), len(table.Columns))

	// Initialize storage
	store, err := storage.NewStorage(cfg.DBPath, cfg.Run.DBMaxConns)
	if err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()
	progress := store.Progress(cfg.DeadLetter.MaxRetries)

	logrus.Infof("Database initialized: %s", cfg.DBPath)

	// Result cache backend
	var (
		resCache resultCache
		memCache *memory.Cache
	)
	switch cfg.Cache.Backend {
	case "memory":
		memCache = memory.NewCache()
		resCache = memCache
	case "redis":
		rc, err := cache.NewRedisCache(cache.RedisConfig{
			Addrs:     cfg.Cache.Redis.Addrs,
			Username:  cfg.Cache.Redis.Username,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
		})
		if err != nil {
			logrus.Fatalf("Failed to initialize redis cache: %v", err)
		}
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			logrus.Fatalf("Redis unreachable: %v", err)
		}
		resCache = rc
	default:
		resCache = store.Cache()
	}

	// Content hashes already bound to cached queries stay unique across runs
	hashes := resilience.NewSet()
	if known, err := resCache.ContentHashes(ctx); err != nil {
		logrus.Warnf("Failed to seed content hashes: %v", err)
	} else {
		for _, h := range known {
			hashes.Add(h)
		}
		logrus.Infof("Seeded %d known content hashes", hashes.Len())
	}

	// Metrics
	metrics.Register()
	tracker := metrics.NewTracker()

	// Search
	regs, err := search.BuildSources(cfg.Search)
	if err != nil {
		logrus.Fatalf("Failed to build sources: %v", err)
	}
	healthTracker := health.NewTracker()
	coordinator := search.NewCoordinator(regs, healthTracker, search.OptionsFromConfig(cfg.Search))
	tracker.AttachSources(coordinator)

	// Acquisition
	pipeline := acquire.NewPipeline(
		acquire.OptionsFromConfig(cfg.Acquire, cfg.EnabledSources(), cfg.Search.UserAgent),
		&http.Client{},
		hashes,
	)

	deps := orchestrator.Deps{
		Records:  table,
		Queries:  records.NewQueryBuilder(cfg.Input.QueryColumns, cfg.Input.PlaceholderValues, cfg.Input.QuerySuffix),
		Progress: progress,
		Cache:    resCache,
		Search:   coordinator,
		Acquire:  pipeline,
		Composer: compose.CopyComposer{},
		Tracker:  tracker,
	}

	// Optional collaborators
	if cfg.Verify.Enabled {
		deps.Verify = verify.NewGate(
			verify.NewOpenAIVerifier(verify.OpenAIConfig{
				APIKey:  cfg.Verify.APIKey,
				BaseURL: cfg.Verify.BaseURL,
				Model:   cfg.Verify.Model,
			}),
			cfg.Verify.MinScore,
			time.Duration(cfg.Verify.TimeoutMs)*time.Millisecond,
			cfg.AcceptOnError(),
		)
		logrus.Infof("Verification enabled: model=%s, min_score=%.2f, accept_on_error=%v",
			cfg.Verify.Model, cfg.Verify.MinScore, cfg.AcceptOnError())
	}
	if cfg.Background.Enabled {
		remover, err := segment.NewHTTPRemover(segment.HTTPConfig{
			Endpoint:  cfg.Background.Endpoint,
			APIKey:    cfg.Background.APIKey,
			Timeout:   time.Duration(cfg.Background.TimeoutMs) * time.Millisecond,
			OutputDir: cfg.Background.OutputDir,
		}, nil)
		if err != nil {
			logrus.Fatalf("Failed to initialize background removal: %v", err)
		}
		deps.Segment = remover
	}
	if cfg.Compose.PostgresDSN != "" {
		pool, err := compose.OpenPool(ctx, cfg.Compose.PostgresDSN, cfg.Run.Workers, false)
		if err != nil {
			logrus.Fatalf("Failed to connect manifest database: %v", err)
		}
		manifest, err := compose.NewPostgresManifest(ctx, pool, compose.CopyComposer{})
		if err != nil {
			pool.Close()
			logrus.Fatalf("Failed to initialize manifest: %v", err)
		}
		defer manifest.Close()
		deps.Composer = manifest
		logrus.Info("Postgres manifest enabled")
	}

	orch, err := orchestrator.New(orchestrator.OptionsFromConfig(cfg), deps)
	if err != nil {
		logrus.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	// Status server
	var status *server.Server
	if cfg.StatusAddr != "" {
		status = server.New(cfg.StatusAddr, tracker, coordinator, progress)
		status.Start()
	}

	// Setup signal handler: first signal stops dispatch, second forces exit
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logrus.Infof("Received signal: %v", sig)
		orch.Stop()

		sig = <-sigChan
		logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
		logrus.Warn("Attempting emergency save...")

		if memCache != nil {
			if err := memCache.Flush(context.Background(), store.Cache()); err != nil {
				logrus.Errorf("Emergency cache flush failed: %v", err)
			}
		}
		if err := tracker.WriteToFile(cfg.ReportPath, "forced_exit"); err != nil {
			logrus.Errorf("Emergency report save failed: %v", err)
		}
		os.Exit(1)
	}()

	// Start progress logger
	var wg sync.WaitGroup
	stopProgress := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				logrus.Info(tracker.LogProgress())
			case <-stopProgress:
				return
			}
		}
	}()

	terminationReason, err := orch.Run(ctx)
	if err != nil {
		logrus.Errorf("Run aborted: %v", err)
		terminationReason = "error"
	}

	close(stopProgress)
	wg.Wait()

	logrus.Info("Initiating shutdown...")

	if memCache != nil {
		logrus.Info("Flushing in-memory cache to database...")
		if err := memCache.Flush(ctx, store.Cache()); err != nil {
			logrus.Errorf("Failed to flush cache: %v", err)
		}
	}

	if status != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := status.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("Status server shutdown: %v", err)
		}
		cancel()
	}

	if counts, err := progress.Counts(ctx); err == nil {
		logrus.Infof("Progress store: %d done, %d failed, %d dead-lettered",
			counts.Done, counts.Failed, counts.DeadLetters)
	}

	// Final progress log
	logrus.Info("Final stats: " + tracker.LogProgress())

	if err := tracker.WriteToFile(cfg.ReportPath, terminationReason); err != nil {
		logrus.Errorf("Failed to write report: %v", err)
	} else {
		logrus.Infof("Report written to %s", cfg.ReportPath)
	}

	logrus.Info("Shutdown complete. Goodbye!")
}
