package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-chaos/internal/api"
	"github.com/miradorstack/mirador-chaos/internal/cache"
	"github.com/miradorstack/mirador-chaos/internal/chaos"
	"github.com/miradorstack/mirador-chaos/internal/config"
	"github.com/miradorstack/mirador-chaos/internal/detector"
	"github.com/miradorstack/mirador-chaos/internal/fixit"
	"github.com/miradorstack/mirador-chaos/internal/flags"
	"github.com/miradorstack/mirador-chaos/internal/librarian"
	"github.com/miradorstack/mirador-chaos/internal/llm"
	"github.com/miradorstack/mirador-chaos/internal/metrics"
	"github.com/miradorstack/mirador-chaos/internal/repo"
	"github.com/miradorstack/mirador-chaos/internal/scheduler"
	"github.com/miradorstack/mirador-chaos/internal/services"
	"github.com/miradorstack/mirador-chaos/internal/telemetry"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// hashEmbeddingDim sizes the local embedder used when no model is configured.
const hashEmbeddingDim = 256

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-chaos", slog.String("version", version), slog.String("address", cfg.Server.Address))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version, telemetry.Options{})
	if err != nil {
		return err
	}

	cacheProvider := openCache(cfg.Cache, logger)
	defer cacheProvider.Close()

	obs := repo.NewObservabilityClient(
		cfg.Observability.BaseURL,
		cfg.Observability.APIToken,
		cfg.Observability.Timeout,
		cacheProvider,
		cfg.Observability.TopologyTTL,
	)
	if cfg.Observability.BaseURL == "" {
		logger.Warn("observability base URL not set; detection and diagnosis will see an unavailable backend")
	}

	var store flags.Store
	switch cfg.Flags.Mode {
	case "http":
		store = flags.NewHTTPStore(cfg.Flags.BaseURL, cfg.Flags.Timeout)
	default:
		store = flags.NewMemoryStore(flags.Defaults())
	}

	guard, err := openLLM(cfg, logger)
	if err != nil {
		return err
	}

	history, err := openHistory(cfg.Memory)
	if err != nil {
		return err
	}
	defer history.Close()

	index, closeIndex, err := openIndex(ctx, cfg.Memory, cacheProvider, logger)
	if err != nil {
		return err
	}
	defer closeIndex()

	memory := librarian.New(history, index, guard, guard, librarian.Options{SimilarK: cfg.FixIt.SimilarIncidents}, logger)

	catalogue, err := chaos.LoadCatalogue(cfg.Chaos.RecipesPath)
	if err != nil {
		return err
	}
	engine := chaos.NewEngine(catalogue, store, obs, memory, chaos.Options{
		MaxConcurrentFaults: cfg.Chaos.MaxConcurrentFaults,
		RetiredCapacity:     cfg.Chaos.RetiredCapacity,
		EventSource:         cfg.Observability.EventSource,
	}, logger)

	sched, err := scheduler.New(cfg.Scheduler, scheduler.Options{
		Engine:          engine,
		Catalogue:       catalogue,
		Advisor:         guard,
		DiscoverTargets: discoverServices(obs),
		DefaultDuration: cfg.Chaos.DefaultDuration,
	}, logger)
	if err != nil {
		return err
	}

	rules, err := fixit.LoadRules(cfg.FixIt.RulesPath)
	if err != nil {
		return err
	}
	pipeline, err := fixit.New(cfg.FixIt, obs, guard, store, engine, memory, fixit.Options{Rules: rules}, logger)
	if err != nil {
		return err
	}

	det, err := detector.New(cfg.Detector, obs, pipeline, detector.Options{
		Cache: detector.NewProcessedCache(cacheProvider, cfg.Detector.ProcessedTTL, nil),
	}, logger)
	if err != nil {
		return err
	}

	controlService := services.NewControlService(logger, services.Components{
		Engine:    engine,
		Scheduler: sched,
		Detector:  det,
		FixIt:     pipeline,
		Librarian: memory,
		Flags:     store,
	})

	server, err := api.NewServer(cfg.Server, controlService)
	if err != nil {
		return err
	}

	watcher := config.NewWatcher(configPath, cfg, cfg.Server.ReloadInterval, logger)
	watcher.OnChange(func(next *config.Config) {
		if err := sched.SetConfig(next.Scheduler); err != nil {
			logger.Warn("scheduler config rejected", slog.Any("error", err))
		}
		if err := det.SetConfig(next.Detector); err != nil {
			logger.Warn("detector config rejected", slog.Any("error", err))
		}
		engine.SetMaxConcurrentFaults(next.Chaos.MaxConcurrentFaults)
	})
	go watcher.Run(ctx)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("control surface listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	if cfg.Scheduler.Enabled {
		sched.Start(ctx)
	}
	if cfg.Detector.Enabled {
		det.Start(ctx)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	sched.Stop()
	det.Stop()
	if err := det.Wait(shutdownCtx); err != nil {
		logger.Warn("remediation runs still in flight at shutdown", slog.Any("error", err))
	}

	summary := engine.Shutdown(shutdownCtx, cfg.Chaos.RevertOnShutdown)
	if summary.Failed > 0 {
		logger.Error("faults left active at shutdown", slog.Int("reverted", summary.Reverted), slog.Int("failed", summary.Failed))
	} else if summary.Reverted > 0 {
		logger.Info("active faults reverted", slog.Int("reverted", summary.Reverted))
	}

	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	<-watcher.Done()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry flush failed", slog.Any("error", err))
	}
	logger.Info("mirador-chaos stopped")
	return nil
}

func openCache(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled || cfg.Addr == "" {
		return cache.NewMemoryProvider()
	}
	provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		Prefix:       cfg.Prefix,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
	})
	if err != nil {
		logger.Warn("valkey cache unavailable, using process memory", slog.Any("error", err))
		return cache.NewMemoryProvider()
	}
	return provider
}

func openLLM(cfg *config.Config, logger *slog.Logger) (*llm.Guard, error) {
	var (
		provider llm.Provider
		embedder llm.Embedder = llm.NewHashEmbedder(hashEmbeddingDim)
	)
	if cfg.Memory.Index == "qdrant" && cfg.Memory.Qdrant.VectorSize > 0 {
		embedder = llm.NewHashEmbedder(cfg.Memory.Qdrant.VectorSize)
	}
	if cfg.LLM.Enabled {
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
		})
		if err != nil {
			return nil, err
		}
		provider = client
		embedder = client
	}
	return llm.NewGuard(provider, embedder, llm.GuardOptions{
		Timeout:           cfg.LLM.Timeout,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		ProbeTTL:          cfg.LLM.ProbeTTL,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
	}, logger), nil
}

func openHistory(cfg config.MemoryConfig) (librarian.History, error) {
	if cfg.Backend == "sqlite" {
		return librarian.OpenSQLiteHistory(cfg.SQLitePath)
	}
	return librarian.NewMemoryHistory(), nil
}

func openIndex(ctx context.Context, cfg config.MemoryConfig, cacheProvider cache.Provider, logger *slog.Logger) (librarian.Index, func(), error) {
	noop := func() {}
	switch cfg.Index {
	case "none":
		return nil, noop, nil
	case "weaviate":
		return repo.NewWeaviateIndex(cfg.Weaviate.Endpoint, cfg.Weaviate.APIKey, cfg.Weaviate.Class, cfg.Weaviate.Timeout, cacheProvider, cfg.SimilarTTL), noop, nil
	case "qdrant":
		index, err := repo.NewQdrantIndex(cfg.Qdrant.Addr, cfg.Qdrant.Collection, cfg.Qdrant.VectorSize)
		if err != nil {
			return nil, noop, err
		}
		if err := index.EnsureCollection(ctx); err != nil {
			logger.Warn("qdrant collection check failed; similarity search may be empty", slog.Any("error", err))
		}
		return index, func() { _ = index.Close() }, nil
	default:
		return librarian.NewMemoryIndex(), noop, nil
	}
}

// discoverServices lists monitored service names for the scheduler's target pool.
func discoverServices(obs *repo.ObservabilityClient) func(context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		entities, err := obs.GetTopology(ctx, "type(SERVICE)")
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entities))
		for _, e := range entities {
			if e.DisplayName != "" {
				names = append(names, e.DisplayName)
			}
		}
		return names, nil
	}
}
