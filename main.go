package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"forge/config"
	"forge/engine"
	"forge/ensemble"
	"forge/job"
	"forge/llm"
	"forge/memory"
	"forge/router"
	"forge/server"
	"forge/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to forge.yaml (defaults apply when absent)")
	flag.Parse()

	// Local overrides (FORGE_HOME and friends) may live in a .env file
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Model plumbing
	models := llm.NewManager(cfg.Models.Provider.CallTimeout, logger)
	models.RegisterProvider(cfg.Models.Provider.Name, llm.NewOllama(cfg.Models.Provider.BaseURL))

	thinking, err := ensemble.NewThinkingEnsemble(models, ensemble.ThinkingConfig{
		Models:          cfg.Models.Thinking,
		CallTimeout:     cfg.Models.Provider.CallTimeout,
		StrategyTimeout: cfg.Validation.StrategyTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build thinking ensemble: %w", err)
	}

	validation, err := ensemble.NewValidationEnsemble(models, workspace.NewCompileValidator(logger), ensemble.ValidationConfig{
		Models:      cfg.Models.Validation,
		Weights:     cfg.Validation.Weights,
		MinScore:    cfg.Jobs.MinScore,
		CallTimeout: cfg.Models.Provider.CallTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build validation ensemble: %w", err)
	}

	// Storage
	store, err := job.NewStore(cfg.Jobs.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	mem, err := memory.NewSQLiteStore(cfg.Memory.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer mem.Close()

	// Engine and job manager
	controller, err := engine.NewController(engine.ControllerConfig{
		Thinking:            thinking,
		Validation:          validation,
		Generator:           models,
		Inspector:           workspace.NewInspector(logger),
		Templates:           workspace.NewTemplateExecutor(logger),
		Memory:              mem,
		Ladder:              cfg.Models.Ladder,
		AllowPaid:           cfg.Models.AllowPaid,
		ConfidenceThreshold: cfg.Jobs.ConfidenceThreshold,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	manager, err := job.NewManager(job.ManagerConfig{
		MaxWorkers:       cfg.Jobs.MaxWorkers,
		DefaultMaxIter:   cfg.Jobs.MaxIterations,
		MaxIterationsCap: cfg.Jobs.MaxIterationsCap,
		DefaultMinScore:  cfg.Jobs.MinScore,
		JobTimeout:       cfg.Jobs.JobTimeout,
		Retention:        cfg.Jobs.Retention,
	}, store, job.NewBus(), controller, logger)
	if err != nil {
		return fmt.Errorf("failed to build job manager: %w", err)
	}
	manager.SetRootContext(ctx)
	manager.StartSweeper(ctx)

	// Front door
	registry := router.NewRegistry()
	registry.Register(&router.GenerateCodeTool{Manager: manager})
	registry.Register(&router.JobStatusTool{Manager: manager})
	registry.Register(&router.ListJobsTool{Manager: manager})
	registry.Register(&router.CancelJobTool{Manager: manager})
	registry.Register(&router.SearchMemoryTool{Memory: mem})
	registry.Register(&router.AnalyzeWorkspaceTool{Inspector: workspace.NewInspector(logger)})

	classifier := router.NewClassifier(models, cfg.Router.ClassifierModel, logger)
	rt := router.New(registry, classifier, cfg.Router.StepTimeout, logger)
	rt.SetEnqueuer(manager)
	registry.Register(&router.ExecuteTaskTool{Router: rt})

	srv := server.New(manager, registry, rt, logger)
	logger.Info("forge starting",
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("thinking_models", cfg.Models.Thinking),
		zap.Int("ladder_tiers", len(cfg.Models.Ladder)))

	if err := srv.Start(ctx, cfg.Server.Addr); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	logger.Info("forge stopped")
	return nil
}

// loadConfig falls back to defaults when no config file exists
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("config/forge.yaml"); err != nil {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
