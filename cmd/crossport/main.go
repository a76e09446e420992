// Command crossport drives conversion sessions from the terminal:
// starting, inspecting, and resuming sessions, resolving manual fixes,
// submitting batches, and managing webhook endpoints.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crossport-dev/crossport/internal/backup"
	"github.com/crossport-dev/crossport/internal/checkpoint"
	"github.com/crossport-dev/crossport/internal/conversion"
	"github.com/crossport-dev/crossport/internal/learning"
	"github.com/crossport-dev/crossport/internal/observability"
	"github.com/crossport-dev/crossport/internal/translate"
	"github.com/crossport-dev/crossport/internal/webhook"
	"github.com/crossport-dev/crossport/pkg/settings"
)

// Version is set via ldflags.
var Version = "dev"

var (
	flagCheckpointDir string
	flagRedisAddr     string
	flagPatternsFile  string
	flagWebhooksFile  string
	flagSettingsFile  string
	flagMetricsAddr   string
)

func main() {
	root := &cobra.Command{
		Use:          "crossport",
		Short:        "conversion session orchestrator",
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagCheckpointDir, "checkpoint-dir",
		getEnv("CROSSPORT_CHECKPOINT_DIR", ".crossport/checkpoints"), "checkpoint snapshot directory")
	root.PersistentFlags().StringVar(&flagRedisAddr, "redis-addr",
		os.Getenv("CROSSPORT_REDIS_ADDR"), "redis address for checkpoints (empty = file store)")
	root.PersistentFlags().StringVar(&flagPatternsFile, "patterns",
		getEnv("CROSSPORT_PATTERNS", ".crossport/patterns.json"), "learned pattern store file")
	root.PersistentFlags().StringVar(&flagWebhooksFile, "webhooks",
		getEnv("CROSSPORT_WEBHOOKS", ".crossport/webhooks.json"), "webhook registry file")
	root.PersistentFlags().StringVar(&flagSettingsFile, "settings", "", "settings YAML file")
	root.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newStartCmd(),
		newStatusCmd(),
		newSessionsCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newResumeFailedCmd(),
		newFixesCmd(),
		newPatternsCmd(),
		newBatchCmd(),
		newWebhookCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime bundles the wired collaborators behind every subcommand.
type runtime struct {
	manager    *conversion.Manager
	registry   *webhook.Registry
	dispatcher *webhook.Dispatcher
	store      checkpoint.Store

	shutdownTracing func()
}

func newRuntime(cfg settings.Settings) (*runtime, error) {
	observability.InitMetrics()
	if err := observability.InitTracingFromEnv(); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	var store checkpoint.Store
	var err error
	if flagRedisAddr != "" {
		store, err = checkpoint.NewRedisStore(checkpoint.RedisConfig{Addr: flagRedisAddr})
	} else {
		store, err = checkpoint.NewFileStore(flagCheckpointDir)
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	patterns, err := learning.NewStore(flagPatternsFile)
	if err != nil {
		return nil, fmt.Errorf("open pattern store: %w", err)
	}
	registry, err := webhook.NewRegistry(flagWebhooksFile)
	if err != nil {
		return nil, fmt.Errorf("open webhook registry: %w", err)
	}
	dispatcher := webhook.NewDispatcher(registry, webhook.DispatcherOptions{})

	translator, err := buildTranslator(cfg)
	if err != nil {
		return nil, err
	}

	manager, err := conversion.NewManager(conversion.ManagerOptions{
		Store:               store,
		Translator:          translator,
		Validator:           translate.HeuristicValidator{},
		Learning:            patterns,
		Registry:            registry,
		Dispatcher:          dispatcher,
		Backups:             backupManager(),
		Planner:             conversion.NewFilePlanner(),
		MaxParallelSessions: cfg.Performance.ParallelConversions,
	})
	if err != nil {
		return nil, err
	}

	if flagMetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.MetricsHandler())
			log.Printf("[Metrics] serving on %s", flagMetricsAddr)
			if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
				log.Printf("[Metrics] server stopped: %v", err)
			}
		}()
	}

	return &runtime{
		manager:    manager,
		registry:   registry,
		dispatcher: dispatcher,
		store:      store,
		shutdownTracing: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := observability.ShutdownTracing(ctx); err != nil {
				log.Printf("[Tracing] shutdown error: %v", err)
			}
		},
	}, nil
}

func (rt *runtime) close() {
	rt.manager.Close()
	if err := rt.store.Close(); err != nil {
		log.Printf("[Checkpoint] close error: %v", err)
	}
	rt.shutdownTracing()
}

// buildTranslator returns the OpenAI-backed translator when an API key
// is configured, or a stub that fails with an authentication error so
// offline commands (status, fixes, webhooks) still work.
func buildTranslator(cfg settings.Settings) (translate.Translator, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return offlineTranslator{}, nil
	}
	return translate.NewOpenAITranslator(translate.OpenAIOptions{
		APIKey:            apiKey,
		BaseURL:           os.Getenv("OPENAI_BASE_URL"),
		RequestsPerMinute: cfg.Performance.APIRateLimit,
		Temperature:       cfg.AI.Temperature,
		Timeout:           time.Duration(cfg.Performance.ChunkTimeoutSeconds) * time.Second,
	})
}

type offlineTranslator struct{}

func (offlineTranslator) Translate(context.Context, translate.Request) (*translate.Result, error) {
	return nil, translate.NewError(translate.ErrorCodeAuthentication, "OPENAI_API_KEY is not set", nil)
}

func loadSettings() (settings.Settings, error) {
	if flagSettingsFile == "" {
		return settings.Default(), nil
	}
	return settings.Load(flagSettingsFile)
}

// waitSettled blocks until the session leaves the active states or the
// user interrupts. Interrupt requests a cooperative pause first.
func waitSettled(rt *runtime, id string) (conversion.Summary, error) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	interrupted := false
	for {
		select {
		case <-quit:
			if interrupted {
				return rt.manager.GetStatus(id)
			}
			interrupted = true
			log.Printf("[Session %s] interrupt received, pausing", id)
			if err := rt.manager.PauseSession(id); err != nil {
				return conversion.Summary{}, err
			}
		case <-ticker.C:
		}

		summary, err := rt.manager.GetStatus(id)
		if err != nil {
			return conversion.Summary{}, err
		}
		switch summary.Status {
		case conversion.StatusCompleted, conversion.StatusFailed, conversion.StatusPaused:
			return summary, nil
		}
	}
}

func backupManager() *backup.Manager {
	return backup.NewManager(3)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
