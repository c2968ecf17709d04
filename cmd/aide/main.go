// Aide daemon - persistent memory, habit detection, and proactive
// scheduling for a personal assistant.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aidehq/aide/internal/api"
	"github.com/aidehq/aide/internal/clock"
	"github.com/aidehq/aide/internal/config"
	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/embeddings"
	"github.com/aidehq/aide/internal/habits"
	"github.com/aidehq/aide/internal/llm"
	"github.com/aidehq/aide/internal/logging"
	"github.com/aidehq/aide/internal/memory"
	"github.com/aidehq/aide/internal/proactive"
	"github.com/aidehq/aide/internal/scheduler"
	"github.com/aidehq/aide/internal/storage"
	"github.com/aidehq/aide/internal/transport"
	"github.com/aidehq/aide/internal/vectors"
	"github.com/aidehq/aide/internal/wakeup"
)

var (
	configPath string
	version    = "0.1.0"
)

func main() {
	godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "aide",
		Short: "Aide - the assistant engine that remembers, learns, and acts",
		RunE:  runDaemon,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE:  runDaemon,
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aide %s\n", version)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			dbPath := filepath.Join(cfg.DataDir, "aide.db")
			if _, err := os.Stat(dbPath); err != nil {
				fmt.Println("No database yet. Run 'aide' to start the daemon.")
				return nil
			}

			db, err := storage.Open(storage.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			users, err := db.UserIDs()
			if err != nil {
				return err
			}

			fmt.Printf("Database: %s\n", dbPath)
			fmt.Printf("Users:    %d\n", len(users))
			return nil
		},
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	logging.Info("Starting aide %s", version)

	db, err := storage.Open(storage.Config{Path: filepath.Join(cfg.DataDir, "aide.db")})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	clk := clock.System()

	// Semantic recall is optional: without Ollama and Qdrant the memory
	// manager degrades to recency ranking.
	var embedder memory.Embedder
	var embedSvc *embeddings.Service
	if cfg.Embeddings.Enabled {
		embedSvc = embeddings.NewService(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
		if err := embedSvc.Health(context.Background()); err != nil {
			logging.Warn("Embedding endpoint unavailable, recall degrades to recency: %v", err)
		} else {
			embedder = embedSvc
			logging.Info("Embeddings connected (%s)", cfg.Embeddings.Model)
		}
	}

	var index memory.SemanticIndex
	if cfg.Qdrant.Enabled {
		vectorStore, err := vectors.NewStore(vectors.Config{
			Host: cfg.Qdrant.Host,
			Port: cfg.Qdrant.Port,
		})
		if err != nil {
			logging.Warn("Qdrant unavailable, recall degrades to recency: %v", err)
		} else {
			defer vectorStore.Close()
			if embedSvc != nil {
				if err := vectorStore.EnsureCollection(context.Background(), embedSvc.Dimension()); err != nil {
					logging.Warn("Failed to ensure vector collection: %v", err)
				}
			}
			index = vectorStore
			logging.Info("Qdrant connected at %s:%d", cfg.Qdrant.Host, cfg.Qdrant.Port)
		}
	}

	memStore := storage.NewMemoryStore(db)
	habitStore := storage.NewHabitStore(db)
	actionStore := storage.NewActionStore(db)
	prefStore := storage.NewPreferenceStore(db)

	memories, err := memory.NewManager(memStore, clk, memory.Config{
		RecentWindow:     time.Duration(cfg.Memory.RecentWindowHours) * time.Hour,
		CacheTTL:         cfg.Memory.CacheTTL,
		SimilarityWeight: cfg.Memory.SimilarityWeight,
	}, embedder, index)
	if err != nil {
		return fmt.Errorf("failed to create memory manager: %w", err)
	}

	sched := scheduler.New(storage.NewTaskStore(db), clk, scheduler.Config{
		TickInterval:      cfg.Scheduler.TickInterval,
		BackoffBase:       cfg.Scheduler.BackoffBase,
		BackoffCap:        cfg.Scheduler.BackoffCap,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
	})

	outbound := transport.New(transport.DefaultConfig(), clk)
	if !outbound.Configured() {
		logging.Warn("No delivery webhooks configured, texts and calls go to the log")
	}

	var composer core.Composer
	if c := llm.NewComposer(llm.DefaultConfig()); c.IsConfigured() {
		composer = c
		logging.Info("Composer configured")
	} else {
		logging.Warn("ANTHROPIC_API_KEY not set, notifications use fixed templates")
	}

	wakeups := wakeup.NewManager(storage.NewWakeupStore(db), sched, outbound, composer, prefStore, clk, wakeup.Config{
		DefaultMaxAttempts:  cfg.Wakeup.DefaultMaxAttempts,
		DefaultIntervalSecs: cfg.Wakeup.DefaultIntervalSecs,
		FallbackTemplate:    cfg.Wakeup.FallbackTemplate,
	})

	detector := habits.NewDetector(memStore, habitStore, db, sched, clk, habits.Config{
		ConfidenceFloor:     cfg.Habits.ConfidenceFloor,
		MinObservations:     cfg.Habits.MinObservations,
		CVCutoff:            cfg.Habits.CVCutoff,
		Staleness:           time.Duration(cfg.Habits.StalenessDays) * 24 * time.Hour,
		SequenceWindow:      time.Duration(cfg.Habits.SequenceWindowMinutes) * time.Minute,
		SequenceProbability: cfg.Habits.SequenceProbability,
		Lookback:            time.Duration(cfg.Habits.LookbackDays) * 24 * time.Hour,
		SuggestionLead:      time.Duration(cfg.Habits.SuggestionLeadMinutes) * time.Minute,
	})

	orch := proactive.NewOrchestrator(memories, habitStore, actionStore, wakeups,
		outbound, composer, prefStore, clk,
		cfg.Habits.ConfidenceFloor, time.Duration(cfg.Habits.StalenessDays)*24*time.Hour)

	service := proactive.NewService(sched, detector, memories, orch, prefStore, db, clk, proactive.ServiceConfig{
		ScanInterval:        cfg.Habits.ScanInterval,
		DecayInterval:       cfg.Memory.DecayInterval,
		DecayRatePerDay:     cfg.Memory.DecayRatePerDay,
		DecayFloor:          cfg.Memory.DecayFloor,
		DigestCheckInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start proactive service: %w", err)
	}

	server := api.New(api.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Memories:  memories,
		Detector:  detector,
		Scheduler: sched,
		Wakeups:   wakeups,
		Service:   service,
		Actions:   actionStore,
		Prefs:     prefStore,
		Clock:     clk,
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logging.Info("Shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Stop(shutdownCtx)
	}()

	return server.Start()
}
