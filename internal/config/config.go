// Package config handles Aide configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration. The numeric thresholds the engine's
// behavior hangs on (confidence floor, staleness window, backoff) are
// deliberately here rather than hard-coded.
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	// Server
	Server ServerConfig `json:"server"`

	// Services
	Qdrant     QdrantConfig     `json:"qdrant"`
	Embeddings EmbeddingsConfig `json:"embeddings"`

	// Engine
	Memory    MemoryConfig    `json:"memory"`
	Habits    HabitsConfig    `json:"habits"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Wakeup    WakeupConfig    `json:"wakeup"`

	// Logging
	LogLevel string `json:"log_level"`
}

// ServerConfig for the HTTP API
type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// QdrantConfig for the semantic index. Disabled means recall degrades to
// recency ranking, which is functional but not semantic.
type QdrantConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// EmbeddingsConfig for the Ollama-compatible embedding endpoint
type EmbeddingsConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

// MemoryConfig tunes the memory store
type MemoryConfig struct {
	RecentWindowHours int           `json:"recent_window_hours"` // Fast-path horizon
	CacheTTL          time.Duration `json:"cache_ttl"`           // Recent-context cache TTL
	DecayRatePerDay   float64       `json:"decay_rate_per_day"`  // Importance lost per idle day
	DecayFloor        float64       `json:"decay_floor"`         // Importance never decays below this
	DecayInterval     time.Duration `json:"decay_interval"`      // How often the decay pass runs
	SimilarityWeight  float64       `json:"similarity_weight"`   // Recall blend: similarity vs importance
}

// HabitsConfig tunes pattern detection
type HabitsConfig struct {
	ConfidenceFloor       float64       `json:"confidence_floor"`        // Below this a pattern is never surfaced
	MinObservations       int           `json:"min_observations"`        // False-positive guard
	CVCutoff              float64       `json:"cv_cutoff"`               // Max coefficient of variation for frequency patterns
	StalenessDays         int           `json:"staleness_days"`          // Habits must be live
	SequenceWindowMinutes int           `json:"sequence_window_minutes"` // B must follow A within this window
	SequenceProbability   float64       `json:"sequence_probability"`    // Min P(B|A)
	LookbackDays          int           `json:"lookback_days"`           // Scan horizon
	ScanInterval          time.Duration `json:"scan_interval"`           // How often each user is re-scanned
	SuggestionLeadMinutes int           `json:"suggestion_lead_minutes"` // Suggest this long before the predicted time
}

// SchedulerConfig tunes trigger firing
type SchedulerConfig struct {
	TickInterval      time.Duration `json:"tick_interval"`
	BackoffBase       time.Duration `json:"backoff_base"`
	BackoffCap        time.Duration `json:"backoff_cap"`
	DefaultMaxRetries int           `json:"default_max_retries"`
}

// WakeupConfig tunes wake-up sessions
type WakeupConfig struct {
	DefaultMaxAttempts  int    `json:"default_max_attempts"`
	DefaultIntervalSecs int    `json:"default_interval_secs"`
	FallbackTemplate    string `json:"fallback_template"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".aide"),
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Qdrant: QdrantConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    6334,
		},
		Embeddings: EmbeddingsConfig{
			Enabled: false,
			BaseURL: "http://localhost:11434",
			Model:   "nomic-embed-text",
		},
		Memory: MemoryConfig{
			RecentWindowHours: 24,
			CacheTTL:          30 * time.Second,
			DecayRatePerDay:   0.02,
			DecayFloor:        0.05,
			DecayInterval:     6 * time.Hour,
			SimilarityWeight:  0.7,
		},
		Habits: HabitsConfig{
			ConfidenceFloor:       0.6,
			MinObservations:       3,
			CVCutoff:              0.5,
			StalenessDays:         14,
			SequenceWindowMinutes: 30,
			SequenceProbability:   0.6,
			LookbackDays:          30,
			ScanInterval:          time.Hour,
			SuggestionLeadMinutes: 15,
		},
		Scheduler: SchedulerConfig{
			TickInterval:      30 * time.Second,
			BackoffBase:       time.Minute,
			BackoffCap:        30 * time.Minute,
			DefaultMaxRetries: 3,
		},
		Wakeup: WakeupConfig{
			DefaultMaxAttempts:  3,
			DefaultIntervalSecs: 300,
			FallbackTemplate:    "Couldn't reach you by phone - this is your wake-up for %s.",
		},
		LogLevel: "info",
	}
}

// Load loads config from file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Env overrides for the pieces that point at other services
	if host := os.Getenv("AIDE_QDRANT_HOST"); host != "" {
		cfg.Qdrant.Host = host
		cfg.Qdrant.Enabled = true
	}
	if url := os.Getenv("AIDE_OLLAMA_URL"); url != "" {
		cfg.Embeddings.BaseURL = url
		cfg.Embeddings.Enabled = true
	}

	return cfg, nil
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
