// Package config loads the reasoning bank's process configuration:
// environment variables for process-level knobs (teacher convention),
// layered with an optional YAML file for the richer domain keys of
// spec §6.4, with a safe subset hot-reloadable via fsnotify.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the server.
type Config struct {
	// Process-level knobs (teacher's env-var convention).
	Port      int    // toolsurface HTTP listen port
	BusPort   int    // neural bus websocket listen port
	LogLevel  string // zap level name
	LogFormat string // "json" or "console"

	CORSAllowedOrigins string

	// Domain keys (spec §6.4). DataDir and EmbeddingDim are fixed at
	// process start; a later reload attempting to change either is
	// logged and ignored (see Watch).
	DataDir      string
	EmbeddingDim int

	Recommend  RecommendConfig
	Bus        BusConfig
	Gossip     GossipConfig
	Capability CapabilityConfig
	Similarity SimilarityConfig
}

// RecommendConfig mirrors internal/learner.Config's spec-documented defaults.
type RecommendConfig struct {
	K             int
	MinSimilarity float64
	PriorOutcome  float64
	Alpha         float64
	Tau           float64
	Sigma         float64
}

// BusConfig mirrors internal/bus.Config's resource caps and timeouts.
type BusConfig struct {
	MaxSessions          int
	MaxStreamsPerSession int
	MaxFrameBytes        int
	KeepaliveInterval    time.Duration
	HandshakeTimeout     time.Duration
	DrainTimeout         time.Duration
}

// GossipConfig mirrors internal/gossip.Config's pacing knobs.
type GossipConfig struct {
	Interval  time.Duration
	BatchSize int
}

// CapabilityConfig mirrors internal/capability's nonce replay window.
type CapabilityConfig struct {
	ReplayWindow time.Duration
}

// SimilarityConfig holds the exact-scan/approximate-index crossover
// point named in SPEC_FULL §8 (new, ambient to the core domain but not
// in spec §6.4's original table).
type SimilarityConfig struct {
	ExactScanLimit int
}

// Load reads configuration from environment variables with sensible
// defaults, in the teacher's getEnv/getEnvAsInt style.
func Load() *Config {
	return &Config{
		Port:               getEnvAsInt("PORT", 8080),
		BusPort:            getEnvAsInt("BUS_PORT", 8443),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),

		DataDir:      getEnv("DATA_DIR", "./data"),
		EmbeddingDim: getEnvAsInt("EMBEDDING_DIM", 768),

		Recommend: RecommendConfig{
			K:             getEnvAsInt("RECOMMEND_K", 8),
			MinSimilarity: getEnvAsFloat("RECOMMEND_MIN_SIMILARITY", 0.5),
			PriorOutcome:  getEnvAsFloat("RECOMMEND_PRIOR_OUTCOME", 0.25),
			Alpha:         getEnvAsFloat("RECOMMEND_ALPHA", 0.3),
			Tau:           getEnvAsFloat("RECOMMEND_TAU", 1.0),
			Sigma:         getEnvAsFloat("RECOMMEND_SIGMA", 1.0),
		},
		Bus: BusConfig{
			MaxSessions:          getEnvAsInt("BUS_MAX_SESSIONS", 256),
			MaxStreamsPerSession: getEnvAsInt("BUS_MAX_STREAMS_PER_SESSION", 16),
			MaxFrameBytes:        getEnvAsInt("BUS_MAX_FRAME_BYTES", 1<<20),
			KeepaliveInterval:    getEnvAsDuration("BUS_KEEPALIVE_INTERVAL", 30*time.Second),
			HandshakeTimeout:     getEnvAsDuration("BUS_HANDSHAKE_TIMEOUT", 10*time.Second),
			DrainTimeout:         getEnvAsDuration("BUS_DRAIN_TIMEOUT", 5*time.Second),
		},
		Gossip: GossipConfig{
			Interval:  getEnvAsDuration("GOSSIP_INTERVAL", 30*time.Second),
			BatchSize: getEnvAsInt("GOSSIP_BATCH_SIZE", 256),
		},
		Capability: CapabilityConfig{
			ReplayWindow: getEnvAsDuration("CAPABILITY_REPLAY_WINDOW", time.Hour),
		},
		Similarity: SimilarityConfig{
			ExactScanLimit: getEnvAsInt("SIMILARITY_EXACT_SCAN_LIMIT", 10000),
		},
	}
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float64 or returns a default value.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration or returns a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
