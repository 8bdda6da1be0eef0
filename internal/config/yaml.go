package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape of spec §6.4's richer keys, read the
// same way the teacher's LoadManifest reads agents-manifest.yaml:
// os.ReadFile followed by yaml.Unmarshal into a plain struct.
type fileConfig struct {
	DataDir      string `yaml:"data_dir"`
	EmbeddingDim int    `yaml:"embedding_dim"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Recommend struct {
		K             int     `yaml:"k"`
		MinSimilarity float64 `yaml:"min_similarity"`
		PriorOutcome  float64 `yaml:"prior_outcome"`
		Alpha         float64 `yaml:"alpha"`
		Tau           float64 `yaml:"tau"`
		Sigma         float64 `yaml:"sigma"`
	} `yaml:"recommend"`

	Bus struct {
		MaxSessions          int    `yaml:"max_sessions"`
		MaxStreamsPerSession int    `yaml:"max_streams_per_session"`
		MaxFrameBytes        int    `yaml:"max_frame_bytes"`
		KeepaliveInterval    string `yaml:"keepalive_interval"`
		HandshakeTimeout     string `yaml:"handshake_timeout"`
		DrainTimeout         string `yaml:"drain_timeout"`
	} `yaml:"bus"`

	Gossip struct {
		Interval  string `yaml:"interval"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"gossip"`

	Capability struct {
		ReplayWindow string `yaml:"replay_window"`
	} `yaml:"capability"`

	Similarity struct {
		ExactScanLimit int `yaml:"exact_scan_limit"`
	} `yaml:"similarity"`
}

// LoadYAMLFile reads path and parses it as a fileConfig, following the
// teacher's LoadManifest shape exactly (os.ReadFile, yaml.Unmarshal,
// wrap errors with %w).
func LoadYAMLFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &fc, nil
}

// ApplyYAML overlays fc onto cfg. Zero-valued fields in fc leave cfg
// unchanged, so a partial YAML file only overrides what it names.
func (cfg *Config) ApplyYAML(fc *fileConfig) {
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.EmbeddingDim != 0 {
		cfg.EmbeddingDim = fc.EmbeddingDim
	}
	if fc.Log.Level != "" {
		cfg.LogLevel = fc.Log.Level
	}
	if fc.Log.Format != "" {
		cfg.LogFormat = fc.Log.Format
	}

	applySafeSubset(cfg, fc)

	if fc.Bus.MaxSessions != 0 {
		cfg.Bus.MaxSessions = fc.Bus.MaxSessions
	}
	if fc.Bus.MaxStreamsPerSession != 0 {
		cfg.Bus.MaxStreamsPerSession = fc.Bus.MaxStreamsPerSession
	}
	if fc.Bus.MaxFrameBytes != 0 {
		cfg.Bus.MaxFrameBytes = fc.Bus.MaxFrameBytes
	}
	if fc.Bus.HandshakeTimeout != "" {
		if d, err := time.ParseDuration(fc.Bus.HandshakeTimeout); err == nil {
			cfg.Bus.HandshakeTimeout = d
		}
	}
	if fc.Bus.DrainTimeout != "" {
		if d, err := time.ParseDuration(fc.Bus.DrainTimeout); err == nil {
			cfg.Bus.DrainTimeout = d
		}
	}
	if fc.Capability.ReplayWindow != "" {
		if d, err := time.ParseDuration(fc.Capability.ReplayWindow); err == nil {
			cfg.Capability.ReplayWindow = d
		}
	}
	if fc.Similarity.ExactScanLimit != 0 {
		cfg.Similarity.ExactScanLimit = fc.Similarity.ExactScanLimit
	}
}

// applySafeSubset overlays only the keys SPEC_FULL §2 names as safe to
// change on a running process: recommend.*, bus.keepalive_interval,
// and gossip.* (interval and batch_size). Watch calls this alone on
// every file change event; ApplyYAML calls it once at startup as part
// of the full overlay.
func applySafeSubset(cfg *Config, fc *fileConfig) {
	if fc.Recommend.K != 0 {
		cfg.Recommend.K = fc.Recommend.K
	}
	if fc.Recommend.MinSimilarity != 0 {
		cfg.Recommend.MinSimilarity = fc.Recommend.MinSimilarity
	}
	if fc.Recommend.PriorOutcome != 0 {
		cfg.Recommend.PriorOutcome = fc.Recommend.PriorOutcome
	}
	if fc.Recommend.Alpha != 0 {
		cfg.Recommend.Alpha = fc.Recommend.Alpha
	}
	if fc.Recommend.Tau != 0 {
		cfg.Recommend.Tau = fc.Recommend.Tau
	}
	if fc.Recommend.Sigma != 0 {
		cfg.Recommend.Sigma = fc.Recommend.Sigma
	}
	if fc.Bus.KeepaliveInterval != "" {
		if d, err := time.ParseDuration(fc.Bus.KeepaliveInterval); err == nil {
			cfg.Bus.KeepaliveInterval = d
		}
	}
	if fc.Gossip.Interval != "" {
		if d, err := time.ParseDuration(fc.Gossip.Interval); err == nil {
			cfg.Gossip.Interval = d
		}
	}
	if fc.Gossip.BatchSize != 0 {
		cfg.Gossip.BatchSize = fc.Gossip.BatchSize
	}
}

// Watch watches path for changes and applies the safe-to-change subset
// of each new revision to cfg live, using fsnotify the way
// itsneelabh-gomind and theRebelliousNerd-codenerd's config layers do.
// embedding_dim and data_dir are fixed at process start (spec §6.4):
// if a reload's file changes either, the attempt is logged and
// otherwise ignored — only the safe subset from that revision is
// applied. Watch blocks until ctx-equivalent stop is closed or the
// watcher errors.
func Watch(path string, cfg *Config, log *zap.Logger, stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fc, err := LoadYAMLFile(path)
			if err != nil {
				log.Warn("config reload failed, keeping previous values", zap.Error(err))
				continue
			}
			if fc.DataDir != "" && fc.DataDir != cfg.DataDir {
				log.Warn("ignoring attempt to change data_dir on a running process", zap.String("attempted", fc.DataDir))
			}
			if fc.EmbeddingDim != 0 && fc.EmbeddingDim != cfg.EmbeddingDim {
				log.Warn("ignoring attempt to change embedding_dim on a running process", zap.Int("attempted", fc.EmbeddingDim))
			}
			applySafeSubset(cfg, fc)
			log.Info("config hot-reloaded", zap.String("path", path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(err))
		case <-stop:
			return nil
		}
	}
}
