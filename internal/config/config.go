package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Mode       ModeConfig       `koanf:"mode"`
	Runner     RunnerConfig     `koanf:"runner"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Pool       PoolConfig       `koanf:"pool"`
	Compressor CompressorConfig `koanf:"compressor"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type ModeConfig struct {
	Default            string `koanf:"default"`
	MaxDecisionHistory int    `koanf:"max_decision_history"`
	ApprovalTimeout    string `koanf:"approval_timeout"`
}

type RunnerConfig struct {
	ShellTimeout   string `koanf:"shell_timeout"`
	PythonTimeout  string `koanf:"python_timeout"`
	InstallTimeout string `koanf:"install_timeout"`
	GitTimeout     string `koanf:"git_timeout"`
	WorkDir        string `koanf:"work_dir"`
}

type CheckpointConfig struct {
	StorePath            string  `koanf:"store_path"`
	DefaultInterval      string  `koanf:"default_interval"`
	CompressionThreshold int     `koanf:"compression_threshold"`
	IncrementalRatio     float64 `koanf:"incremental_ratio"`
	RetentionKeep        int     `koanf:"retention_keep"`
	PreserveManual       bool    `koanf:"preserve_manual"`
}

type PoolConfig struct {
	MaxClientsPerKey int    `koanf:"max_clients_per_key"`
	MaxQueueSize     int    `koanf:"max_queue_size"`
	QueueTimeout     string `koanf:"queue_timeout"`
	IdleTimeout      string `koanf:"idle_timeout"`
	Provider         string `koanf:"provider"`
}

type CompressorConfig struct {
	MaxTokens           int    `koanf:"max_tokens"`
	PreserveRecentCount int    `koanf:"preserve_recent_count"`
	MaxTokensPerMessage int    `koanf:"max_tokens_per_message"`
	TruncationMarker    string `koanf:"truncation_marker"`
	SummarizeOld        bool   `koanf:"summarize_old"`
}

const (
	DefaultLogLevel = "info"

	DefaultMode                   = "execute"
	DefaultModeMaxDecisionHistory = 200
	DefaultModeApprovalTimeout    = "5m"

	DefaultRunnerShellTimeout   = "120s"
	DefaultRunnerPythonTimeout  = "120s"
	DefaultRunnerInstallTimeout = "300s"
	DefaultRunnerGitTimeout     = "120s"

	DefaultCheckpointInterval             = "30s"
	DefaultCheckpointCompressionThreshold = 10 * 1024
	DefaultCheckpointIncrementalRatio     = 0.5
	DefaultCheckpointRetentionKeep        = 20
	DefaultCheckpointPreserveManual       = true

	DefaultPoolMaxClientsPerKey = 3
	DefaultPoolMaxQueueSize     = 10
	DefaultPoolQueueTimeout     = "30s"
	DefaultPoolIdleTimeout      = "5m"
	DefaultPoolProvider         = "anthropic"

	DefaultCompressorMaxTokens           = 100_000
	DefaultCompressorPreserveRecent      = 10
	DefaultCompressorMaxTokensPerMessage = 8_000
	DefaultCompressorTruncationMarker    = "\n…[truncated]"
	DefaultCompressorSummarizeOld        = true
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"log.level":                        DefaultLogLevel,
		"mode.default":                     DefaultMode,
		"mode.max_decision_history":        DefaultModeMaxDecisionHistory,
		"mode.approval_timeout":            DefaultModeApprovalTimeout,
		"runner.shell_timeout":             DefaultRunnerShellTimeout,
		"runner.python_timeout":            DefaultRunnerPythonTimeout,
		"runner.install_timeout":           DefaultRunnerInstallTimeout,
		"runner.git_timeout":               DefaultRunnerGitTimeout,
		"runner.work_dir":                  "",
		"checkpoint.store_path":            filepath.Join(os.Getenv("HOME"), ".koban", "checkpoints"),
		"checkpoint.default_interval":      DefaultCheckpointInterval,
		"checkpoint.compression_threshold": DefaultCheckpointCompressionThreshold,
		"checkpoint.incremental_ratio":     DefaultCheckpointIncrementalRatio,
		"checkpoint.retention_keep":        DefaultCheckpointRetentionKeep,
		"checkpoint.preserve_manual":       DefaultCheckpointPreserveManual,
		"pool.max_clients_per_key":         DefaultPoolMaxClientsPerKey,
		"pool.max_queue_size":              DefaultPoolMaxQueueSize,
		"pool.queue_timeout":               DefaultPoolQueueTimeout,
		"pool.idle_timeout":                DefaultPoolIdleTimeout,
		"pool.provider":                    DefaultPoolProvider,
		"compressor.max_tokens":            DefaultCompressorMaxTokens,
		"compressor.preserve_recent_count": DefaultCompressorPreserveRecent,
		"compressor.max_tokens_per_message": DefaultCompressorMaxTokensPerMessage,
		"compressor.truncation_marker":      DefaultCompressorTruncationMarker,
		"compressor.summarize_old":          DefaultCompressorSummarizeOld,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".koban", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("KOBAN_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "KOBAN_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
