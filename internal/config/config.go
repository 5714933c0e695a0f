package config

import "github.com/spf13/viper"

// Config holds all runtime configuration for a forge run.
// Values are populated from .forge.yaml, FORGE_* env vars, and CLI flags.
type Config struct {
	Repo             string  `mapstructure:"repo"`
	Branch           string  `mapstructure:"branch"`
	WorkDir          string  `mapstructure:"work_dir"`
	MaxLoops         int     `mapstructure:"max_loops"`
	Workers          int     `mapstructure:"workers"`
	WorkerTimeoutSec int     `mapstructure:"worker_timeout_sec"`
	Worktrees        bool    `mapstructure:"worktrees"`
	CI               bool    `mapstructure:"ci"`
	Interactive      bool    `mapstructure:"interactive"`
	DryRun           bool    `mapstructure:"dry_run"`
	Debug            bool    `mapstructure:"debug"`
	DebugDir         string  `mapstructure:"debug_dir"`
	MemoryPath       string  `mapstructure:"memory_path"`
	TelemetryPath    string  `mapstructure:"telemetry_path"`
	Model            string  `mapstructure:"model"`
	APIBase          string  `mapstructure:"api_base"`
	NativeTools      bool    `mapstructure:"native_tools"`
	MaxTotalTokens   int     `mapstructure:"max_total_tokens"`
	MaxCostGBP       float64 `mapstructure:"max_cost_gbp"`
	PromptRateGBP    float64 `mapstructure:"prompt_rate_gbp"`     // per 1K prompt tokens
	CompleteRateGBP  float64 `mapstructure:"complete_rate_gbp"`   // per 1K completion tokens
	BuilderPrompt    string  `mapstructure:"builder_prompt"`
	ReviewerPrompt   string  `mapstructure:"reviewer_prompt"`
	JudgePrompt      string  `mapstructure:"judge_prompt"`
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() Config {
	viper.SetDefault("repo", "")
	viper.SetDefault("branch", "forge/fix")
	viper.SetDefault("work_dir", ".")
	viper.SetDefault("max_loops", 10)
	viper.SetDefault("workers", 3)
	viper.SetDefault("worker_timeout_sec", 300)
	viper.SetDefault("worktrees", false)
	viper.SetDefault("ci", false)
	viper.SetDefault("interactive", false)
	viper.SetDefault("dry_run", false)
	viper.SetDefault("debug", false)
	viper.SetDefault("debug_dir", ".forge/debug")
	viper.SetDefault("memory_path", ".forge/memory.db")
	viper.SetDefault("telemetry_path", ".forge/events.jsonl")
	viper.SetDefault("model", "")
	viper.SetDefault("api_base", "")
	viper.SetDefault("native_tools", false)
	viper.SetDefault("max_total_tokens", 0)
	viper.SetDefault("max_cost_gbp", 0.0)
	viper.SetDefault("prompt_rate_gbp", 0.00012)
	viper.SetDefault("complete_rate_gbp", 0.00047)
	viper.SetDefault("builder_prompt", "")
	viper.SetDefault("reviewer_prompt", "")
	viper.SetDefault("judge_prompt", "")

	var cfg Config
	_ = viper.Unmarshal(&cfg)
	return cfg
}
