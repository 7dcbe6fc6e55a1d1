package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the llgbridge configuration file
// (~/.config/llgbridge/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	// Tokenizer source
	Vocab           string `yaml:"vocab"`
	TokenizerJSON   string `yaml:"tokenizer_json"`
	TokenizerConfig string `yaml:"tokenizer_config"`
	Tiktoken        string `yaml:"tiktoken"`

	// Session
	ConsoleLogLevel *int64 `yaml:"console_log_level"`
	BufferLogLevel  *int64 `yaml:"buffer_log_level"`
	Backtrack       *bool  `yaml:"backtrack"`
	FFTokens        *bool  `yaml:"ff_tokens"`

	// Sampling defaults for `run`
	Temperature *float64 `yaml:"temperature"`
	TopK        *int64   `yaml:"top_k"`
	TopP        *float64 `yaml:"top_p"`
	Seed        *int64   `yaml:"seed"`
	MaxSteps    *int64   `yaml:"max_steps"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	if p := os.Getenv("LLGBRIDGE_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "llgbridge", "config.yaml")
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyTokenizerConfig fills the tokenizer source when no source flag was
// given at all, so a flag never combines with a configured source.
func applyTokenizerConfig(c *cli.Command, cfg Config) {
	if c.IsSet("vocab") || c.IsSet("tokenizer-json") || c.IsSet("tiktoken") {
		return
	}
	vocabPath = cfg.Vocab
	tokenizerJSONPath = cfg.TokenizerJSON
	tiktokenEncoding = cfg.Tiktoken
	if cfg.TokenizerConfig != "" && !c.IsSet("tokenizer-config") {
		tokenizerConfig = cfg.TokenizerConfig
	}
}

func applySessionConfig(c *cli.Command, cfg Config) {
	if cfg.ConsoleLogLevel != nil && !c.IsSet("console-log-level") {
		consoleLogLevel = *cfg.ConsoleLogLevel
	}
	if cfg.BufferLogLevel != nil && !c.IsSet("buffer-log-level") {
		bufferLogLevel = *cfg.BufferLogLevel
	}
	if cfg.Backtrack != nil && !c.IsSet("backtrack") {
		allowBacktrack = *cfg.Backtrack
	}
	if cfg.FFTokens != nil && !c.IsSet("ff-tokens") {
		allowFFTokens = *cfg.FFTokens
	}
}

// applyRunConfig applies config file defaults to run command variables
// when the corresponding CLI flag was not explicitly set.
func applyRunConfig(c *cli.Command, cfg Config, opts *runOptions) {
	applyTokenizerConfig(c, cfg)
	applySessionConfig(c, cfg)
	if cfg.Temperature != nil && !c.IsSet("temperature") {
		opts.temperature = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		opts.topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		opts.topP = *cfg.TopP
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		opts.seed = *cfg.Seed
	}
	if cfg.MaxSteps != nil && !c.IsSet("max-steps") {
		opts.maxSteps = *cfg.MaxSteps
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyTokenizerConfig(c, cfg)
	applySessionConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		return Config{}
	}
	return cfg
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
