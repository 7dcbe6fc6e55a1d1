package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llgbridge/internal/constraint"
	"github.com/samcharles93/llgbridge/internal/logger"
	"github.com/samcharles93/llgbridge/internal/tokenizer"
	"github.com/samcharles93/llgbridge/internal/toktrie"
	"github.com/samcharles93/llgbridge/internal/vocabfile"
)

var (
	vocabPath         string
	tokenizerJSONPath string
	tokenizerConfig   string
	tiktokenEncoding  string
	consoleLogLevel   int64
	bufferLogLevel    int64
	allowBacktrack    bool
	allowFFTokens     bool
	logLevel          string
	logFormat         string
	debug             bool
)

func tokenizerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "vocab",
			Aliases:     []string{"v"},
			Usage:       "path to a vocab file written by `llgbridge pack`",
			Destination: &vocabPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer-json",
			Usage:       "path to a Hugging Face tokenizer.json",
			Destination: &tokenizerJSONPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer-config",
			Usage:       "path to tokenizer_config.json (optional, with --tokenizer-json)",
			Destination: &tokenizerConfig,
		},
		&cli.StringFlag{
			Name:        "tiktoken",
			Usage:       "tiktoken encoding name (cl100k_base, p50k_base, r50k_base)",
			Destination: &tiktokenEncoding,
		},
	}
}

func sessionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "console-log-level",
			Usage:       "session log level written to stderr (0-5)",
			Value:       1,
			Destination: &consoleLogLevel,
		},
		&cli.Int64Flag{
			Name:        "buffer-log-level",
			Usage:       "session log level kept for draining (0-5)",
			Value:       1,
			Destination: &bufferLogLevel,
		},
		&cli.BoolFlag{
			Name:        "backtrack",
			Usage:       "declare that the host can rewind committed tokens",
			Value:       true,
			Destination: &allowBacktrack,
		},
		&cli.BoolFlag{
			Name:        "ff-tokens",
			Usage:       "declare that the host accepts fast-forward tokens",
			Value:       true,
			Destination: &allowFFTokens,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (trace, debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	applyLoggingConfig(cmd, LoadConfig())
	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	var log logger.Logger
	switch logFormat {
	case "json":
		log = logger.JSON(os.Stderr, level)
	case "pretty", "":
		log = logger.Pretty(os.Stderr, level)
	default:
		return ctx, fmt.Errorf("unknown log format %q", logFormat)
	}
	return logger.WithContext(ctx, log), nil
}

// loadHost resolves exactly one tokenizer source from the flags.
func loadHost() (tokenizer.Host, func() error, error) {
	sources := 0
	for _, s := range []string{vocabPath, tokenizerJSONPath, tiktokenEncoding} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return nil, nil, fmt.Errorf("exactly one of --vocab, --tokenizer-json or --tiktoken is required")
	}
	noop := func() error { return nil }

	switch {
	case vocabPath != "":
		f, err := vocabfile.Open(vocabPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open vocab %s: %w", vocabPath, err)
		}
		host := f.Host()
		host.Info = slices.Clone(host.Info)
		return host, f.Close, nil
	case tokenizerJSONPath != "":
		tok, err := tokenizer.LoadHFTokenizer(tokenizerJSONPath, tokenizerConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("load tokenizer %s: %w", tokenizerJSONPath, err)
		}
		return tok, noop, nil
	default:
		tok, err := tokenizer.NewTikToken(tiktokenEncoding)
		if err != nil {
			return nil, nil, err
		}
		return tok, noop, nil
	}
}

// loadEnv builds the tokenizer environment and releases the source.
func loadEnv() (*tokenizer.Env, error) {
	host, release, err := loadHost()
	if err != nil {
		return nil, err
	}
	env, err := tokenizer.NewEnv(host)
	if relErr := release(); err == nil && relErr != nil {
		return nil, relErr
	}
	return env, err
}

func newConstraintConfig(env *tokenizer.Env) (*constraint.Config, error) {
	caps := toktrie.InferenceCapabilities{
		FFTokens:  allowFFTokens,
		Backtrack: allowBacktrack,
	}
	settings := constraint.Settings{
		ConsoleLogLevel: int(consoleLogLevel),
		BufferLogLevel:  int(bufferLogLevel),
	}
	return constraint.NewConfig(env, caps, settings)
}
