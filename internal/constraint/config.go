package constraint

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/samcharles93/llgbridge/internal/grammar"
	"github.com/samcharles93/llgbridge/internal/logger"
	"github.com/samcharles93/llgbridge/internal/tokenizer"
	"github.com/samcharles93/llgbridge/internal/toktrie"
)

// ParserFactory builds a parser for one session from a grammar blob.
type ParserFactory func(env toktrie.TokEnv, caps toktrie.InferenceCapabilities, grammarBlob []byte, log logger.Logger) (Parser, error)

// Config is the template sessions are created from: a shared tokenizer
// environment plus the host's capabilities and log settings.
type Config struct {
	env      *tokenizer.Env
	caps     toktrie.InferenceCapabilities
	settings Settings
	console  io.Writer
	factory  ParserFactory
}

// Option customizes a Config.
type Option func(*Config)

// WithConsole sends console-level session logs to w instead of stderr.
func WithConsole(w io.Writer) Option {
	return func(c *Config) { c.console = w }
}

// WithParserFactory replaces the built-in grammar parser.
func WithParserFactory(f ParserFactory) Option {
	return func(c *Config) { c.factory = f }
}

// NewConfig validates settings and returns a session template.
func NewConfig(env *tokenizer.Env, caps toktrie.InferenceCapabilities, settings Settings, opts ...Option) (*Config, error) {
	if env == nil {
		return nil, malformed("tokenizer environment is required")
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	c := &Config{
		env:      env,
		caps:     caps,
		settings: settings,
		console:  os.Stderr,
		factory:  grammarParser,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewConfigFromJSON decodes capability and settings blobs. Empty blobs
// select the defaults.
func NewConfigFromJSON(env *tokenizer.Env, capsJSON, settingsJSON []byte, opts ...Option) (*Config, error) {
	caps, err := ParseCapabilities(capsJSON)
	if err != nil {
		return nil, err
	}
	settings, err := ParseSettings(settingsJSON)
	if err != nil {
		return nil, err
	}
	return NewConfig(env, caps, settings, opts...)
}

func (c *Config) Env() *tokenizer.Env                         { return c.env }
func (c *Config) Capabilities() toktrie.InferenceCapabilities { return c.caps }
func (c *Config) Settings() Settings                          { return c.settings }

// NewSession builds a parser for grammarBlob and wraps it in a fresh
// Session. On error no session exists.
func (c *Config) NewSession(grammarBlob []byte) (*Session, error) {
	if err := checkCapabilities(c.caps); err != nil {
		return nil, err
	}

	logs := &logger.Buffer{}
	log := logger.New(logger.NewFanoutHandler(
		logger.NewPrettyHandler(c.console, &slog.HandlerOptions{Level: logger.Verbosity(c.settings.ConsoleLogLevel)}),
		logger.NewPlainHandler(logs, &slog.HandlerOptions{Level: logger.Verbosity(c.settings.BufferLogLevel)}),
	))

	p, err := c.factory(c.env, c.caps, grammarBlob, log.WithGroup("parser"))
	if err != nil {
		switch {
		case errors.Is(err, ErrCapability), errors.Is(err, ErrMalformedInput):
			return nil, err
		default:
			return nil, malformed("grammar: %v", err)
		}
	}
	return newSession(p, c.env.Trie(), log, logs), nil
}

func grammarParser(env toktrie.TokEnv, caps toktrie.InferenceCapabilities, blob []byte, log logger.Logger) (Parser, error) {
	g, err := grammar.Parse(blob)
	if err != nil {
		return nil, err
	}
	gp, err := grammar.NewParser(env, caps, g, log)
	if err != nil {
		return nil, err
	}
	return gp, nil
}
