package constraint

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/llgbridge/internal/toktrie"
)

const maxLogLevel = 5

// Settings controls per-session logging. Levels run from 0 (silent) to 5
// (everything); see logger.Verbosity.
type Settings struct {
	ConsoleLogLevel int `json:"console_log_level"`
	BufferLogLevel  int `json:"buffer_log_level"`
}

func DefaultSettings() Settings {
	return Settings{ConsoleLogLevel: 1, BufferLogLevel: 1}
}

func (s Settings) validate() error {
	if s.ConsoleLogLevel < 0 || s.ConsoleLogLevel > maxLogLevel {
		return malformed("console_log_level %d out of range 0..%d", s.ConsoleLogLevel, maxLogLevel)
	}
	if s.BufferLogLevel < 0 || s.BufferLogLevel > maxLogLevel {
		return malformed("buffer_log_level %d out of range 0..%d", s.BufferLogLevel, maxLogLevel)
	}
	return nil
}

// ParseSettings decodes a settings blob. Missing fields keep their defaults
// and an empty blob yields DefaultSettings.
func ParseSettings(blob []byte) (Settings, error) {
	s := DefaultSettings()
	if len(blob) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(blob, &s); err != nil {
		return Settings{}, malformed("parse settings: %v", err)
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ParseCapabilities decodes an inference capabilities blob over
// toktrie.DefaultCapabilities.
func ParseCapabilities(blob []byte) (toktrie.InferenceCapabilities, error) {
	caps := toktrie.DefaultCapabilities()
	if len(blob) == 0 {
		return caps, nil
	}
	if err := json.Unmarshal(blob, &caps); err != nil {
		return toktrie.InferenceCapabilities{}, malformed("parse capabilities: %v", err)
	}
	return caps, nil
}

func checkCapabilities(caps toktrie.InferenceCapabilities) error {
	if caps.Fork {
		return fmt.Errorf("%w: forking is not supported", ErrCapability)
	}
	return nil
}
