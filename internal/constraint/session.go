package constraint

import (
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/llgbridge/internal/logger"
	"github.com/samcharles93/llgbridge/internal/toktrie"
)

// MaskResult is what ComputeMask hands the host: either a mask to sample
// against or a stop signal.
type MaskResult struct {
	Mask *toktrie.Bitset
	Stop bool
}

// AdvanceResult tells the host how to update its token history: drop
// Backtrack tokens, then append Tokens.
type AdvanceResult struct {
	Stop      bool              `json:"stop"`
	Backtrack uint32            `json:"backtrack"`
	Tokens    []toktrie.TokenID `json:"tokens"`
}

type state int

const (
	stateReady state = iota
	stateAwaitingSample
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateReady:
		return "ready"
	case stateAwaitingSample:
		return "awaiting_sample"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session drives one constrained generation. Hosts alternate ComputeMask and
// Advance; PrimePrompt may run once before the first mask. A Session is not
// safe for concurrent use.
type Session struct {
	parser   Parser
	trie     *toktrie.Trie
	log      logger.Logger
	logs     *logger.Buffer
	reporter Reporter

	pending     toktrie.StepArg
	progress    []ParserOutput
	temperature float32

	state  state
	primed bool
	masked bool
	err    error
}

func newSession(p Parser, trie *toktrie.Trie, log logger.Logger, logs *logger.Buffer) *Session {
	return &Session{
		parser: p,
		trie:   trie,
		log:    log,
		logs:   logs,
	}
}

// Temperature is the sampling temperature most recently requested by the
// grammar, 0 until one is set.
func (s *Session) Temperature() float32 { return s.temperature }

// Stopped reports whether the session reached its terminal state.
func (s *Session) Stopped() bool { return s.state == stateStopped }

// State names the decode-loop phase: ready, awaiting_sample or stopped.
func (s *Session) State() string { return s.state.String() }

// Err returns the sticky error, if any.
func (s *Session) Err() error { return s.err }

// PrimePrompt lets the parser rewrite the prompt before decoding starts.
func (s *Session) PrimePrompt(prompt []toktrie.TokenID) ([]toktrie.TokenID, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.primed {
		return nil, misuse("prompt already processed")
	}
	if s.masked || s.state != stateReady {
		return nil, misuse("prompt must be processed before the first mask")
	}
	s.primed = true
	out := s.parser.ProcessPrompt(prompt)
	if err := s.checkParser(); err != nil {
		return nil, err
	}
	s.log.Debug("prompt processed", "in", len(prompt), "out", len(out))
	return out, nil
}

// ComputeMask consumes the pending step argument and returns the tokens the
// grammar allows next.
func (s *Session) ComputeMask() (MaskResult, error) {
	if s.err != nil {
		return MaskResult{}, s.err
	}
	switch s.state {
	case stateStopped:
		return MaskResult{Stop: true}, nil
	case stateAwaitingSample:
		return MaskResult{}, misuse("compute mask called again before advance")
	}

	arg := s.pending
	s.pending = toktrie.StepArg{}
	s.masked = true

	br := s.parser.MidProcess(arg)
	if err := s.checkParser(); err != nil {
		return MaskResult{}, err
	}
	s.record(false, len(arg.Tokens))

	if br.Temperature != nil {
		s.temperature = *br.Temperature
	}
	if br.Stop {
		s.stop()
		return MaskResult{Stop: true}, nil
	}

	mask := br.SampleMask
	if mask == nil && br.Splice != nil && len(br.Splice.FFTokens) > 0 {
		mask = toktrie.SingletonBitset(s.trie.VocabSize(), br.Splice.FFTokens[0])
	}
	switch {
	case mask == nil:
		return MaskResult{}, s.fail(newParserError(errNoMask))
	case mask.Len() != s.trie.VocabSize():
		return MaskResult{}, s.fail(newParserError(errMaskSize(mask.Len(), s.trie.VocabSize())))
	}

	s.state = stateAwaitingSample
	s.log.Debug("mask computed", "allowed", mask.Count(), "backtrack", arg.Backtrack, "fed", len(arg.Tokens))
	return MaskResult{Mask: mask}, nil
}

// Advance commits the token the host sampled against the last mask.
func (s *Session) Advance(sampled toktrie.TokenID) (AdvanceResult, error) {
	if s.err != nil {
		return AdvanceResult{}, s.err
	}
	switch s.state {
	case stateStopped:
		return stopResult(), nil
	case stateReady:
		return AdvanceResult{}, misuse("advance called without a pending mask")
	}
	if !s.pending.IsEmpty() {
		return AdvanceResult{}, misuse("advance called with an unconsumed step argument")
	}
	if int(sampled) >= s.trie.VocabSize() {
		return AdvanceResult{}, misuse("token %d outside vocabulary of %d", sampled, s.trie.VocabSize())
	}

	splice, done := s.parser.Advance(toktrie.SampledArg(sampled))
	if err := s.checkParser(); err != nil {
		return AdvanceResult{}, err
	}

	if done {
		s.record(true, 1)
		s.stop()
		return stopResult(), nil
	}

	s.pending = toktrie.StepArg{
		Backtrack: splice.Backtrack,
		Tokens:    slices.Clone(splice.FFTokens),
	}
	s.record(true, 1)
	s.state = stateReady
	s.log.Debug("advanced", "sampled", sampled, "backtrack", splice.Backtrack, "ff", len(splice.FFTokens))

	if splice.Backtrack == 0 {
		tokens := make([]toktrie.TokenID, 0, 1+len(splice.FFTokens))
		tokens = append(tokens, sampled)
		tokens = append(tokens, splice.FFTokens...)
		return AdvanceResult{Tokens: tokens}, nil
	}
	// The sampled token never reached the host's history, so it owes one
	// rollback fewer than the parser.
	return AdvanceResult{
		Backtrack: splice.Backtrack - 1,
		Tokens:    append([]toktrie.TokenID{}, splice.FFTokens...),
	}, nil
}

// DrainLogs returns and clears the buffered session logs.
func (s *Session) DrainLogs() string {
	if s.logs == nil {
		return ""
	}
	return s.logs.Drain()
}

// TakeProgress returns and clears the buffered progress records.
func (s *Session) TakeProgress() []ParserOutput {
	out := s.progress
	s.progress = nil
	if out == nil {
		out = []ParserOutput{}
	}
	return out
}

// DrainProgress returns and clears the progress records as a JSON array.
func (s *Session) DrainProgress() ([]byte, error) {
	return json.Marshal(s.TakeProgress())
}

// Close releases the parser and buffers. Later calls fail with ErrClosed.
func (s *Session) Close() {
	s.parser = nil
	s.progress = nil
	s.logs = nil
	s.pending = toktrie.StepArg{}
	if s.err == nil {
		s.err = kindError{kind: ErrClosed, msg: "session closed"}
	}
}

func (s *Session) record(generated bool, numTokens int) {
	s.progress = append(s.progress, s.reporter.Report(s.parser, generated, numTokens)...)
}

func (s *Session) stop() {
	s.progress = append(s.progress, s.reporter.Final(s.parser))
	s.state = stateStopped
	s.pending = toktrie.StepArg{}
	s.log.Debug("stopped", "bytes", len(s.parser.Bytes()))
}

func (s *Session) checkParser() error {
	if err := s.parser.Err(); err != nil {
		return s.fail(newParserError(err))
	}
	return nil
}

func (s *Session) fail(err error) error {
	s.err = err
	s.log.Error("session failed", "error", err)
	return err
}

func stopResult() AdvanceResult {
	return AdvanceResult{Stop: true, Tokens: []toktrie.TokenID{}}
}
