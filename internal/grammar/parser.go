package grammar

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/llgbridge/internal/logger"
	"github.com/samcharles93/llgbridge/internal/toktrie"
)

type frame struct {
	tok   toktrie.TokenID
	state *dstate
	end   int
}

// Parser drives a compiled grammar one token at a time. It keeps the token
// history since the grammar started so the host can be asked to rewind.
type Parser struct {
	env  toktrie.TokEnv
	trie *toktrie.Trie
	caps toktrie.InferenceCapabilities
	g    *Grammar
	m    *machine
	log  logger.Logger

	stack     []frame
	text      []byte
	generated int
	temp      float32
	stopped   bool
	captures  []toktrie.Capture
	err       error
}

// NewParser compiles g for one session over env.
func NewParser(env toktrie.TokEnv, caps toktrie.InferenceCapabilities, g *Grammar, log logger.Logger) (*Parser, error) {
	if env == nil || env.Trie() == nil {
		return nil, errors.New("grammar: tokenizer environment is required")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	prog, err := compile(g)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	p := &Parser{
		env:  env,
		trie: env.Trie(),
		caps: caps,
		g:    g,
		m:    newMachine(prog),
		log:  log,
	}
	p.log.Debug("grammar compiled", "states", len(prog.states), "gens", len(prog.gens))
	return p, nil
}

func (p *Parser) Bytes() []byte               { return p.text }
func (p *Parser) Captures() []toktrie.Capture { return p.captures }
func (p *Parser) Err() error                  { return p.err }

// Generated counts the sampled tokens accepted so far.
func (p *Parser) Generated() int { return p.generated }

func (p *Parser) current() *dstate {
	if len(p.stack) == 0 {
		return p.m.start
	}
	return p.stack[len(p.stack)-1].state
}

func (p *Parser) fail(err error) {
	if p.err == nil {
		p.err = err
		p.log.Debug("parser failed", "error", err)
	}
}

func (p *Parser) isEOS(tok toktrie.TokenID) bool {
	eos, ok := p.trie.EOS()
	return ok && tok == eos
}

func (p *Parser) push(tok toktrie.TokenID) error {
	if int(tok) >= p.trie.VocabSize() {
		return fmt.Errorf("token %d outside vocabulary of %d", tok, p.trie.VocabSize())
	}
	if p.trie.IsSpecial(tok) {
		return fmt.Errorf("token %d is special and cannot appear in grammar output", tok)
	}
	b := p.trie.TokenBytes(tok)
	if len(b) == 0 {
		return fmt.Errorf("token %d has no bytes", tok)
	}
	next := p.m.feed(p.current(), b)
	if next.dead() {
		return fmt.Errorf("token %d (%q) not allowed after %q", tok, b, tail(p.text))
	}
	p.text = append(p.text, b...)
	p.stack = append(p.stack, frame{tok: tok, state: next, end: len(p.text)})
	return nil
}

func (p *Parser) pop(n uint32) error {
	if int(n) > len(p.stack) {
		return fmt.Errorf("cannot rewind %d tokens, only %d in history", n, len(p.stack))
	}
	p.stack = p.stack[:len(p.stack)-int(n)]
	end := 0
	if len(p.stack) > 0 {
		end = p.stack[len(p.stack)-1].end
	}
	p.text = p.text[:end]
	return nil
}

func (p *Parser) tokenize(b []byte) ([]toktrie.TokenID, bool) {
	toks, err := p.env.TokenizeBytes(b)
	if err != nil {
		p.fail(fmt.Errorf("tokenize forced bytes %q: %w", b, err))
		return nil, false
	}
	return toks, true
}

// ProcessPrompt appends the grammar's forced prefix to prompt.
func (p *Parser) ProcessPrompt(prompt []toktrie.TokenID) []toktrie.TokenID {
	out := slices.Clone(prompt)
	if p.err != nil || len(p.stack) > 0 {
		return out
	}
	forced := p.m.forced(p.m.start)
	if len(forced) == 0 {
		return out
	}
	toks, ok := p.tokenize(forced)
	if !ok {
		return out
	}
	for _, t := range toks {
		if err := p.push(t); err != nil {
			p.fail(err)
			return out
		}
	}
	p.log.Debug("forced prefix appended", "bytes", len(forced), "tokens", len(toks))
	return append(out, toks...)
}

// MidProcess applies arg and decides the next step.
func (p *Parser) MidProcess(arg toktrie.StepArg) toktrie.Branch {
	if p.err != nil || p.stopped {
		return toktrie.Branch{Stop: true}
	}
	if arg.Backtrack > 0 {
		if err := p.pop(arg.Backtrack); err != nil {
			p.fail(err)
			return toktrie.Branch{}
		}
	}
	for _, t := range arg.Tokens {
		if p.isEOS(t) {
			if !p.current().accept {
				p.fail(fmt.Errorf("EOS not allowed after %q", tail(p.text)))
				return toktrie.Branch{}
			}
			p.finish("eos")
			return toktrie.Branch{Stop: true}
		}
		if err := p.push(t); err != nil {
			p.fail(err)
			return toktrie.Branch{}
		}
	}

	d := p.current()
	if p.g.MaxTokens > 0 && p.generated >= p.g.MaxTokens {
		p.log.Warn("max_tokens reached", "max_tokens", p.g.MaxTokens)
		p.finish("max_tokens")
		return toktrie.Branch{Stop: true}
	}
	viable := p.m.viable(d)
	if d.accept && viable.count() == 0 {
		p.finish("complete")
		return toktrie.Branch{Stop: true}
	}

	br := toktrie.Branch{Temperature: p.temperature(d)}
	if p.caps.AllowsSplices() {
		if forced := p.m.forced(d); len(forced) > 0 {
			toks, ok := p.tokenize(forced)
			if !ok {
				return br
			}
			p.log.Debug("forced splice", "bytes", len(forced), "tokens", len(toks))
			br.Splice = &toktrie.Splice{FFTokens: toks}
			return br
		}
	}

	mask := toktrie.NewBitset(p.trie.VocabSize())
	p.fillMask(d, p.trie.Root(), mask)
	if eos, ok := p.trie.EOS(); ok && d.accept {
		mask.Allow(eos)
	}
	if mask.IsZero() {
		p.fail(fmt.Errorf("no token allowed after %q", tail(p.text)))
		return br
	}
	p.log.Debug("mask", "allowed", mask.Count(), "accept", d.accept)
	br.SampleMask = mask
	return br
}

// fillMask walks the trie below n while the automaton stays alive.
func (p *Parser) fillMask(d *dstate, n toktrie.NodeID, mask *toktrie.Bitset) {
	viable := p.m.viable(d)
	for b, child := range p.trie.Children(n) {
		if !viable.has(b) {
			continue
		}
		next := p.m.step(d, b)
		if tok, ok := p.trie.Token(child); ok && !p.isEOS(tok) {
			mask.Allow(tok)
		}
		p.fillMask(next, child, mask)
	}
}

// Advance commits the sampled token and returns the forced continuation.
func (p *Parser) Advance(arg toktrie.StepArg) (toktrie.Splice, bool) {
	if p.err != nil {
		return toktrie.Splice{}, false
	}
	if p.stopped {
		return toktrie.Splice{}, true
	}
	if arg.Sampled == nil {
		p.fail(errors.New("advance without a sampled token"))
		return toktrie.Splice{}, false
	}
	tok := *arg.Sampled
	if arg.Backtrack > 0 {
		if err := p.pop(arg.Backtrack); err != nil {
			p.fail(err)
			return toktrie.Splice{}, false
		}
	}

	if p.isEOS(tok) {
		if !p.current().accept {
			p.fail(fmt.Errorf("EOS not allowed after %q", tail(p.text)))
			return toktrie.Splice{}, false
		}
		p.finish("eos")
		return toktrie.Splice{}, true
	}
	if err := p.push(tok); err != nil {
		p.fail(err)
		return toktrie.Splice{}, false
	}
	p.generated++

	if !p.caps.AllowsSplices() {
		return toktrie.Splice{}, false
	}
	forced := p.m.forced(p.current())
	if len(forced) == 0 {
		return toktrie.Splice{}, false
	}

	if p.caps.Backtrack {
		// Retokenize the sampled token together with what must follow it;
		// if the canonical split starts differently the host rewinds it.
		joined := append(slices.Clone(p.trie.TokenBytes(tok)), forced...)
		retok, ok := p.tokenize(joined)
		if !ok {
			return toktrie.Splice{}, false
		}
		if retok[0] != tok {
			p.log.Debug("sampled token retokenized", "token", tok, "tokens", len(retok))
			return toktrie.Splice{Backtrack: 1, FFTokens: retok}, false
		}
		return toktrie.Splice{FFTokens: retok[1:]}, false
	}

	ff, ok := p.tokenize(forced)
	if !ok {
		return toktrie.Splice{}, false
	}
	return toktrie.Splice{FFTokens: ff}, false
}

// temperature returns the new temperature when it differs from the one
// last reported.
func (p *Parser) temperature(d *dstate) *float32 {
	want := float32(0)
	switch {
	case d.gen >= 0 && p.m.prog.gens[d.gen].Temperature != nil:
		want = *p.m.prog.gens[d.gen].Temperature
	case p.g.Temperature != nil:
		want = *p.g.Temperature
	}
	if want == p.temp {
		return nil
	}
	p.temp = want
	return &want
}

func (p *Parser) finish(reason string) {
	p.stopped = true
	if pat := p.m.prog.pattern; pat != nil {
		loc := pat.FindSubmatchIndex(p.text)
		if loc == nil {
			p.log.Warn("captures unresolved", "bytes", len(p.text))
		} else {
			for i, name := range pat.SubexpNames() {
				if name == "" || loc[2*i] < 0 {
					continue
				}
				p.captures = append(p.captures, toktrie.Capture{
					Name:  name,
					Value: slices.Clone(p.text[loc[2*i]:loc[2*i+1]]),
				})
			}
		}
	}
	p.log.Debug("grammar finished", "reason", reason, "bytes", len(p.text), "generated", p.generated, "captures", len(p.captures))
}

func tail(b []byte) []byte {
	const n = 32
	if len(b) > n {
		return b[len(b)-n:]
	}
	return b
}
