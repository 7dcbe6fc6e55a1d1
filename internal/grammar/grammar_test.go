package grammar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/llgbridge/internal/logger"
	"github.com/samcharles93/llgbridge/internal/tokenizer"
	"github.com/samcharles93/llgbridge/internal/toktrie"
)

const (
	tokEOS   = 0
	tokA     = 1
	tokB     = 2
	tokAB    = 3
	tokOpen  = 4
	tokClose = 5
	tokQuote = 6
	tokX     = 7
	tokY     = 8
	tok1     = 9
	tok2     = 10
	tok12    = 11
	tokPad   = 12
)

func testEnv(t *testing.T) *tokenizer.Env {
	t.Helper()
	words := []string{"", "a", "b", "ab", "{", "}", "\"", "x", "y", "1", "2", "12", ""}
	es := make([]toktrie.Entry, len(words))
	for i, w := range words {
		es[i] = toktrie.Entry{Bytes: []byte(w)}
	}
	es[tokEOS].Special = true
	es[tokPad].Special = true
	host, err := tokenizer.NewStaticHost(es, tokEOS)
	require.NoError(t, err)
	env, err := tokenizer.NewEnv(host)
	require.NoError(t, err)
	return env
}

func newParser(t *testing.T, caps toktrie.InferenceCapabilities, blob string) *Parser {
	t.Helper()
	g, err := Parse([]byte(blob))
	require.NoError(t, err)
	p, err := NewParser(testEnv(t), caps, g, logger.Discard())
	require.NoError(t, err)
	return p
}

func accepts(t *testing.T, blob, text string) bool {
	t.Helper()
	g, err := Parse([]byte(blob))
	require.NoError(t, err)
	prog, err := compile(g)
	require.NoError(t, err)
	m := newMachine(prog)
	d := m.feed(m.start, []byte(text))
	return !d.dead() && d.accept
}

func advance(t *testing.T, p *Parser, tok toktrie.TokenID) (toktrie.Splice, bool) {
	t.Helper()
	sp, done := p.Advance(toktrie.SampledArg(tok))
	require.NoError(t, p.Err())
	return sp, done
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"empty", ``},
		{"not json", `{grammar`},
		{"missing root", `{"temperature": 0.5}`},
		{"two kinds", `{"grammar": {"text": "a", "seq": [{"text": "b"}]}}`},
		{"no kind", `{"grammar": {}}`},
		{"empty select", `{"grammar": {"select": []}}`},
		{"repeat bounds", `{"grammar": {"repeat": {"node": {"text": "a"}, "min": 3, "max": 2}}}`},
		{"chars and exclude", `{"grammar": {"gen": {"chars": "a", "exclude": "b"}}}`},
		{"bad range", `{"grammar": {"gen": {"chars": "z-a"}}}`},
		{"non-ascii class", `{"grammar": {"gen": {"chars": "é"}}}`},
		{"bad capture name", `{"grammar": {"capture": {"name": "1x", "node": {"text": "a"}}}}`},
		{"duplicate name", `{"grammar": {"seq": [{"gen": {"name": "v"}}, {"capture": {"name": "v", "node": {"text": "a"}}}]}}`},
		{"negative temperature", `{"temperature": -1, "grammar": {"text": "a"}}`},
		{"negative max_tokens", `{"max_tokens": -1, "grammar": {"text": "a"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.blob))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestAutomaton(t *testing.T) {
	tests := []struct {
		name    string
		blob    string
		accept  []string
		rejects []string
	}{
		{
			name:    "text",
			blob:    `{"grammar": {"text": "ab"}}`,
			accept:  []string{"ab"},
			rejects: []string{"", "a", "abb"},
		},
		{
			name:    "select",
			blob:    `{"grammar": {"select": [{"text": "x"}, {"text": "yy"}]}}`,
			accept:  []string{"x", "yy"},
			rejects: []string{"y", "xy"},
		},
		{
			name:    "bounded repeat",
			blob:    `{"grammar": {"repeat": {"node": {"text": "ab"}, "min": 1, "max": 2}}}`,
			accept:  []string{"ab", "abab"},
			rejects: []string{"", "a", "ababab"},
		},
		{
			name:    "unbounded repeat",
			blob:    `{"grammar": {"repeat": {"node": {"text": "a"}}}}`,
			accept:  []string{"", "a", "aaaa"},
			rejects: []string{"b"},
		},
		{
			name:    "gen with stop",
			blob:    `{"grammar": {"gen": {"chars": "0-9", "min": 1, "max": 3, "stop": "}"}}}`,
			accept:  []string{"1}", "123}"},
			rejects: []string{"}", "1234}", "12"},
		},
		{
			name:    "gen exclude",
			blob:    `{"grammar": {"gen": {"exclude": "\"", "stop": "\""}}}`,
			accept:  []string{`hello"`, "\xc3\xa9\"", `"`},
			rejects: []string{`he"llo"`, `hello`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, s := range tt.accept {
				assert.True(t, accepts(t, tt.blob, s), "should accept %q", s)
			}
			for _, s := range tt.rejects {
				assert.False(t, accepts(t, tt.blob, s), "should reject %q", s)
			}
		})
	}
}

func TestProcessPromptAppendsForcedPrefix(t *testing.T) {
	p := newParser(t, toktrie.DefaultCapabilities(), `{"grammar": {"seq": [{"text": "ab"}, {"select": [{"text": "x"}, {"text": "y"}]}]}}`)

	out := p.ProcessPrompt([]toktrie.TokenID{tok1, tok2})
	require.NoError(t, p.Err())
	assert.Equal(t, []toktrie.TokenID{tok1, tok2, tokAB}, out)
	assert.Equal(t, []byte("ab"), p.Bytes())

	// Only once.
	out = p.ProcessPrompt([]toktrie.TokenID{tok1})
	assert.Equal(t, []toktrie.TokenID{tok1}, out)
}

func TestMaskFollowsGrammar(t *testing.T) {
	p := newParser(t, toktrie.DefaultCapabilities(), `{"grammar": {"select": [{"text": "a"}, {"text": "b"}, {"text": "ab"}]}}`)

	br := p.MidProcess(toktrie.StepArg{})
	require.NoError(t, p.Err())
	require.NotNil(t, br.SampleMask)
	assert.Nil(t, br.Splice)
	assert.False(t, br.Stop)
	assert.Equal(t, []toktrie.TokenID{tokA, tokB, tokAB}, br.SampleMask.Tokens())
}

func TestMaskAllowsEOSWhenAccepting(t *testing.T) {
	p := newParser(t, toktrie.DefaultCapabilities(), `{"grammar": {"gen": {"chars": "a-b"}}}`)

	br := p.MidProcess(toktrie.StepArg{})
	require.NoError(t, p.Err())
	require.NotNil(t, br.SampleMask)
	assert.True(t, br.SampleMask.IsAllowed(tokEOS))
	assert.False(t, br.SampleMask.IsAllowed(tokPad))
	assert.Equal(t, []toktrie.TokenID{tokEOS, tokA, tokB, tokAB}, br.SampleMask.Tokens())

	sp, done := advance(t, p, tokEOS)
	assert.True(t, done)
	assert.Empty(t, sp.FFTokens)
	assert.Empty(t, p.Bytes())
}

func TestAdvanceCompletesOnNextStep(t *testing.T) {
	p := newParser(t, toktrie.DefaultCapabilities(), `{"grammar": {"select": [{"text": "a"}, {"text": "b"}]}}`)

	p.MidProcess(toktrie.StepArg{})
	sp, done := advance(t, p, tokB)
	assert.False(t, done)
	assert.Equal(t, toktrie.Splice{}, sp)

	br := p.MidProcess(toktrie.StepArg{})
	require.NoError(t, p.Err())
	assert.True(t, br.Stop)
	assert.Equal(t, []byte("b"), p.Bytes())
}

func TestForcedContinuation(t *testing.T) {
	blob := `{"grammar": {"seq": [{"select": [{"text": "a"}, {"text": "x"}]}, {"text": "b"}]}}`

	t.Run("backtrack retokenizes", func(t *testing.T) {
		p := newParser(t, toktrie.DefaultCapabilities(), blob)
		p.MidProcess(toktrie.StepArg{})
		sp, done := advance(t, p, tokA)
		assert.False(t, done)
		assert.Equal(t, toktrie.Splice{Backtrack: 1, FFTokens: []toktrie.TokenID{tokAB}}, sp)

		br := p.MidProcess(toktrie.StepArg{Backtrack: sp.Backtrack, Tokens: sp.FFTokens})
		require.NoError(t, p.Err())
		assert.True(t, br.Stop)
		assert.Equal(t, []byte("ab"), p.Bytes())
	})

	t.Run("canonical split keeps sampled token", func(t *testing.T) {
		p := newParser(t, toktrie.DefaultCapabilities(), blob)
		p.MidProcess(toktrie.StepArg{})
		sp, _ := advance(t, p, tokX)
		assert.Equal(t, toktrie.Splice{FFTokens: []toktrie.TokenID{tokB}}, sp)
	})

	t.Run("fast forward without backtrack", func(t *testing.T) {
		p := newParser(t, toktrie.InferenceCapabilities{FFTokens: true}, blob)
		p.MidProcess(toktrie.StepArg{})
		sp, _ := advance(t, p, tokA)
		assert.Equal(t, toktrie.Splice{FFTokens: []toktrie.TokenID{tokB}}, sp)
	})

	t.Run("no splices masks the forced byte", func(t *testing.T) {
		p := newParser(t, toktrie.InferenceCapabilities{}, blob)
		p.MidProcess(toktrie.StepArg{})
		sp, _ := advance(t, p, tokA)
		assert.Equal(t, toktrie.Splice{}, sp)

		br := p.MidProcess(toktrie.StepArg{})
		require.NotNil(t, br.SampleMask)
		assert.Equal(t, []toktrie.TokenID{tokB}, br.SampleMask.Tokens())
	})
}

func TestMidProcessSplicesForcedBytes(t *testing.T) {
	p := newParser(t, toktrie.DefaultCapabilities(), `{"grammar": {"seq": [{"text": "{"}, {"gen": {"chars": "0-9"}}]}}`)

	br := p.MidProcess(toktrie.StepArg{})
	require.NoError(t, p.Err())
	assert.Nil(t, br.SampleMask)
	require.NotNil(t, br.Splice)
	assert.Equal(t, []toktrie.TokenID{tokOpen}, br.Splice.FFTokens)
}

func TestCapturesResolvedOnCompletion(t *testing.T) {
	p := newParser(t, toktrie.DefaultCapabilities(),
		`{"grammar": {"seq": [{"text": "x"}, {"gen": {"name": "num", "chars": "0-9", "min": 1, "max": 3, "stop": "}"}}]}}`)

	assert.Equal(t, []toktrie.TokenID{tokX}, p.ProcessPrompt(nil))
	p.MidProcess(toktrie.StepArg{})
	sp, _ := advance(t, p, tok1)
	assert.Empty(t, sp.FFTokens)
	assert.Empty(t, p.Captures())

	p.MidProcess(toktrie.StepArg{})
	sp, _ = advance(t, p, tok12)
	assert.Equal(t, toktrie.Splice{FFTokens: []toktrie.TokenID{tokClose}}, sp)

	br := p.MidProcess(toktrie.StepArg{Tokens: sp.FFTokens})
	require.NoError(t, p.Err())
	assert.True(t, br.Stop)
	assert.Equal(t, []byte("x112}"), p.Bytes())
	assert.Equal(t, []toktrie.Capture{{Name: "num", Value: []byte("112")}}, p.Captures())
}

func TestCaptureNode(t *testing.T) {
	p := newParser(t, toktrie.InferenceCapabilities{},
		`{"grammar": {"seq": [{"capture": {"name": "pick", "node": {"select": [{"text": "a"}, {"text": "b"}]}}}, {"text": "}"}]}}`)

	p.MidProcess(toktrie.StepArg{})
	advance(t, p, tokB)
	p.MidProcess(toktrie.StepArg{})
	advance(t, p, tokClose)
	br := p.MidProcess(toktrie.StepArg{})
	assert.True(t, br.Stop)
	assert.Equal(t, []toktrie.Capture{{Name: "pick", Value: []byte("b")}}, p.Captures())
}

func TestTemperature(t *testing.T) {
	p := newParser(t, toktrie.InferenceCapabilities{},
		`{"temperature": 0.7, "grammar": {"seq": [{"gen": {"chars": "a-b", "max": 1, "stop": "}", "temperature": 0.2}}, {"select": [{"text": "x"}, {"text": "y"}]}]}}`)

	br := p.MidProcess(toktrie.StepArg{})
	require.NotNil(t, br.Temperature)
	assert.InDelta(t, 0.2, *br.Temperature, 1e-6)

	advance(t, p, tokA)
	br = p.MidProcess(toktrie.StepArg{})
	assert.Nil(t, br.Temperature, "unchanged temperature is not repeated")

	advance(t, p, tokClose)
	br = p.MidProcess(toktrie.StepArg{})
	require.NotNil(t, br.Temperature)
	assert.InDelta(t, 0.7, *br.Temperature, 1e-6)
}

func TestMaxTokensStops(t *testing.T) {
	p := newParser(t, toktrie.DefaultCapabilities(), `{"max_tokens": 1, "grammar": {"gen": {"chars": "a-b"}}}`)

	br := p.MidProcess(toktrie.StepArg{})
	require.NotNil(t, br.SampleMask)
	advance(t, p, tokA)
	br = p.MidProcess(toktrie.StepArg{})
	assert.True(t, br.Stop)
	assert.Equal(t, 1, p.Generated())
}

func TestParserErrors(t *testing.T) {
	t.Run("token not allowed", func(t *testing.T) {
		p := newParser(t, toktrie.DefaultCapabilities(), `{"grammar": {"select": [{"text": "a"}, {"text": "b"}]}}`)
		p.MidProcess(toktrie.StepArg{})
		_, done := p.Advance(toktrie.SampledArg(tokX))
		assert.False(t, done)
		require.Error(t, p.Err())
		assert.Contains(t, p.Err().Error(), "not allowed")
	})

	t.Run("eos not allowed", func(t *testing.T) {
		p := newParser(t, toktrie.InferenceCapabilities{}, `{"grammar": {"text": "ab"}}`)
		p.MidProcess(toktrie.StepArg{})
		p.Advance(toktrie.SampledArg(tokEOS))
		require.Error(t, p.Err())
		assert.Contains(t, p.Err().Error(), "EOS not allowed")
	})

	t.Run("special token", func(t *testing.T) {
		p := newParser(t, toktrie.DefaultCapabilities(), `{"grammar": {"gen": {}}}`)
		p.MidProcess(toktrie.StepArg{})
		p.Advance(toktrie.SampledArg(tokPad))
		require.Error(t, p.Err())
	})

	t.Run("token outside vocabulary", func(t *testing.T) {
		p := newParser(t, toktrie.DefaultCapabilities(), `{"grammar": {"gen": {"chars": "ab", "min": 1, "max": 4}}}`)
		br := p.MidProcess(toktrie.StepArg{})
		require.NotNil(t, br.SampleMask)
		assert.False(t, br.SampleMask.IsAllowed(9999))
		_, done := p.Advance(toktrie.SampledArg(9999))
		assert.False(t, done)
		require.Error(t, p.Err())
		assert.Contains(t, p.Err().Error(), "outside vocabulary")
		assert.Zero(t, p.Generated())
		assert.Empty(t, p.Bytes())
	})

	t.Run("token without bytes", func(t *testing.T) {
		host, err := tokenizer.NewStaticHost([]toktrie.Entry{
			{Bytes: []byte("a")},
			{Bytes: nil},
			{Special: true},
		}, 2)
		require.NoError(t, err)
		env, err := tokenizer.NewEnv(host)
		require.NoError(t, err)
		g, err := Parse([]byte(`{"grammar": {"gen": {"chars": "a", "max": 4}}}`))
		require.NoError(t, err)
		p, err := NewParser(env, toktrie.DefaultCapabilities(), g, logger.Discard())
		require.NoError(t, err)

		p.MidProcess(toktrie.StepArg{})
		p.Advance(toktrie.SampledArg(1))
		require.Error(t, p.Err())
		assert.Contains(t, p.Err().Error(), "no bytes")
		assert.Zero(t, p.Generated())
	})

	t.Run("empty mask", func(t *testing.T) {
		p := newParser(t, toktrie.InferenceCapabilities{}, `{"grammar": {"text": "zz"}}`)
		br := p.MidProcess(toktrie.StepArg{})
		assert.Nil(t, br.SampleMask)
		require.Error(t, p.Err())
	})

	t.Run("unreachable forced bytes", func(t *testing.T) {
		p := newParser(t, toktrie.DefaultCapabilities(), `{"grammar": {"text": "zz"}}`)
		p.ProcessPrompt(nil)
		require.ErrorIs(t, p.Err(), toktrie.ErrHostCapability)
	})

	t.Run("rewind past start", func(t *testing.T) {
		p := newParser(t, toktrie.DefaultCapabilities(), `{"grammar": {"gen": {}}}`)
		p.MidProcess(toktrie.StepArg{Backtrack: 1})
		require.Error(t, p.Err())
	})
}

func TestCapturePatternWithLargeCounts(t *testing.T) {
	g, err := Parse([]byte(`{"grammar": {"capture": {"name": "digits", "node": {"repeat": {"node": {"gen": {"chars": "0-9", "max": 100}}, "max": 20}}}}}`))
	require.NoError(t, err)
	prog, err := compile(g)
	require.NoError(t, err)
	require.NotNil(t, prog.pattern)
	assert.True(t, prog.pattern.MatchString("0123"))
}
