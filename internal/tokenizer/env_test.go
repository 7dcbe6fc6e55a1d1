package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/llgbridge/internal/toktrie"
)

func newStatic(t *testing.T, tokenize func(string) []uint32, words ...string) *StaticHost {
	t.Helper()
	es := make([]toktrie.Entry, len(words))
	for i, w := range words {
		es[i] = toktrie.Entry{Bytes: []byte(w)}
	}
	h, err := NewStaticHost(es, -1)
	require.NoError(t, err)
	h.Tokenize = tokenize
	return h
}

func TestEnvGreedyFallbackOnRefusal(t *testing.T) {
	t.Parallel()

	host := newStatic(t, func(string) []uint32 { return nil }, "he", "llo", "hell", "o")
	env, err := NewEnv(host)
	require.NoError(t, err)

	toks, err := env.TokenizeBytes([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), env.Trie().Decode(toks))
	assert.Equal(t, []toktrie.TokenID{2, 3}, toks)
}

func TestEnvPrefersHostSegmentation(t *testing.T) {
	t.Parallel()

	host := newStatic(t, func(string) []uint32 { return []uint32{0, 1} }, "he", "llo", "hell", "o")
	env, err := NewEnv(host)
	require.NoError(t, err)

	toks, err := env.TokenizeBytes([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []toktrie.TokenID{0, 1}, toks)
}

func TestEnvRejectsLossyHostSegmentation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ids  []uint32
	}{
		{name: "normalized", ids: []uint32{0, 3}},
		{name: "too long", ids: []uint32{0, 1, 3}},
		{name: "out of range", ids: []uint32{2, 99}},
		{name: "special token", ids: []uint32{2, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			es := []toktrie.Entry{
				{Bytes: []byte("he")},
				{Bytes: []byte("llo")},
				{Bytes: []byte("hell")},
				{Bytes: []byte("o")},
				{Special: true},
			}
			host, err := NewStaticHost(es, 4)
			require.NoError(t, err)
			host.Tokenize = func(string) []uint32 { return tt.ids }
			env, err := NewEnv(host)
			require.NoError(t, err)

			toks, err := env.TokenizeBytes([]byte("hello"))
			require.NoError(t, err)
			assert.Equal(t, []toktrie.TokenID{2, 3}, toks)
		})
	}
}

func TestEnvDeterministic(t *testing.T) {
	t.Parallel()

	host := newStatic(t, nil, "a", "b", "ab", "ba", "aba")
	env, err := NewEnv(host)
	require.NoError(t, err)

	for _, s := range []string{"abababa", "bbaab", "a"} {
		first, err := env.TokenizeString(s)
		require.NoError(t, err)
		second, err := env.TokenizeString(s)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, []byte(s), env.Trie().Decode(first))
	}
}

func TestEnvUnreachableBytes(t *testing.T) {
	t.Parallel()

	host := newStatic(t, nil, "a", "b")
	env, err := NewEnv(host)
	require.NoError(t, err)

	_, err = env.TokenizeString("abc")
	assert.ErrorIs(t, err, toktrie.ErrHostCapability)

	toks, err := env.TokenizeBytes(nil)
	require.NoError(t, err)
	assert.Empty(t, toks)
}

func TestNewEnvRejectsBadVocab(t *testing.T) {
	t.Parallel()

	_, err := NewEnv(&StaticHost{Info: []byte{0x80, 0x00}, Size: 1, EOS: -1})
	assert.ErrorIs(t, err, toktrie.ErrMalformedVocab)

	_, err = NewEnv(nil)
	assert.Error(t, err)
}
