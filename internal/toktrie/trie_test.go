package toktrie

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(words ...string) []Entry {
	out := make([]Entry, len(words))
	for i, w := range words {
		out[i] = Entry{Bytes: []byte(w)}
	}
	return out
}

func TestPackRoundtrip(t *testing.T) {
	in := []Entry{
		{Bytes: []byte("a")},
		{Bytes: []byte("bb")},
		{Special: true},
	}
	buf, err := Pack(in)
	require.NoError(t, err)

	out, err := ParsePacked(buf)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []byte("a"), out[0].Bytes)
	assert.False(t, out[0].Special)
	assert.Equal(t, []byte("bb"), out[1].Bytes)
	assert.Empty(t, out[2].Bytes)
	assert.True(t, out[2].Special)

	trie, err := FromPacked(buf, 3, -1)
	require.NoError(t, err)
	assert.Equal(t, 3, trie.VocabSize())
}

func TestPackRoundtripAllLengths(t *testing.T) {
	in := make([]Entry, 0, MaxTokenLen+2)
	for n := 0; n <= MaxTokenLen; n++ {
		in = append(in, Entry{Bytes: bytes.Repeat([]byte{byte(n)}, n)})
	}
	in = append(in, Entry{Special: true})

	buf, err := Pack(in)
	require.NoError(t, err)
	out, err := ParsePacked(buf)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		if in[i].Special {
			assert.True(t, out[i].Special)
			continue
		}
		assert.Len(t, out[i].Bytes, len(in[i].Bytes), "entry %d", i)
		assert.True(t, bytes.Equal(in[i].Bytes, out[i].Bytes), "entry %d", i)
		assert.False(t, out[i].Special)
	}
}

func TestPackRejectsLongToken(t *testing.T) {
	_, err := Pack([]Entry{{Bytes: make([]byte, MaxTokenLen+1)}})
	assert.Error(t, err)
}

func TestParsePackedErrors(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "reserved flag", buf: []byte{0x80, 0x01, 'a'}},
		{name: "premature end", buf: []byte{0x00, 0x05, 'a', 'b'}},
		{name: "long premature end", buf: []byte{0x01, 0x00, 'a'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePacked(tt.buf)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedVocab)
		})
	}
}

func TestParsePackedSkipsSpecialPayload(t *testing.T) {
	// packers that write the special token text are accepted
	buf := []byte{0x40, 0x03, '<', '/', '>', 0x00, 0x01, 'x', 0x07}
	out, err := ParsePacked(buf)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].Special)
	assert.Empty(t, out[0].Bytes)
	assert.Equal(t, []byte("x"), out[1].Bytes)
}

func TestNewEOS(t *testing.T) {
	tests := []struct {
		name   string
		eos    int32
		want   TokenID
		wantOK bool
	}{
		{name: "valid", eos: 1, want: 1, wantOK: true},
		{name: "absent", eos: -1},
		{name: "equal to vocab size", eos: 3},
		{name: "far out of range", eos: 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trie, err := New(entries("a", "b", "c"), 3, tt.eos)
			require.NoError(t, err)
			got, ok := trie.EOS()
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNewRejectsEmptyVocab(t *testing.T) {
	_, err := New(nil, 0, -1)
	assert.ErrorIs(t, err, ErrMalformedVocab)
}

func TestTrieLookup(t *testing.T) {
	es := entries("he", "llo", "hell", "o", "he")
	es = append(es, Entry{Special: true})
	trie, err := New(es, 8, 5)
	require.NoError(t, err)

	id, ok := trie.Lookup([]byte("hell"))
	require.True(t, ok)
	assert.Equal(t, TokenID(2), id)

	// duplicate bytes keep the lowest id
	id, ok = trie.Lookup([]byte("he"))
	require.True(t, ok)
	assert.Equal(t, TokenID(0), id)

	_, ok = trie.Lookup([]byte("hel"))
	assert.False(t, ok)

	assert.True(t, trie.IsSpecial(5))
	assert.True(t, trie.IsSpecial(7), "undescribed ids are special")
	assert.Nil(t, trie.TokenBytes(7))
	assert.Equal(t, 4, trie.MaxTokenLen())
}

func TestTrieChildrenSorted(t *testing.T) {
	trie, err := New(entries("c", "a", "b", "ab"), 4, -1)
	require.NoError(t, err)

	var got []byte
	for b := range trie.Children(trie.Root()) {
		got = append(got, b)
	}
	assert.Equal(t, []byte("abc"), got)

	a, ok := trie.Child(trie.Root(), 'a')
	require.True(t, ok)
	ab, ok := trie.Child(a, 'b')
	require.True(t, ok)
	tok, ok := trie.Token(ab)
	require.True(t, ok)
	assert.Equal(t, TokenID(3), tok)
}

func TestGreedyTokenize(t *testing.T) {
	trie, err := New(entries("he", "llo", "hell", "o"), 4, -1)
	require.NoError(t, err)

	toks, skipped := trie.GreedyTokenize([]byte("hello"))
	assert.Zero(t, skipped)
	assert.Equal(t, []TokenID{2, 3}, toks)
	assert.Equal(t, []byte("hello"), trie.Decode(toks))

	toks, skipped = trie.GreedyTokenize([]byte("hexo"))
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []TokenID{0, 3}, toks)
}

func TestBitset(t *testing.T) {
	b := NewBitset(70)
	assert.Equal(t, 70, b.Len())
	assert.Len(t, b.Words(), 3)
	assert.True(t, b.IsZero())

	b.Allow(0)
	b.Allow(33)
	b.Allow(69)
	b.Allow(70) // out of range, ignored
	assert.Equal(t, 3, b.Count())
	assert.Equal(t, []TokenID{0, 33, 69}, b.Tokens())
	assert.Equal(t, uint32(1), b.Words()[0])
	assert.Equal(t, uint32(2), b.Words()[1])
	assert.False(t, b.IsAllowed(70))

	b.Disallow(33)
	assert.False(t, b.IsAllowed(33))

	s := SingletonBitset(16, 7)
	assert.Equal(t, []TokenID{7}, s.Tokens())
}

func TestStepArgEmpty(t *testing.T) {
	assert.True(t, StepArg{}.IsEmpty())
	assert.True(t, StepArg{Backtrack: 2}.IsEmpty())
	assert.False(t, SampledArg(3).IsEmpty())
	assert.False(t, StepArg{Tokens: []TokenID{1}}.IsEmpty())
}
