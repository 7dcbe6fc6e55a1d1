package toktrie

import (
	"fmt"
	"iter"
	"slices"
	"sort"
)

// TokenID names one vocabulary entry.
type TokenID = uint32

// NodeID addresses a trie node. The root is always node 0.
type NodeID uint32

const noToken = -1

type trieNode struct {
	b     byte
	token int32
	first uint32
	n     uint16
}

// Trie is the immutable view of a model vocabulary: token bytes, special
// flags, EOS and a byte trie over all non-special tokens. It is safe to share
// between goroutines once built.
type Trie struct {
	vocabSize int
	eos       int32
	entries   []Entry
	nodes     []trieNode
	maxLen    int
}

type buildNode struct {
	token int32
	kids  map[byte]*buildNode
}

// New builds a trie over entries. vocabSize is trusted as declared by the
// host; missing entries are treated as empty special tokens and entries past
// vocabSize never enter the trie. An eos outside 0..vocabSize is absent.
func New(entries []Entry, vocabSize int, eos int32) (*Trie, error) {
	if vocabSize < 1 {
		return nil, fmt.Errorf("%w: vocab size must be positive, got %d", ErrMalformedVocab, vocabSize)
	}
	if eos < 0 || int(eos) >= vocabSize {
		eos = noToken
	}

	root := &buildNode{token: noToken}
	maxLen := 0
	for id, e := range entries {
		if id >= vocabSize {
			break
		}
		if e.Special || len(e.Bytes) == 0 {
			continue
		}
		n := root
		for _, b := range e.Bytes {
			if n.kids == nil {
				n.kids = make(map[byte]*buildNode)
			}
			next, ok := n.kids[b]
			if !ok {
				next = &buildNode{token: noToken}
				n.kids[b] = next
			}
			n = next
		}
		// duplicates keep the lowest id
		if n.token == noToken {
			n.token = int32(id)
		}
		maxLen = max(maxLen, len(e.Bytes))
	}

	t := &Trie{
		vocabSize: vocabSize,
		eos:       eos,
		entries:   entries,
		maxLen:    maxLen,
	}
	t.flatten(root)
	return t, nil
}

// FromPacked parses a packed vocabulary buffer and builds the trie.
func FromPacked(buf []byte, vocabSize uint32, eos int32) (*Trie, error) {
	entries, err := ParsePacked(buf)
	if err != nil {
		return nil, err
	}
	return New(entries, int(vocabSize), eos)
}

// flatten lays nodes out breadth first so every node's children are
// contiguous and sorted by byte.
func (t *Trie) flatten(root *buildNode) {
	t.nodes = append(t.nodes, trieNode{token: root.token})
	queue := []*buildNode{root}
	for i := 0; i < len(queue); i++ {
		bn := queue[i]
		keys := make([]byte, 0, len(bn.kids))
		for b := range bn.kids {
			keys = append(keys, b)
		}
		slices.Sort(keys)
		t.nodes[i].first = uint32(len(t.nodes))
		t.nodes[i].n = uint16(len(keys))
		for _, b := range keys {
			kid := bn.kids[b]
			t.nodes = append(t.nodes, trieNode{b: b, token: kid.token})
			queue = append(queue, kid)
		}
	}
}

func (t *Trie) VocabSize() int { return t.vocabSize }

// EOS returns the end-of-sequence token, if the host declared a valid one.
func (t *Trie) EOS() (TokenID, bool) {
	if t.eos == noToken {
		return 0, false
	}
	return TokenID(t.eos), true
}

// MaxTokenLen is the byte length of the longest non-special token.
func (t *Trie) MaxTokenLen() int { return t.maxLen }

func (t *Trie) NumNodes() int { return len(t.nodes) }

// TokenBytes returns the content of a token. Special and unknown tokens have
// no bytes.
func (t *Trie) TokenBytes(id TokenID) []byte {
	if int(id) >= len(t.entries) || int(id) >= t.vocabSize {
		return nil
	}
	return t.entries[id].Bytes
}

// IsSpecial reports whether id is a special token. Ids the host declared in
// the vocabulary size but did not describe are special.
func (t *Trie) IsSpecial(id TokenID) bool {
	if int(id) >= t.vocabSize {
		return false
	}
	if int(id) >= len(t.entries) {
		return true
	}
	return t.entries[id].Special
}

// Decode concatenates the bytes of ids.
func (t *Trie) Decode(ids []TokenID) []byte {
	var out []byte
	for _, id := range ids {
		out = append(out, t.TokenBytes(id)...)
	}
	return out
}

func (t *Trie) Root() NodeID { return 0 }

// Token returns the token ending at n.
func (t *Trie) Token(n NodeID) (TokenID, bool) {
	tok := t.nodes[n].token
	if tok == noToken {
		return 0, false
	}
	return TokenID(tok), true
}

// Child follows the edge labelled b out of n.
func (t *Trie) Child(n NodeID, b byte) (NodeID, bool) {
	nd := t.nodes[n]
	kids := t.nodes[nd.first : nd.first+uint32(nd.n)]
	i := sort.Search(len(kids), func(i int) bool { return kids[i].b >= b })
	if i < len(kids) && kids[i].b == b {
		return NodeID(nd.first + uint32(i)), true
	}
	return 0, false
}

// Children yields the outgoing edges of n in byte order.
func (t *Trie) Children(n NodeID) iter.Seq2[byte, NodeID] {
	return func(yield func(byte, NodeID) bool) {
		nd := t.nodes[n]
		for i := nd.first; i < nd.first+uint32(nd.n); i++ {
			if !yield(t.nodes[i].b, NodeID(i)) {
				return
			}
		}
	}
}

// Lookup returns the token whose bytes are exactly s.
func (t *Trie) Lookup(s []byte) (TokenID, bool) {
	n := t.Root()
	for _, b := range s {
		next, ok := t.Child(n, b)
		if !ok {
			return 0, false
		}
		n = next
	}
	return t.Token(n)
}

// GreedyTokenize segments s by repeatedly taking the longest token that
// prefixes the remaining input. A byte no token starts with is skipped and
// counted in skipped; when skipped is zero the tokens decode back to s.
func (t *Trie) GreedyTokenize(s []byte) (tokens []TokenID, skipped int) {
	for i := 0; i < len(s); {
		n := t.Root()
		best, bestEnd := TokenID(0), -1
		for j := i; j < len(s); j++ {
			next, ok := t.Child(n, s[j])
			if !ok {
				break
			}
			n = next
			if tok, ok := t.Token(n); ok {
				best, bestEnd = tok, j+1
			}
		}
		if bestEnd < 0 {
			skipped++
			i++
			continue
		}
		tokens = append(tokens, best)
		i = bestEnd
	}
	return tokens, skipped
}
