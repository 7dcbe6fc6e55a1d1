package tokenizer

import (
	"bytes"
	"fmt"

	"github.com/samcharles93/llgbridge/internal/toktrie"
)

// Env couples the shared vocabulary trie with the host tokenizer. It is
// immutable after NewEnv and may back any number of sessions.
type Env struct {
	host Host
	trie *toktrie.Trie
}

// NewEnv reads the host vocabulary and builds the trie.
func NewEnv(host Host) (*Env, error) {
	if host == nil {
		return nil, fmt.Errorf("tokenizer host is required")
	}
	trie, err := toktrie.FromPacked(host.TokenInfo(), host.VocabSize(), host.EOSToken())
	if err != nil {
		return nil, fmt.Errorf("build token trie: %w", err)
	}
	return &Env{host: host, trie: trie}, nil
}

func (e *Env) Trie() *toktrie.Trie { return e.trie }

// TokenizeBytes segments s into tokens whose bytes concatenate to exactly s.
//
// The host tokenizer is asked first because its segmentations match what
// the model saw in training. It may normalize or drop bytes, so its answer is
// only kept when it decodes back to s; otherwise the trie's greedy longest
// match is used. ErrHostCapability is returned when neither reproduces s;
// bytes the vocabulary cannot spell are never skipped.
func (e *Env) TokenizeBytes(s []byte) ([]toktrie.TokenID, error) {
	if len(s) == 0 {
		return nil, nil
	}
	if ids := e.host.TokenizeExact(string(s)); e.reproduces(ids, s) {
		return ids, nil
	}
	toks, skipped := e.trie.GreedyTokenize(s)
	if skipped > 0 {
		return nil, fmt.Errorf("%w: %d of %d bytes have no token in %q", toktrie.ErrHostCapability, skipped, len(s), s)
	}
	return toks, nil
}

// TokenizeString is TokenizeBytes for text.
func (e *Env) TokenizeString(s string) ([]toktrie.TokenID, error) {
	return e.TokenizeBytes([]byte(s))
}

// TokenizePrompt encodes prompt text for PrimePrompt. Hosts implementing
// PromptEncoder frame it themselves; anything else gets TokenizeString.
func (e *Env) TokenizePrompt(text string) ([]toktrie.TokenID, error) {
	pe, ok := e.host.(PromptEncoder)
	if !ok {
		return e.TokenizeString(text)
	}
	ids, err := pe.EncodePrompt(text)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if int(id) >= e.trie.VocabSize() {
			return nil, fmt.Errorf("prompt token %d outside vocabulary of %d", id, e.trie.VocabSize())
		}
	}
	return ids, nil
}

func (e *Env) reproduces(ids []uint32, s []byte) bool {
	if len(ids) == 0 {
		return false
	}
	off := 0
	for _, id := range ids {
		if int(id) >= e.trie.VocabSize() || e.trie.IsSpecial(id) {
			return false
		}
		b := e.trie.TokenBytes(id)
		if len(b) == 0 || !bytes.HasPrefix(s[off:], b) {
			return false
		}
		off += len(b)
	}
	return off == len(s)
}
