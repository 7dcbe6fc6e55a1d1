package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/samcharles93/llgbridge/internal/toktrie"
)

const (
	// encodingCL100kBase is the encoding name for GPT-4 and GPT-3.5-turbo.
	encodingCL100kBase = "cl100k_base"
	// encodingP50kBase is the encoding name for GPT-3 and Codex.
	encodingP50kBase = "p50k_base"
	// encodingR50kBase is the encoding name for older GPT-3 models.
	encodingR50kBase = "r50k_base"
)

type tiktokenLayout struct {
	vocab    uint32
	eos      int32
	specials [][2]uint32 // inclusive id ranges
}

var tiktokenLayouts = map[string]tiktokenLayout{
	encodingCL100kBase: {vocab: 100277, eos: 100257, specials: [][2]uint32{{100256, 100276}}},
	encodingP50kBase:   {vocab: 50281, eos: 50256, specials: [][2]uint32{{50256, 50256}}},
	encodingR50kBase:   {vocab: 50257, eos: 50256, specials: [][2]uint32{{50256, 50256}}},
}

// TikToken wraps pkoukk/tiktoken-go as a Host for OpenAI encodings.
//
// Supported encodings:
//   - cl100k_base: GPT-4, GPT-3.5-turbo, text-embedding-ada-002
//   - p50k_base: GPT-3, Codex
//   - r50k_base: GPT-3, davinci-002, babbage-002
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
	layout   tiktokenLayout
}

// NewTikToken loads an encoding by name. tiktoken-go fetches the BPE ranks
// on first use unless TIKTOKEN_CACHE_DIR already holds them.
func NewTikToken(encodingName string) (*TikToken, error) {
	layout, ok := tiktokenLayouts[encodingName]
	if !ok {
		return nil, fmt.Errorf("unsupported tiktoken encoding %q", encodingName)
	}
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encodingName, err)
	}
	return &TikToken{
		encoding: encoding,
		name:     encodingName,
		layout:   layout,
	}, nil
}

// Name returns the encoding name.
func (t *TikToken) Name() string { return t.name }

// VocabSize implements Host.
func (t *TikToken) VocabSize() uint32 { return t.layout.vocab }

// EOSToken implements Host.
func (t *TikToken) EOSToken() int32 { return t.layout.eos }

func (t *TikToken) isSpecial(id uint32) bool {
	for _, r := range t.layout.specials {
		if id >= r[0] && id <= r[1] {
			return true
		}
	}
	return false
}

// Entries decodes every id of the encoding into its raw bytes.
func (t *TikToken) Entries() []toktrie.Entry {
	out := make([]toktrie.Entry, t.layout.vocab)
	for id := range t.layout.vocab {
		if t.isSpecial(id) {
			out[id] = toktrie.Entry{Special: true}
			continue
		}
		b := []byte(t.encoding.Decode([]int{int(id)}))
		if len(b) == 0 || len(b) > toktrie.MaxTokenLen {
			out[id] = toktrie.Entry{Special: true}
			continue
		}
		out[id] = toktrie.Entry{Bytes: b}
	}
	return out
}

// TokenInfo implements Host.
func (t *TikToken) TokenInfo() []byte {
	info, err := toktrie.Pack(t.Entries())
	if err != nil {
		return nil
	}
	return info
}

// TokenizeExact implements Host. Special token markup is encoded as text.
func (t *TikToken) TokenizeExact(text string) []uint32 {
	tokens := t.encoding.Encode(text, nil, nil)
	out := make([]uint32, len(tokens))
	for i, tok := range tokens {
		out[i] = uint32(tok) //nolint:gosec // G115: ids are below the encoding's vocab size.
	}
	return out
}
