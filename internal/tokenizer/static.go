package tokenizer

import "github.com/samcharles93/llgbridge/internal/toktrie"

// StaticHost serves a vocabulary that is already in packed form, such as a
// vocab file written by `llgbridge pack`. Without a Tokenize function every
// segmentation falls back to the trie.
type StaticHost struct {
	Info     []byte
	Size     uint32
	EOS      int32
	Tokenize func(text string) []uint32
}

// NewStaticHost packs entries into a host. The vocabulary size is the number
// of entries.
func NewStaticHost(entries []toktrie.Entry, eos int32) (*StaticHost, error) {
	info, err := toktrie.Pack(entries)
	if err != nil {
		return nil, err
	}
	return &StaticHost{
		Info: info,
		Size: uint32(len(entries)),
		EOS:  eos,
	}, nil
}

func (h *StaticHost) VocabSize() uint32 { return h.Size }
func (h *StaticHost) EOSToken() int32   { return h.EOS }
func (h *StaticHost) TokenInfo() []byte { return h.Info }

func (h *StaticHost) TokenizeExact(text string) []uint32 {
	if h.Tokenize == nil {
		return nil
	}
	return h.Tokenize(text)
}
