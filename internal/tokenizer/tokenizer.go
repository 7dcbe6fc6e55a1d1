package tokenizer

// Host is the tokenizer capability a model runtime hands to the bridge.
type Host interface {
	// VocabSize is the number of token ids the model can produce.
	VocabSize() uint32
	// EOSToken returns the end-of-sequence id, or a negative value when the
	// model has none.
	EOSToken() int32
	// TokenInfo returns the packed vocabulary (see toktrie.ParsePacked).
	TokenInfo() []byte
	// TokenizeExact segments text without adding BOS/EOS or interpreting
	// special token markup. The result is validated by the caller, so a
	// best-effort or empty answer is acceptable.
	TokenizeExact(text string) []uint32
}

// PromptEncoder is implemented by hosts that know how their model frames a
// prompt, adding BOS/EOS and turning control token markup into ids.
type PromptEncoder interface {
	EncodePrompt(text string) ([]uint32, error)
}
