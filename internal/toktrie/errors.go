package toktrie

import "errors"

var (
	// ErrMalformedVocab reports a packed vocabulary buffer that cannot be parsed.
	ErrMalformedVocab = errors.New("malformed vocabulary")
	// ErrHostCapability reports a byte string the vocabulary cannot reproduce,
	// neither through the host tokenizer nor the greedy fallback.
	ErrHostCapability = errors.New("host capability violation")
)
