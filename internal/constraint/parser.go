package constraint

import "github.com/samcharles93/llgbridge/internal/toktrie"

// Parser is the streaming grammar engine a Session drives. Implementations
// keep their own error channel: after any call, a non-nil Err means the
// parser is poisoned.
type Parser interface {
	// ProcessPrompt may rewrite the prompt, typically appending the
	// grammar's forced prefix.
	ProcessPrompt(prompt []toktrie.TokenID) []toktrie.TokenID
	// MidProcess applies the step argument and decides what may come next.
	MidProcess(arg toktrie.StepArg) toktrie.Branch
	// Advance commits the sampled token. It returns done when the grammar
	// is complete, otherwise the backtrack and fast-forward tokens the host
	// must apply before the next step.
	Advance(arg toktrie.StepArg) (splice toktrie.Splice, done bool)
	// Bytes is the text the grammar has consumed so far.
	Bytes() []byte
	// Captures lists the named captures resolved so far, in order.
	Captures() []toktrie.Capture
	Err() error
}
