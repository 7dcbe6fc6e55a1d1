package toktrie

// StepArg describes what the host committed since the previous mask: drop
// the last Backtrack tokens, then append Tokens. Sampled is set when the last
// of those tokens came from the model rather than from a forced continuation.
type StepArg struct {
	Backtrack uint32
	Tokens    []TokenID
	Sampled   *TokenID
}

// SampledArg is the step argument for a single model-sampled token.
func SampledArg(tok TokenID) StepArg {
	return StepArg{Tokens: []TokenID{tok}, Sampled: &tok}
}

// IsEmpty reports whether the argument carries no tokens.
func (a StepArg) IsEmpty() bool {
	return len(a.Tokens) == 0 && a.Sampled == nil
}

// Splice is a continuation the grammar fully determines: rewind Backtrack
// tokens, then append FFTokens without sampling.
type Splice struct {
	Backtrack uint32
	FFTokens  []TokenID
}

// Branch is the outcome of a parser mid-step. Any combination of fields may
// be set; a nil SampleMask with a non-nil Splice means the splice is
// unconditional.
type Branch struct {
	Temperature *float32
	SampleMask  *Bitset
	Splice      *Splice
	Stop        bool
}

// InferenceCapabilities declares what the host can do with parser output.
type InferenceCapabilities struct {
	// FFTokens allows unconditional splices.
	FFTokens bool `json:"ff_tokens"`
	// ConditionalFFTokens allows conditional (and unconditional) splices.
	ConditionalFFTokens bool `json:"conditional_ff_tokens"`
	// Backtrack allows the parser to rescind committed tokens.
	Backtrack bool `json:"backtrack"`
	// Fork allows more than one branch.
	Fork bool `json:"fork"`
}

// DefaultCapabilities matches a host that can splice and backtrack but not fork.
func DefaultCapabilities() InferenceCapabilities {
	return InferenceCapabilities{
		FFTokens:  true,
		Backtrack: true,
	}
}

// AllowsSplices reports whether fast-forward tokens may be emitted at all.
func (c InferenceCapabilities) AllowsSplices() bool {
	return c.FFTokens || c.ConditionalFFTokens
}

// TokEnv is what a parser needs from the tokenizer: the shared trie and a
// byte-exact segmentation of arbitrary bytes.
type TokEnv interface {
	Trie() *Trie
	TokenizeBytes(s []byte) ([]TokenID, error)
}

// Capture is a named span of grammar output.
type Capture struct {
	Name  string
	Value []byte
}
