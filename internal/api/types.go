package api

import (
	"github.com/goccy/go-json"

	"github.com/samcharles93/llgbridge/internal/constraint"
)

// CreateSessionRequest carries the prompt either as token ids or as text
// tokenized with the server's vocabulary.
type CreateSessionRequest struct {
	Grammar    json.RawMessage `json:"grammar"`
	Prompt     []uint32        `json:"prompt,omitempty"`
	PromptText string          `json:"prompt_text,omitempty"`
}

type CreateSessionResponse struct {
	ID     string   `json:"id"`
	Object string   `json:"object"`
	Prompt []uint32 `json:"prompt"`
}

type SessionSummary struct {
	ID          string  `json:"id"`
	Object      string  `json:"object"`
	CreatedAt   int64   `json:"created_at"`
	State       string  `json:"state"`
	Temperature float32 `json:"temperature"`
	Error       string  `json:"error,omitempty"`
}

// MaskResponse carries the allowed-token bitset as 32-bit words, token i
// being bit i%32 of word i/32.
type MaskResponse struct {
	Stop        bool     `json:"stop"`
	Mask        []uint32 `json:"mask,omitempty"`
	Allowed     int      `json:"allowed"`
	Temperature float32  `json:"temperature"`
}

type AdvanceRequest struct {
	Token *uint32 `json:"token"`
}

type AdvanceResponse = constraint.AdvanceResult

type LogsResponse struct {
	Logs string `json:"logs"`
}

type ProgressResponse struct {
	Object string                    `json:"object"`
	Data   []constraint.ParserOutput `json:"data"`
}

type TokenizerSummary struct {
	Object      string `json:"object"`
	VocabSize   int    `json:"vocab_size"`
	EOS         *int64 `json:"eos_token,omitempty"`
	MaxTokenLen int    `json:"max_token_len"`
	TrieNodes   int    `json:"trie_nodes"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
