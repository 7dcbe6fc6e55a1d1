package constraint

import (
	"encoding/hex"

	"github.com/samcharles93/llgbridge/internal/toktrie"
)

// Progress record kinds.
const (
	ObjectText      = "text"
	ObjectCapture   = "capture"
	ObjectFinalText = "final_text"
)

// ParserOutput is one progress record. Str may lose invalid UTF-8 when
// serialized; Hex always carries the exact bytes.
type ParserOutput struct {
	Object      string `json:"object"`
	Name        string `json:"name,omitempty"`
	Str         string `json:"str"`
	Hex         string `json:"hex"`
	NumTokens   int    `json:"num_tokens,omitempty"`
	IsGenerated bool   `json:"is_generated"`
	// Retracted counts previously reported bytes the parser has since
	// rewound; the record's text replaces them.
	Retracted int `json:"retracted,omitempty"`
}

// Reporter turns parser state into incremental progress records: new text
// since the last report and captures not reported yet.
type Reporter struct {
	reported []byte
	captures int
}

// Report returns the records produced since the previous call.
func (r *Reporter) Report(p Parser, generated bool, numTokens int) []ParserOutput {
	var out []ParserOutput

	text := p.Bytes()
	common := commonPrefix(r.reported, text)
	retracted := len(r.reported) - common
	if common < len(text) || retracted > 0 {
		out = append(out, ParserOutput{
			Object:      ObjectText,
			Str:         string(text[common:]),
			Hex:         hex.EncodeToString(text[common:]),
			NumTokens:   numTokens,
			IsGenerated: generated,
			Retracted:   retracted,
		})
		r.reported = append(r.reported[:common], text[common:]...)
	}

	caps := p.Captures()
	for _, c := range caps[min(r.captures, len(caps)):] {
		out = append(out, captureOutput(c, generated))
	}
	r.captures = max(r.captures, len(caps))
	return out
}

// Final returns the closing record holding the complete grammar text.
func (r *Reporter) Final(p Parser) ParserOutput {
	text := p.Bytes()
	return ParserOutput{
		Object: ObjectFinalText,
		Str:    string(text),
		Hex:    hex.EncodeToString(text),
	}
}

func captureOutput(c toktrie.Capture, generated bool) ParserOutput {
	return ParserOutput{
		Object:      ObjectCapture,
		Name:        c.Name,
		Str:         string(c.Value),
		Hex:         hex.EncodeToString(c.Value),
		IsGenerated: generated,
	}
}

func commonPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
