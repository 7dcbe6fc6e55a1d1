package tokenizer

import (
	"slices"
	"strings"

	"github.com/samcharles93/llgbridge/internal/toktrie"
)

// byteLevel is the GPT-2 alphabet byte-level BPE vocabularies are spelled
// in. Printable Latin-1 bytes stand for themselves and every other byte is
// shifted above U+00FF, so any byte string has a visible spelling.
type byteLevel struct {
	enc [256]rune
	dec map[rune]byte
}

func newByteLevel() *byteLevel {
	bl := &byteLevel{dec: make(map[rune]byte, 256)}
	shifted := rune(256)
	for i := range 256 {
		b := byte(i)
		r := rune(b)
		if !visibleByte(b) {
			r = shifted
			shifted++
		}
		bl.enc[b] = r
		bl.dec[r] = b
	}
	return bl
}

func visibleByte(b byte) bool {
	return ('!' <= b && b <= '~') || (0xA1 <= b && b <= 0xAC) || b >= 0xAE
}

// encode spells raw text in the byte-level alphabet.
func (bl *byteLevel) encode(s string) string {
	var sb strings.Builder
	sb.Grow(2 * len(s))
	for i := 0; i < len(s); i++ {
		sb.WriteRune(bl.enc[s[i]])
	}
	return sb.String()
}

// decode turns a vocabulary symbol back into the bytes the model emits.
// Runes outside the alphabet are kept as UTF-8.
func (bl *byteLevel) decode(sym string) []byte {
	out := make([]byte, 0, len(sym))
	for _, r := range sym {
		if b, ok := bl.dec[r]; ok {
			out = append(out, b)
			continue
		}
		out = append(out, string(r)...)
	}
	return out
}

// entry classifies one vocabulary slot for the packed table. Holes, added
// special tokens, <|markup|> spellings and tokens too long to pack become
// special entries, which the trie never matches.
func (bl *byteLevel) entry(sym string, special bool) toktrie.Entry {
	if sym == "" || special || isMarkup(sym) {
		return toktrie.Entry{Special: true}
	}
	b := bl.decode(sym)
	if len(b) > toktrie.MaxTokenLen {
		return toktrie.Entry{Special: true}
	}
	return toktrie.Entry{Bytes: b}
}

type bpePair struct {
	a, b string
}

// mergeBPE repeatedly fuses the lowest-ranked adjacent pair of symbols until
// no ranked pair is left.
func mergeBPE(word string, ranks map[bpePair]int) []string {
	syms := make([]string, 0, len(word))
	for _, r := range word {
		syms = append(syms, string(r))
	}
	for len(syms) > 1 {
		best, bestRank := bpePair{}, -1
		for i := 1; i < len(syms); i++ {
			p := bpePair{syms[i-1], syms[i]}
			if r, ok := ranks[p]; ok && (bestRank < 0 || r < bestRank) {
				best, bestRank = p, r
			}
		}
		if bestRank < 0 {
			break
		}
		merged := syms[:0:0]
		for i := 0; i < len(syms); i++ {
			if i+1 < len(syms) && syms[i] == best.a && syms[i+1] == best.b {
				merged = append(merged, best.a+best.b)
				i++
				continue
			}
			merged = append(merged, syms[i])
		}
		syms = merged
	}
	return syms
}

// isMarkup reports the <|name|> spelling chat models use for control tokens.
func isMarkup(s string) bool {
	return len(s) >= 4 && strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

// markupTokens lists the markup spellings in vocab, longest first so prompt
// splitting prefers the longest match.
func markupTokens(vocab []string) []string {
	var out []string
	for _, s := range vocab {
		if isMarkup(s) {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, func(a, b string) int { return len(b) - len(a) })
	return out
}

type promptSpan struct {
	text   string
	markup bool
}

// splitMarkup cuts a prompt into plain text and control token spans.
func splitMarkup(text string, markup []string) []promptSpan {
	if len(markup) == 0 || !strings.Contains(text, "<|") {
		return []promptSpan{{text: text}}
	}
	var spans []promptSpan
	start := 0
	for i := 0; i < len(text); {
		j := strings.Index(text[i:], "<|")
		if j < 0 {
			break
		}
		i += j
		var hit string
		for _, m := range markup {
			if strings.HasPrefix(text[i:], m) {
				hit = m
				break
			}
		}
		if hit == "" {
			i += 2
			continue
		}
		if start < i {
			spans = append(spans, promptSpan{text: text[start:i]})
		}
		spans = append(spans, promptSpan{text: hit, markup: true})
		i += len(hit)
		start = i
	}
	if start < len(text) {
		spans = append(spans, promptSpan{text: text[start:]})
	}
	return spans
}
