package tokenizer

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/samcharles93/llgbridge/internal/toktrie"
)

// HFTokenizer is a byte-level BPE tokenizer loaded from a Hugging Face
// tokenizer.json. It implements Host so a local model vocabulary can drive
// constrained sessions.
type HFTokenizer struct {
	encoder      map[string]int
	decoder      []string
	bpeRanks     map[bpePair]int
	cacheMu      sync.Mutex
	cache        map[string][]string
	bytes        *byteLevel
	pattern      *regexp.Regexp
	addBOS       bool
	addEOS       bool
	bosID        int
	eosID        int
	unkID        int
	ignoreMerges bool
	markup       []string
	specialIDs   map[int]bool
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer struct {
		Type          string `json:"type"`
		Pretokenizers []struct {
			Type    string `json:"type"`
			Pattern struct {
				Regex string `json:"Regex"`
			} `json:"pattern"`
		} `json:"pretokenizers"`
	} `json:"pre_tokenizer"`
	PostProcessor struct {
		Type       string `json:"type"`
		Processors []struct {
			Type          string `json:"type"`
			SpecialTokens map[string]struct {
				IDs []int `json:"ids"`
			} `json:"special_tokens"`
		} `json:"processors"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfTokenizerConfig struct {
	AddBOS bool   `json:"add_bos_token"`
	AddEOS bool   `json:"add_eos_token"`
	BOS    string `json:"bos_token"`
	EOS    string `json:"eos_token"`
}

func LoadHFTokenizer(tokJSON, tokConfig string) (*HFTokenizer, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		if raw, err := os.ReadFile(tokConfig); err == nil {
			cfg = raw
		}
	}
	return LoadHFTokenizerBytes(data, cfg)
}

func LoadHFTokenizerBytes(tokJSON []byte, tokConfig []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, err
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	encoder := make(map[string]int, len(tj.Model.Vocab))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		encoder[tok] = id
		if id > maxID {
			maxID = id
		}
	}
	for _, at := range tj.AddedTokens {
		if at.ID > maxID {
			maxID = at.ID
		}
	}
	decoder := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		decoder[id] = tok
	}
	specialIDs := make(map[int]bool)
	for _, at := range tj.AddedTokens {
		decoder[at.ID] = at.Content
		if at.Special {
			specialIDs[at.ID] = true
		}
	}

	bpeRanks := make(map[bpePair]int, len(tj.Model.Merges))
	rank := 0
	for _, raw := range tj.Model.Merges {
		line := ""
		switch v := raw.(type) {
		case string:
			line = v
		case []any:
			if len(v) == 2 {
				a, aok := v[0].(string)
				b, bok := v[1].(string)
				if aok && bok {
					line = a + " " + b
				}
			}
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			continue
		}
		p := bpePair{parts[0], parts[1]}
		if _, ok := bpeRanks[p]; !ok {
			bpeRanks[p] = rank
			rank++
		}
	}

	pat := buildHFPattern(tj.PreTokenizer)

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		_ = json.Unmarshal(tokConfig, &cfg)
	}

	addBOS := cfg.AddBOS
	addEOS := cfg.AddEOS
	bosID := -1
	eosID := -1
	if cfg.BOS != "" {
		if id, ok := encoder[cfg.BOS]; ok {
			bosID = id
		}
	}
	if cfg.EOS != "" {
		if id, ok := encoder[cfg.EOS]; ok {
			eosID = id
		}
	}
	// If TemplateProcessing defines a BOS token, use it.
	for _, proc := range tj.PostProcessor.Processors {
		if proc.Type == "TemplateProcessing" {
			for _, spec := range proc.SpecialTokens {
				if len(spec.IDs) > 0 {
					bosID = spec.IDs[0]
					addBOS = true
					break
				}
			}
		}
	}

	unkID := -1
	if tj.Model.UnkToken != "" {
		if id, ok := encoder[tj.Model.UnkToken]; ok {
			unkID = id
		}
	}

	tok := &HFTokenizer{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     bpeRanks,
		cache:        make(map[string][]string),
		bytes:        newByteLevel(),
		pattern:      pat,
		addBOS:       addBOS,
		addEOS:       addEOS,
		bosID:        bosID,
		eosID:        eosID,
		unkID:        unkID,
		ignoreMerges: tj.Model.IgnoreMerges,
		markup:       markupTokens(decoder),
		specialIDs:   specialIDs,
	}
	return tok, nil
}

// EncodePrompt implements PromptEncoder. It frames text the way the model
// expects a prompt: BOS/EOS as configured and <|markup|> spans encoded as
// their control tokens.
func (t *HFTokenizer) EncodePrompt(text string) ([]uint32, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, span := range splitMarkup(text, t.markup) {
		if span.markup {
			id, ok := t.encoder[span.text]
			if !ok {
				return nil, fmt.Errorf("unknown control token %q", span.text)
			}
			ids = append(ids, id)
			continue
		}
		var err error
		if ids, err = t.appendText(ids, span.text); err != nil {
			return nil, err
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out, nil
}

func (t *HFTokenizer) appendText(ids []int, text string) ([]int, error) {
	for _, piece := range t.pattern.FindAllString(text, -1) {
		for _, sym := range t.bpe(t.bytes.encode(piece)) {
			id, ok := t.encoder[sym]
			if !ok {
				if t.unkID >= 0 {
					ids = append(ids, t.unkID)
					continue
				}
				return nil, fmt.Errorf("unknown token: %q", sym)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// VocabSize implements Host.
func (t *HFTokenizer) VocabSize() uint32 { return uint32(len(t.decoder)) }

// EOSToken implements Host.
func (t *HFTokenizer) EOSToken() int32 { return int32(t.eosID) }

// Entries lists the raw bytes of every token. Holes in the id space and
// added special tokens are special entries.
func (t *HFTokenizer) Entries() []toktrie.Entry {
	out := make([]toktrie.Entry, len(t.decoder))
	for id, sym := range t.decoder {
		out[id] = t.bytes.entry(sym, t.specialIDs[id])
	}
	return out
}

// TokenInfo implements Host.
func (t *HFTokenizer) TokenInfo() []byte {
	info, err := toktrie.Pack(t.Entries())
	if err != nil {
		// Entries never exceeds the packed length limit.
		return nil
	}
	return info
}

// TokenizeExact implements Host: no BOS/EOS, special markup is plain text.
func (t *HFTokenizer) TokenizeExact(text string) []uint32 {
	ids, err := t.appendText(nil, text)
	if err != nil {
		return nil
	}
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out
}

func (t *HFTokenizer) bpe(token string) []string {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	if v, ok := t.cache[token]; ok {
		return v
	}
	var out []string
	if _, ok := t.encoder[token]; ok && t.ignoreMerges {
		out = []string{token}
	} else {
		out = mergeBPE(token, t.bpeRanks)
	}
	t.cache[token] = out
	return out
}

func buildHFPattern(pre struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers"`
}) *regexp.Regexp {
	// Default to GPT2-ish regex.
	pat := `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	if pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	// LFM2 uses a Llama3-style regex with lookahead not supported by Go. Replace with llama.cpp variant.
	if strings.Contains(pat, "(?!\\S)") || strings.Contains(pat, "(?i:") {
		pat = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`
	}
	return regexp.MustCompile(pat)
}
