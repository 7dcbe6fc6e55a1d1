package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/samcharles93/llgbridge/internal/constraint"
	"github.com/samcharles93/llgbridge/internal/tokenizer"
	"github.com/samcharles93/llgbridge/internal/toktrie"
)

func testEnv(t *testing.T) *tokenizer.Env {
	t.Helper()
	words := []string{"a", "b", "ab", "}", "", "1", "2", "12"}
	entries := make([]toktrie.Entry, len(words))
	for i, w := range words {
		entries[i] = toktrie.Entry{Bytes: []byte(w)}
	}
	entries[4].Special = true
	host, err := tokenizer.NewStaticHost(entries, 4)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	env, err := tokenizer.NewEnv(host)
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	return env
}

func TestGenerate(t *testing.T) {
	env := testEnv(t)
	cfg, err := constraint.NewConfig(env, toktrie.DefaultCapabilities(), constraint.DefaultSettings(), constraint.WithConsole(io.Discard))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	grammar := `{"temperature": 0.5, "grammar": {"seq": [
		{"gen": {"name": "num", "chars": "1-2", "min": 1, "max": 4}},
		{"text": "}"}
	]}}`

	for seed := int64(1); seed <= 5; seed++ {
		sess, err := cfg.NewSession([]byte(grammar))
		if err != nil {
			t.Fatalf("session: %v", err)
		}
		var out bytes.Buffer
		opts := runOptions{temperature: 1, topK: 8, topP: 1, seed: seed, maxSteps: 32}
		res, err := generate(context.Background(), sess, env, opts, &out)
		if err != nil {
			t.Fatalf("seed %d: generate: %v", seed, err)
		}
		if !sess.Stopped() {
			t.Fatalf("seed %d: session did not stop after %d steps", seed, res.steps)
		}
		text := string(env.Trie().Decode(res.tokens))
		if !strings.HasSuffix(text, "}") || len(text) < 2 || len(text) > 5 {
			t.Fatalf("seed %d: unexpected text %q", seed, text)
		}
		if strings.Trim(text[:len(text)-1], "12") != "" {
			t.Fatalf("seed %d: text %q leaves the grammar", seed, text)
		}
		if !strings.Contains(out.String(), `"name":"num"`) {
			t.Fatalf("seed %d: capture missing from output %q", seed, out.String())
		}
		sess.Close()
	}
}

func TestReadGrammar(t *testing.T) {
	if _, err := readGrammar(runOptions{}); err == nil {
		t.Fatalf("expected error without a grammar")
	}
	if _, err := readGrammar(runOptions{grammarPath: "g.json", grammarJSON: "{}"}); err == nil {
		t.Fatalf("expected error with two grammars")
	}
	blob, err := readGrammar(runOptions{grammarJSON: `{"grammar": {"text": "x"}}`})
	if err != nil || !bytes.Contains(blob, []byte(`"x"`)) {
		t.Fatalf("unexpected %q, %v", blob, err)
	}
}
