package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llgbridge/internal/toktrie"
	"github.com/samcharles93/llgbridge/internal/vocabfile"
)

type vocabSummary struct {
	Path        string       `json:"path"`
	Version     string       `json:"version"`
	VocabSize   uint32       `json:"vocab_size"`
	EOS         int32        `json:"eos_token"`
	TableBytes  uint32       `json:"table_bytes"`
	Specials    int          `json:"specials"`
	Empty       int          `json:"empty"`
	MaxTokenLen int          `json:"max_token_len"`
	TrieNodes   int          `json:"trie_nodes"`
	Tokens      []vocabToken `json:"tokens,omitempty"`
}

type vocabToken struct {
	ID      uint32 `json:"id"`
	Text    string `json:"text"`
	Special bool   `json:"special,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		path       string
		showTokens int64
		asJSON     bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Summarize a packed vocab file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "vocab",
				Aliases:     []string{"v"},
				Usage:       "path to vocab file",
				Destination: &path,
				Required:    true,
			},
			&cli.Int64Flag{
				Name:        "tokens",
				Usage:       "list the first N tokens",
				Destination: &showTokens,
			},
			&cli.BoolFlag{Name: "json", Usage: "print the summary as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			summary, err := inspectVocab(path, int(showTokens))
			if err != nil {
				return err
			}
			if asJSON {
				out, err := json.MarshalIndent(summary, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(os.Stdout, string(out))
				return err
			}
			printVocabSummary(summary)
			return nil
		},
	}
}

func inspectVocab(path string, showTokens int) (vocabSummary, error) {
	f, err := vocabfile.Open(path)
	if err != nil {
		return vocabSummary{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	entries, err := toktrie.ParsePacked(f.Info())
	if err != nil {
		return vocabSummary{}, err
	}
	trie, err := toktrie.New(entries, int(f.Header.VocabSize), f.Header.EOS)
	if err != nil {
		return vocabSummary{}, err
	}

	s := vocabSummary{
		Path:        path,
		Version:     fmt.Sprintf("%d.%d", f.Header.Major, f.Header.Minor),
		VocabSize:   f.Header.VocabSize,
		EOS:         f.Header.EOS,
		TableBytes:  f.Header.InfoSize,
		MaxTokenLen: trie.MaxTokenLen(),
		TrieNodes:   trie.NumNodes(),
	}
	for i, e := range entries {
		switch {
		case e.Special:
			s.Specials++
		case len(e.Bytes) == 0:
			s.Empty++
		}
		if i < showTokens {
			s.Tokens = append(s.Tokens, vocabToken{ID: uint32(i), Text: string(e.Bytes), Special: e.Special})
		}
	}
	return s, nil
}

func printVocabSummary(s vocabSummary) {
	fmt.Printf("file:          %s\n", s.Path)
	fmt.Printf("format:        %s\n", s.Version)
	fmt.Printf("vocab size:    %d\n", s.VocabSize)
	if s.EOS >= 0 && uint32(s.EOS) < s.VocabSize {
		fmt.Printf("eos token:     %d\n", s.EOS)
	} else {
		fmt.Printf("eos token:     none\n")
	}
	fmt.Printf("table bytes:   %d\n", s.TableBytes)
	fmt.Printf("specials:      %d\n", s.Specials)
	fmt.Printf("empty tokens:  %d\n", s.Empty)
	fmt.Printf("max token len: %d\n", s.MaxTokenLen)
	fmt.Printf("trie nodes:    %d\n", s.TrieNodes)
	for _, t := range s.Tokens {
		marker := ""
		if t.Special {
			marker = " (special)"
		}
		fmt.Printf("%8d  %s%s\n", t.ID, strconv.Quote(t.Text), marker)
	}
}
