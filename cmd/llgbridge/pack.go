package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llgbridge/internal/logger"
	"github.com/samcharles93/llgbridge/internal/vocabfile"
)

const envPackOutDir = "LLGBRIDGE_PACK_OUT_DIR"

func packCmd() *cli.Command {
	var outPath string

	return &cli.Command{
		Name:  "pack",
		Usage: "Write a tokenizer's vocabulary as a packed vocab file",
		Flags: append(tokenizerFlags(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output path (default: $LLGBRIDGE_PACK_OUT_DIR or ./out, named after the source)",
				Destination: &outPath,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyTokenizerConfig(cmd, LoadConfig())

			host, release, err := loadHost()
			if err != nil {
				return err
			}
			defer func() { _ = release() }()

			out, err := resolvePackOut(outPath)
			if err != nil {
				return err
			}
			if err := vocabfile.WriteHost(out, host); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			log.Info("vocab packed", "out", out, "vocab_size", host.VocabSize(), "eos", host.EOSToken(), "bytes", len(host.TokenInfo()))
			return nil
		},
	}
}

func resolvePackOut(outFlag string) (string, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		out := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return "", err
		}
		return out, nil
	}

	base := packBaseName()
	if base == "" {
		return "", fmt.Errorf("cannot derive an output name, pass --out")
	}
	outDir := strings.TrimSpace(os.Getenv(envPackOutDir))
	if outDir == "" {
		outDir = filepath.Join(".", "out")
	}
	out := filepath.Join(outDir, base+".llgv")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	return out, nil
}

// packBaseName names the output after the tokenizer source: the directory
// holding tokenizer.json, the tiktoken encoding, or the vocab file itself.
func packBaseName() string {
	var base string
	switch {
	case tokenizerJSONPath != "":
		base = filepath.Base(filepath.Dir(filepath.Clean(tokenizerJSONPath)))
	case tiktokenEncoding != "":
		base = tiktokenEncoding
	case vocabPath != "":
		base = strings.TrimSuffix(filepath.Base(vocabPath), filepath.Ext(vocabPath))
	}
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return base
}
