package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llgbridge/internal/constraint"
	"github.com/samcharles93/llgbridge/internal/logger"
	"github.com/samcharles93/llgbridge/internal/logits"
	"github.com/samcharles93/llgbridge/internal/tokenizer"
	"github.com/samcharles93/llgbridge/internal/toktrie"
)

type runOptions struct {
	grammarPath string
	grammarJSON string
	prompt      string
	temperature float64
	topK        int64
	topP        float64
	seed        int64
	maxSteps    int64
	showLogs    bool
}

func runCmd() *cli.Command {
	var opts runOptions

	flags := append(tokenizerFlags(), sessionFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "grammar",
			Aliases:     []string{"g"},
			Usage:       "path to a grammar JSON file",
			Destination: &opts.grammarPath,
		},
		&cli.StringFlag{
			Name:        "grammar-json",
			Usage:       "inline grammar JSON",
			Destination: &opts.grammarJSON,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Destination: &opts.prompt,
		},
		&cli.FloatFlag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature when the grammar sets none (0 = greedy)",
			Value:       0.8,
			Destination: &opts.temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling",
			Value:       40,
			Destination: &opts.topK,
		},
		&cli.FloatFlag{
			Name:        "top-p",
			Usage:       "top-p sampling",
			Value:       0.95,
			Destination: &opts.topP,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for the random logits and the sampler",
			Value:       1,
			Destination: &opts.seed,
		},
		&cli.Int64Flag{
			Name:        "max-steps",
			Usage:       "give up after this many mask computations",
			Value:       512,
			Destination: &opts.maxSteps,
		},
		&cli.BoolFlag{
			Name:        "show-logs",
			Usage:       "print the buffered session logs after the run",
			Destination: &opts.showLogs,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text under a grammar, sampling from random logits",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyRunConfig(cmd, LoadConfig(), &opts)

			blob, err := readGrammar(opts)
			if err != nil {
				return err
			}
			env, err := loadEnv()
			if err != nil {
				return err
			}
			cfg, err := newConstraintConfig(env)
			if err != nil {
				return err
			}
			sess, err := cfg.NewSession(blob)
			if err != nil {
				return err
			}
			defer sess.Close()

			res, err := generate(ctx, sess, env, opts, os.Stdout)
			if err != nil {
				return err
			}
			log.Info("generation finished", "steps", res.steps, "tokens", len(res.tokens), "stopped", sess.Stopped())

			if opts.showLogs {
				if logs := sess.DrainLogs(); logs != "" {
					_, _ = fmt.Fprint(os.Stderr, logs)
				}
			}
			return nil
		},
	}
}

func readGrammar(opts runOptions) ([]byte, error) {
	switch {
	case opts.grammarPath != "" && opts.grammarJSON != "":
		return nil, fmt.Errorf("--grammar and --grammar-json are mutually exclusive")
	case opts.grammarPath != "":
		return os.ReadFile(opts.grammarPath)
	case opts.grammarJSON != "":
		return []byte(opts.grammarJSON), nil
	default:
		return nil, fmt.Errorf("a grammar is required (--grammar or --grammar-json)")
	}
}

type runResult struct {
	steps  int
	tokens []toktrie.TokenID
}

// generate drives sess the way an inference loop would: mask, sample from
// synthetic logits, advance and apply the returned splice to the host's
// token history. Progress text is streamed to out and captures are printed
// as JSON lines once the session stops.
func generate(ctx context.Context, sess *constraint.Session, env *tokenizer.Env, opts runOptions, out io.Writer) (runResult, error) {
	var res runResult
	prompt, err := env.TokenizePrompt(opts.prompt)
	if err != nil {
		return res, fmt.Errorf("prompt: %w", err)
	}
	tokens, err := sess.PrimePrompt(prompt)
	if err != nil {
		return res, err
	}
	promptLen := len(tokens)

	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:        opts.seed,
		Temperature: float32(opts.temperature),
		TopK:        int(opts.topK),
		TopP:        float32(opts.topP),
	})
	rng := rand.New(rand.NewPCG(uint64(opts.seed), 0x9e3779b97f4a7c15))
	row := make([]float32, env.Trie().VocabSize())
	lastTemp := sess.Temperature()

	for res.steps < int(opts.maxSteps) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		mask, err := sess.ComputeMask()
		if err != nil {
			return res, err
		}
		res.steps++
		if err := writeProgress(out, sess.TakeProgress()); err != nil {
			return res, err
		}
		if mask.Stop {
			break
		}

		for i := range row {
			row[i] = float32(rng.NormFloat64() * 2)
		}
		var temp *float32
		if t := sess.Temperature(); t != lastTemp {
			temp, lastTemp = &t, t
		}
		sampled, err := sampler.SampleMasked(row, mask.Mask, temp, nil)
		if err != nil {
			return res, err
		}

		adv, err := sess.Advance(sampled)
		if err != nil {
			return res, err
		}
		if int(adv.Backtrack) > len(tokens)-promptLen {
			return res, fmt.Errorf("backtrack of %d exceeds %d generated tokens", adv.Backtrack, len(tokens)-promptLen)
		}
		tokens = append(tokens[:len(tokens)-int(adv.Backtrack)], adv.Tokens...)
		if err := writeProgress(out, sess.TakeProgress()); err != nil {
			return res, err
		}
		if adv.Stop {
			break
		}
	}
	res.tokens = tokens[promptLen:]
	return res, nil
}

func writeProgress(out io.Writer, records []constraint.ParserOutput) error {
	for _, r := range records {
		switch r.Object {
		case constraint.ObjectText:
			if r.Retracted > 0 {
				// Terminals cannot take back text; mark the rewind instead.
				if _, err := fmt.Fprintf(out, "\x1b[2m[-%d]\x1b[0m", r.Retracted); err != nil {
					return err
				}
			}
			if _, err := io.WriteString(out, r.Str); err != nil {
				return err
			}
		case constraint.ObjectCapture:
			line, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(out, "\n%s", line); err != nil {
				return err
			}
		case constraint.ObjectFinalText:
			if _, err := fmt.Fprintln(out); err != nil {
				return err
			}
		}
	}
	return nil
}
