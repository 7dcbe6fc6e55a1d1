package logits

import (
	"cmp"
	"errors"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/samcharles93/llgbridge/internal/toktrie"
)

var errNoCandidates = errors.New("mask allows no tokens")

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

type candidate struct {
	id    int
	logit float32
	p     float64
}

// Sampler draws tokens from a logits row restricted to the tokens a grammar
// allows. It reuses its buffers between calls and is not safe for concurrent
// use.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	cands  []candidate
	recent []int
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewPCG(uint64(cfg.Seed), 0x853c49e6748fea9b)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Greedy reports whether sampling reduces to argmax over the allowed tokens.
func (s *Sampler) Greedy() bool { return s.greedy || s.cfg.TopK == 1 }

// SetTemperature overrides the configured temperature for later calls. A
// grammar may change it between steps; zero or below switches to argmax.
func (s *Sampler) SetTemperature(t float32) {
	s.greedy = t <= 0
	if t > 0 {
		s.cfg.Temperature = t
	}
}

// Temperature is the effective temperature, 0 when sampling greedily.
func (s *Sampler) Temperature() float32 {
	if s.greedy {
		return 0
	}
	return s.cfg.Temperature
}

// Sample draws an index from the whole logits row.
func (s *Sampler) Sample(logits []float32, recent []int) int {
	id, err := s.sample(logits, nil, recent)
	if err != nil {
		return 0
	}
	return id
}

// SampleMasked draws a token the mask allows. Logits past the mask's length
// are never drawn; models often pad their output layer beyond the tokenizer
// vocabulary. A non-nil temperature replaces the sampler's temperature from
// this call on.
func (s *Sampler) SampleMasked(logits []float32, mask *toktrie.Bitset, temperature *float32, recent []int) (toktrie.TokenID, error) {
	if temperature != nil {
		s.SetTemperature(*temperature)
	}
	id, err := s.sample(logits, mask, recent)
	if err != nil {
		return 0, err
	}
	return toktrie.TokenID(id), nil
}

// sample runs the pipeline over the allowed candidates:
//
//  1. repetition penalty on tokens seen in the last RepeatLastN steps
//  2. argmax when greedy
//  3. top-k by logit, softmax at the current temperature
//  4. min-p and top-p truncation
//  5. a draw from what is left
func (s *Sampler) sample(logits []float32, mask *toktrie.Bitset, recent []int) (int, error) {
	s.gather(logits, mask)
	if len(s.cands) == 0 {
		return 0, errNoCandidates
	}
	s.penalize(recent)

	// Stable so equal logits keep id order.
	slices.SortStableFunc(s.cands, func(a, b candidate) int {
		return cmp.Compare(b.logit, a.logit)
	})
	if s.Greedy() {
		return s.cands[0].id, nil
	}

	cands := s.cands[:min(s.cfg.TopK, len(s.cands))]
	top := float64(cands[0].logit)
	if math.IsInf(top, -1) || math.IsNaN(top) {
		return cands[0].id, nil
	}
	inv := 1 / float64(s.cfg.Temperature)
	var sum float64
	for i := range cands {
		cands[i].p = math.Exp((float64(cands[i].logit) - top) * inv)
		sum += cands[i].p
	}

	if s.cfg.MinP > 0 {
		floor := cands[0].p * float64(s.cfg.MinP)
		n := len(cands)
		for n > 1 && cands[n-1].p < floor {
			sum -= cands[n-1].p
			n--
		}
		cands = cands[:n]
	}
	if s.cfg.TopP < 1 {
		want := float64(s.cfg.TopP) * sum
		var c float64
		for i := range cands {
			c += cands[i].p
			if c >= want {
				sum = c
				cands = cands[:i+1]
				break
			}
		}
	}

	r := s.rng.Float64() * sum
	last := cands[0].id
	var c float64
	for _, cand := range cands {
		if cand.p == 0 {
			continue
		}
		last = cand.id
		c += cand.p
		if r < c {
			return cand.id, nil
		}
	}
	// Rounding can leave c just under r.
	return last, nil
}

func (s *Sampler) gather(logits []float32, mask *toktrie.Bitset) {
	s.cands = s.cands[:0]
	if mask == nil {
		for id, l := range logits {
			s.cands = append(s.cands, candidate{id: id, logit: l})
		}
		return
	}
	for _, tok := range mask.Tokens() {
		if int(tok) >= len(logits) {
			break
		}
		s.cands = append(s.cands, candidate{id: int(tok), logit: logits[tok]})
	}
}

func (s *Sampler) penalize(recent []int) {
	if s.cfg.RepeatPenalty <= 1 || len(recent) == 0 {
		return
	}
	window := recent[max(len(recent)-s.cfg.RepeatLastN, 0):]
	s.recent = append(s.recent[:0], window...)
	slices.Sort(s.recent)
	s.recent = slices.Compact(s.recent)
	for i := range s.cands {
		if _, seen := slices.BinarySearch(s.recent, s.cands[i].id); !seen {
			continue
		}
		if s.cands[i].logit > 0 {
			s.cands[i].logit /= s.cfg.RepeatPenalty
		} else {
			s.cands[i].logit *= s.cfg.RepeatPenalty
		}
	}
}
