// Package grammar implements the built-in constraint parser: a small JSON
// grammar language compiled to a byte-level automaton and driven token by
// token over a toktrie.Trie.
package grammar

import (
	"errors"
	"fmt"
	"math"
	"regexp"

	"github.com/goccy/go-json"
)

// ErrInvalid reports a grammar blob that does not decode or validate.
var ErrInvalid = errors.New("invalid grammar")

// Grammar is the decoded top-level grammar blob.
type Grammar struct {
	// Temperature is the default sampling temperature; gen nodes may
	// override it while they are active.
	Temperature *float32 `json:"temperature,omitempty"`
	// MaxTokens stops generation after this many sampled tokens. Zero
	// means no limit.
	MaxTokens int   `json:"max_tokens,omitempty"`
	Root      *Node `json:"grammar"`
}

// Node is one grammar element. Exactly one field is set.
type Node struct {
	Text    *string      `json:"text,omitempty"`
	Seq     []*Node      `json:"seq,omitempty"`
	Select  []*Node      `json:"select,omitempty"`
	Gen     *Gen         `json:"gen,omitempty"`
	Capture *CaptureNode `json:"capture,omitempty"`
	Repeat  *Repeat      `json:"repeat,omitempty"`
}

// Gen is a free-form span: Min..Max bytes from a byte class, then an
// optional literal Stop.
type Gen struct {
	Name string `json:"name,omitempty"`
	// Chars lists the allowed ASCII bytes, with a-z style ranges.
	Chars string `json:"chars,omitempty"`
	// Exclude lists ASCII bytes that are not allowed; every other byte is.
	Exclude     string   `json:"exclude,omitempty"`
	Min         int      `json:"min,omitempty"`
	Max         int      `json:"max,omitempty"`
	Stop        string   `json:"stop,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
}

// CaptureNode names the text matched by Node.
type CaptureNode struct {
	Name string `json:"name"`
	Node *Node  `json:"node"`
}

// Repeat matches Node between Min and Max times. Max zero is unbounded.
type Repeat struct {
	Node *Node `json:"node"`
	Min  int   `json:"min,omitempty"`
	Max  int   `json:"max,omitempty"`
}

// Text, Seq, Select, GenNode and Capture build grammars in code.
func Text(s string) *Node         { return &Node{Text: &s} }
func Seq(nodes ...*Node) *Node    { return &Node{Seq: append([]*Node{}, nodes...)} }
func Select(nodes ...*Node) *Node { return &Node{Select: nodes} }
func GenNode(g Gen) *Node         { return &Node{Gen: &g} }
func Capture(name string, n *Node) *Node {
	return &Node{Capture: &CaptureNode{Name: name, Node: n}}
}

const (
	maxDepth     = 256
	maxRepeat    = 1 << 12
	maxTokensCap = 1 << 20
)

var captureName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Parse decodes and validates a grammar blob.
func Parse(blob []byte) (*Grammar, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty grammar", ErrInvalid)
	}
	var g Grammar
	if err := json.Unmarshal(blob, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks structure, bounds and capture names.
func (g *Grammar) Validate() error {
	if g.Root == nil {
		return fmt.Errorf("%w: missing grammar root", ErrInvalid)
	}
	if g.MaxTokens < 0 || g.MaxTokens > maxTokensCap {
		return fmt.Errorf("%w: max_tokens %d out of range", ErrInvalid, g.MaxTokens)
	}
	if err := checkTemperature(g.Temperature); err != nil {
		return err
	}
	names := map[string]bool{}
	return validateNode(g.Root, 0, names)
}

func validateNode(n *Node, depth int, names map[string]bool) error {
	if n == nil {
		return fmt.Errorf("%w: null node", ErrInvalid)
	}
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalid, maxDepth)
	}
	set := 0
	for _, ok := range []bool{n.Text != nil, n.Seq != nil, n.Select != nil, n.Gen != nil, n.Capture != nil, n.Repeat != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: node must have exactly one kind, has %d", ErrInvalid, set)
	}

	switch {
	case n.Text != nil:
		return nil
	case n.Seq != nil:
		for _, c := range n.Seq {
			if err := validateNode(c, depth+1, names); err != nil {
				return err
			}
		}
	case n.Select != nil:
		if len(n.Select) == 0 {
			return fmt.Errorf("%w: empty select", ErrInvalid)
		}
		for _, c := range n.Select {
			if err := validateNode(c, depth+1, names); err != nil {
				return err
			}
		}
	case n.Gen != nil:
		return validateGen(n.Gen, names)
	case n.Capture != nil:
		if err := claimName(n.Capture.Name, names); err != nil {
			return err
		}
		return validateNode(n.Capture.Node, depth+1, names)
	case n.Repeat != nil:
		r := n.Repeat
		if err := checkBounds("repeat", r.Min, r.Max); err != nil {
			return err
		}
		return validateNode(r.Node, depth+1, names)
	}
	return nil
}

func validateGen(g *Gen, names map[string]bool) error {
	if g.Name != "" {
		if err := claimName(g.Name, names); err != nil {
			return err
		}
	}
	if g.Chars != "" && g.Exclude != "" {
		return fmt.Errorf("%w: gen %q sets both chars and exclude", ErrInvalid, g.Name)
	}
	if _, err := g.class(); err != nil {
		return err
	}
	if err := checkBounds("gen", g.Min, g.Max); err != nil {
		return err
	}
	return checkTemperature(g.Temperature)
}

func claimName(name string, names map[string]bool) error {
	if !captureName.MatchString(name) {
		return fmt.Errorf("%w: bad capture name %q", ErrInvalid, name)
	}
	if names[name] {
		return fmt.Errorf("%w: duplicate capture name %q", ErrInvalid, name)
	}
	names[name] = true
	return nil
}

func checkBounds(kind string, lo, hi int) error {
	if lo < 0 || hi < 0 || lo > maxRepeat || hi > maxRepeat {
		return fmt.Errorf("%w: %s bounds must be within 0..%d", ErrInvalid, kind, maxRepeat)
	}
	if hi != 0 && hi < lo {
		return fmt.Errorf("%w: %s max %d below min %d", ErrInvalid, kind, hi, lo)
	}
	return nil
}

func checkTemperature(t *float32) error {
	if t != nil && (*t < 0 || math.IsNaN(float64(*t))) {
		return fmt.Errorf("%w: temperature must be non-negative", ErrInvalid)
	}
	return nil
}

// class returns the byte set a gen draws from.
func (g *Gen) class() (byteSet, error) {
	switch {
	case g.Chars != "":
		return parseChars(g.Chars)
	case g.Exclude != "":
		ex, err := parseChars(g.Exclude)
		if err != nil {
			return byteSet{}, err
		}
		return ex.invert(), nil
	default:
		return fullSet(), nil
	}
}

// parseChars reads an ASCII character list such as "a-z0-9_". A '-' at
// either end is literal.
func parseChars(s string) (byteSet, error) {
	var set byteSet
	for i := 0; i < len(s); i++ {
		lo := s[i]
		if lo >= 0x80 {
			return set, fmt.Errorf("%w: non-ASCII byte in class %q", ErrInvalid, s)
		}
		if i+2 < len(s) && s[i+1] == '-' {
			hi := s[i+2]
			if hi >= 0x80 || hi < lo {
				return set, fmt.Errorf("%w: bad range %q in class %q", ErrInvalid, s[i:i+3], s)
			}
			set.addRange(lo, hi)
			i += 2
			continue
		}
		set.add(lo)
	}
	return set, nil
}
