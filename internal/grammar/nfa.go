package grammar

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"regexp"
	"slices"
	"strings"
)

// byteSet is a 256-bit set of byte values.
type byteSet [4]uint64

func fullSet() byteSet { return byteSet{^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0)} }

func (s *byteSet) add(b byte) { s[b>>6] |= 1 << (b & 63) }

func (s *byteSet) addRange(lo, hi byte) {
	for b := int(lo); b <= int(hi); b++ {
		s.add(byte(b))
	}
}

func (s byteSet) has(b byte) bool { return s[b>>6]&(1<<(b&63)) != 0 }

func (s byteSet) invert() byteSet {
	return byteSet{^s[0], ^s[1], ^s[2], ^s[3]}
}

func (s byteSet) count() int {
	return bits.OnesCount64(s[0]) + bits.OnesCount64(s[1]) + bits.OnesCount64(s[2]) + bits.OnesCount64(s[3])
}

// first returns the lowest member.
func (s byteSet) first() (byte, bool) {
	for i, w := range s {
		if w != 0 {
			return byte(i*64 + bits.TrailingZeros64(w)), true
		}
	}
	return 0, false
}

func (s byteSet) ascii() bool { return s[2] == 0 && s[3] == 0 }

// regexpClass renders the set as a regexp character class. Classes that
// reach past ASCII are widened to any rune: the automaton has already
// checked the bytes and the pattern only has to locate groups.
func (s byteSet) regexpClass() string {
	if !s.ascii() {
		ex := s.invert()
		if ex.count() == 0 || !ex.ascii() {
			return `(?s:.)`
		}
		var sb strings.Builder
		sb.WriteString(`[^`)
		for b := 0; b < 0x80; b++ {
			if ex.has(byte(b)) {
				fmt.Fprintf(&sb, `\x{%x}`, b)
			}
		}
		sb.WriteString(`]`)
		return sb.String()
	}
	var sb strings.Builder
	sb.WriteString(`[`)
	for b := 0; b < 0x80; b++ {
		if !s.has(byte(b)) {
			continue
		}
		hi := b
		for hi+1 < 0x80 && s.has(byte(hi+1)) {
			hi++
		}
		fmt.Fprintf(&sb, `\x{%x}`, b)
		if hi > b {
			fmt.Fprintf(&sb, `-\x{%x}`, hi)
		}
		b = hi
	}
	sb.WriteString(`]`)
	return sb.String()
}

type op uint8

const (
	opByte op = iota
	opSplit
	opMatch
)

// nstate is one Thompson NFA state. opByte consumes a byte in class and
// moves to out; opSplit moves to both out and out1 without input.
type nstate struct {
	op    op
	class byteSet
	out   int32
	out1  int32
	gen   int32
}

const maxStates = 1 << 20

// program is a compiled grammar.
type program struct {
	states []nstate
	start  int32
	gens   []*Gen
	// pattern re-matches complete output to locate named captures. Nil
	// when the grammar names nothing.
	pattern *regexp.Regexp
}

type compiler struct {
	prog  *program
	named bool
	// loose relaxes every quantifier to a star.
	loose bool
	err   error
}

// compile builds the NFA and capture pattern for g.
func compile(g *Grammar) (*program, error) {
	c := &compiler{prog: &program{}}
	match := c.add(nstate{op: opMatch, gen: -1})
	c.prog.start = c.node(g.Root, match, -1)
	if c.err != nil {
		return nil, c.err
	}

	p, err := c.capturePattern(g.Root)
	if err != nil {
		// Nested counts can exceed the regexp repeat limit; the automaton
		// already enforces them, so retry without.
		c.loose = true
		if p, err = c.capturePattern(g.Root); err != nil {
			return nil, fmt.Errorf("%w: captures: %v", ErrInvalid, err)
		}
	}
	c.prog.pattern = p
	return c.prog, nil
}

func (c *compiler) capturePattern(root *Node) (*regexp.Regexp, error) {
	var re strings.Builder
	re.WriteString(`\A`)
	c.pattern(&re, root)
	re.WriteString(`\z`)
	if !c.named {
		return nil, nil
	}
	return regexp.Compile(re.String())
}

func (c *compiler) add(s nstate) int32 {
	if len(c.prog.states) >= maxStates {
		if c.err == nil {
			c.err = fmt.Errorf("%w: grammar expands past %d automaton states", ErrInvalid, maxStates)
		}
		return 0
	}
	c.prog.states = append(c.prog.states, s)
	return int32(len(c.prog.states) - 1)
}

func (c *compiler) split(a, b, gen int32) int32 {
	return c.add(nstate{op: opSplit, out: a, out1: b, gen: gen})
}

func (c *compiler) literal(s string, next, gen int32) int32 {
	for i := len(s) - 1; i >= 0; i-- {
		var cl byteSet
		cl.add(s[i])
		next = c.add(nstate{op: opByte, class: cl, out: next, gen: gen})
	}
	return next
}

// node compiles n so that it continues to next, returning its entry state.
// States are built back to front.
func (c *compiler) node(n *Node, next, gen int32) int32 {
	if c.err != nil {
		return 0
	}
	switch {
	case n.Text != nil:
		return c.literal(*n.Text, next, gen)
	case n.Seq != nil:
		for i := len(n.Seq) - 1; i >= 0; i-- {
			next = c.node(n.Seq[i], next, gen)
		}
		return next
	case n.Select != nil:
		entry := c.node(n.Select[len(n.Select)-1], next, gen)
		for i := len(n.Select) - 2; i >= 0; i-- {
			entry = c.split(c.node(n.Select[i], next, gen), entry, gen)
		}
		return entry
	case n.Capture != nil:
		return c.node(n.Capture.Node, next, gen)
	case n.Repeat != nil:
		r := n.Repeat
		return c.repeat(func(to int32) int32 { return c.node(r.Node, to, gen) }, r.Min, r.Max, next, gen)
	case n.Gen != nil:
		g := n.Gen
		idx := int32(len(c.prog.gens))
		c.prog.gens = append(c.prog.gens, g)
		class, _ := g.class()
		next = c.literal(g.Stop, next, idx)
		return c.repeat(func(to int32) int32 {
			return c.add(nstate{op: opByte, class: class, out: to, gen: idx})
		}, g.Min, g.Max, next, idx)
	}
	c.err = fmt.Errorf("%w: empty node", ErrInvalid)
	return 0
}

// repeat compiles body{lo,hi}; hi zero is unbounded.
func (c *compiler) repeat(body func(next int32) int32, lo, hi int, next, gen int32) int32 {
	tail := next
	switch {
	case hi == 0:
		loop := c.split(0, next, gen)
		entry := body(loop)
		if c.err != nil {
			return 0
		}
		c.prog.states[loop].out = entry
		tail = loop
	default:
		for i := 0; i < hi-lo && c.err == nil; i++ {
			tail = c.split(body(tail), next, gen)
		}
	}
	for i := 0; i < lo && c.err == nil; i++ {
		tail = body(tail)
	}
	return tail
}

// pattern writes the capture regexp for n.
func (c *compiler) pattern(sb *strings.Builder, n *Node) {
	switch {
	case n.Text != nil:
		sb.WriteString(regexp.QuoteMeta(*n.Text))
	case n.Seq != nil:
		sb.WriteString(`(?:`)
		for _, ch := range n.Seq {
			c.pattern(sb, ch)
		}
		sb.WriteString(`)`)
	case n.Select != nil:
		sb.WriteString(`(?:`)
		for i, ch := range n.Select {
			if i > 0 {
				sb.WriteString(`|`)
			}
			c.pattern(sb, ch)
		}
		sb.WriteString(`)`)
	case n.Capture != nil:
		c.named = true
		fmt.Fprintf(sb, `(?P<%s>`, n.Capture.Name)
		c.pattern(sb, n.Capture.Node)
		sb.WriteString(`)`)
	case n.Repeat != nil:
		sb.WriteString(`(?:`)
		c.pattern(sb, n.Repeat.Node)
		sb.WriteString(`)`)
		sb.WriteString(quantifier(n.Repeat.Min, n.Repeat.Max, !c.loose))
	case n.Gen != nil:
		g := n.Gen
		class, _ := g.class()
		if g.Name != "" {
			c.named = true
			fmt.Fprintf(sb, `(?P<%s>`, g.Name)
		} else {
			sb.WriteString(`(?:`)
		}
		sb.WriteString(class.regexpClass())
		sb.WriteString(quantifier(g.Min, g.Max, class.ascii() && !c.loose))
		sb.WriteString(`)`)
		sb.WriteString(regexp.QuoteMeta(g.Stop))
	}
}

// quantifier renders {lo,hi}. Inexact classes and counts past the regexp
// repeat limit fall back to a star.
func quantifier(lo, hi int, exact bool) string {
	const limit = 1000
	switch {
	case !exact || lo > limit || hi > limit:
		return `*`
	case hi == 0:
		return fmt.Sprintf(`{%d,}`, lo)
	default:
		return fmt.Sprintf(`{%d,%d}`, lo, hi)
	}
}

// dstate is a lazily built DFA state: a set of NFA byte states plus whether
// the set can end here.
type dstate struct {
	nfa    []int32
	accept bool
	gen    int32
	next   [256]*dstate
	done   byteSet
	viable *byteSet
}

func (d *dstate) dead() bool { return len(d.nfa) == 0 && !d.accept }

// machine owns the DFA cache for one program. It is not safe for
// concurrent use.
type machine struct {
	prog  *program
	cache map[string]*dstate
	start *dstate
	// scratch
	mark  []uint32
	epoch uint32
	stack []int32
	set   []int32
}

const maxCachedStates = 1 << 16

func newMachine(p *program) *machine {
	m := &machine{
		prog:  p,
		cache: make(map[string]*dstate),
		mark:  make([]uint32, len(p.states)),
	}
	m.start = m.closure([]int32{p.start})
	return m
}

// closure follows splits from roots and interns the resulting set.
func (m *machine) closure(roots []int32) *dstate {
	m.epoch++
	if m.epoch == 0 {
		clear(m.mark)
		m.epoch = 1
	}
	m.set = m.set[:0]
	m.stack = append(m.stack[:0], roots...)
	accept := false
	for len(m.stack) > 0 {
		s := m.stack[len(m.stack)-1]
		m.stack = m.stack[:len(m.stack)-1]
		if m.mark[s] == m.epoch {
			continue
		}
		m.mark[s] = m.epoch
		st := &m.prog.states[s]
		switch st.op {
		case opMatch:
			accept = true
		case opSplit:
			m.stack = append(m.stack, st.out1, st.out)
		case opByte:
			m.set = append(m.set, s)
		}
	}
	slices.Sort(m.set)
	return m.intern(m.set, accept)
}

func (m *machine) intern(set []int32, accept bool) *dstate {
	key := make([]byte, 1+4*len(set))
	if accept {
		key[0] = 1
	}
	for i, s := range set {
		binary.LittleEndian.PutUint32(key[1+4*i:], uint32(s))
	}
	if d, ok := m.cache[string(key)]; ok {
		return d
	}
	if len(m.cache) >= maxCachedStates {
		// Drop the cache; states already held by callers stay valid.
		m.cache = make(map[string]*dstate)
	}
	d := &dstate{nfa: append([]int32(nil), set...), accept: accept, gen: -1}
	for i, s := range set {
		g := m.prog.states[s].gen
		if i == 0 {
			d.gen = g
		} else if d.gen != g {
			d.gen = -1
			break
		}
	}
	m.cache[string(key)] = d
	return d
}

// step returns the state after consuming b.
func (m *machine) step(d *dstate, b byte) *dstate {
	if d.done.has(b) {
		return d.next[b]
	}
	var roots []int32
	for _, s := range d.nfa {
		if st := &m.prog.states[s]; st.class.has(b) {
			roots = append(roots, st.out)
		}
	}
	nd := m.closure(roots)
	d.next[b] = nd
	d.done.add(b)
	return nd
}

// viable is the set of bytes that do not lead to the dead state.
func (m *machine) viable(d *dstate) byteSet {
	if d.viable != nil {
		return *d.viable
	}
	var v byteSet
	for _, s := range d.nfa {
		c := m.prog.states[s].class
		for i := range v {
			v[i] |= c[i]
		}
	}
	// Every compiled state reaches the match state, so no byte in v leads
	// to a dead set.
	d.viable = &v
	return v
}

// feed consumes s from d, stopping at the first dead state.
func (m *machine) feed(d *dstate, s []byte) *dstate {
	for _, b := range s {
		d = m.step(d, b)
		if d.dead() {
			return d
		}
	}
	return d
}

// forced returns the bytes the grammar admits as the only continuation of
// d, stopping where the text could end or more than one byte is possible.
func (m *machine) forced(d *dstate) []byte {
	var out []byte
	seen := map[*dstate]bool{}
	for !d.accept && !seen[d] {
		seen[d] = true
		v := m.viable(d)
		if v.count() != 1 {
			break
		}
		b, _ := v.first()
		out = append(out, b)
		d = m.step(d, b)
	}
	return out
}
