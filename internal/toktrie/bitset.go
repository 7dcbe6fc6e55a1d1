package toktrie

import "math/bits"

// Bitset is a token mask with one bit per vocabulary entry, packed
// little-endian into 32-bit words (token i lives in word i/32, bit i%32).
type Bitset struct {
	words []uint32
	size  int
}

// NewBitset returns an empty mask covering n tokens.
func NewBitset(n int) *Bitset {
	return &Bitset{words: make([]uint32, (n+31)/32), size: n}
}

// SingletonBitset returns a mask over n tokens allowing only id.
func SingletonBitset(n int, id TokenID) *Bitset {
	b := NewBitset(n)
	b.Allow(id)
	return b
}

// Len is the number of tokens the mask covers.
func (b *Bitset) Len() int { return b.size }

// Allow sets the bit for id. Ids outside the mask are ignored.
func (b *Bitset) Allow(id TokenID) {
	if int(id) >= b.size {
		return
	}
	b.words[id>>5] |= 1 << (id & 31)
}

func (b *Bitset) Disallow(id TokenID) {
	if int(id) >= b.size {
		return
	}
	b.words[id>>5] &^= 1 << (id & 31)
}

func (b *Bitset) IsAllowed(id TokenID) bool {
	if int(id) >= b.size {
		return false
	}
	return b.words[id>>5]&(1<<(id&31)) != 0
}

// Count returns the number of allowed tokens.
func (b *Bitset) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount32(w)
	}
	return n
}

func (b *Bitset) IsZero() bool {
	for _, w := range b.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Words exposes the packed representation handed to hosts.
func (b *Bitset) Words() []uint32 { return b.words }

// Tokens lists the allowed ids in ascending order.
func (b *Bitset) Tokens() []TokenID {
	out := make([]TokenID, 0, b.Count())
	for wi, w := range b.words {
		for w != 0 {
			bit := bits.TrailingZeros32(w)
			out = append(out, TokenID(wi*32+bit))
			w &= w - 1
		}
	}
	return out
}
