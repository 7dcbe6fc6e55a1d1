package toktrie

import "fmt"

const (
	flagReserved = 0x80
	flagSpecial  = 0x40
	lenHighMask  = 0x0F

	// MaxTokenLen is the longest token the packed format can describe.
	MaxTokenLen = 0x0FFF
)

// Entry is a single vocabulary slot. Its index in the vocabulary is the token id.
type Entry struct {
	Bytes   []byte
	Special bool
}

// ParsePacked decodes the packed vocabulary layout:
//
//	flags (1 byte) | length low byte (1 byte) | content (length bytes)
//
// Bit 7 of flags is reserved and must be zero, bit 6 marks a special token
// and bits 0-3 hold the high nibble of the 12-bit length. Parsing stops when
// fewer than two bytes remain. Special entries keep empty bytes; any content
// written for them is skipped.
func ParsePacked(buf []byte) ([]Entry, error) {
	var entries []Entry
	off := 0
	for len(buf)-off >= 2 {
		flags := buf[off]
		n := int(flags&lenHighMask)<<8 | int(buf[off+1])
		if flags&flagReserved != 0 {
			return nil, fmt.Errorf("%w: reserved flag set on token %d", ErrMalformedVocab, len(entries))
		}
		off += 2
		if len(buf)-off < n {
			return nil, fmt.Errorf("%w: token %d needs %d bytes, %d left", ErrMalformedVocab, len(entries), n, len(buf)-off)
		}
		e := Entry{Special: flags&flagSpecial != 0}
		if !e.Special {
			e.Bytes = append([]byte(nil), buf[off:off+n]...)
		}
		off += n
		entries = append(entries, e)
	}
	return entries, nil
}

// Pack encodes entries into the packed vocabulary layout. Special entries are
// written with an empty payload.
func Pack(entries []Entry) ([]byte, error) {
	size := 0
	for _, e := range entries {
		size += 2
		if !e.Special {
			size += len(e.Bytes)
		}
	}
	out := make([]byte, 0, size)
	for i, e := range entries {
		if e.Special {
			out = append(out, flagSpecial, 0)
			continue
		}
		n := len(e.Bytes)
		if n > MaxTokenLen {
			return nil, fmt.Errorf("token %d is %d bytes, max %d", i, n, MaxTokenLen)
		}
		out = append(out, byte(n>>8)&lenHighMask, byte(n))
		out = append(out, e.Bytes...)
	}
	return out, nil
}
