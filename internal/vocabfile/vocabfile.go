// Package vocabfile reads and writes packed vocabulary files: a fixed
// header followed by the packed token table consumed by toktrie.
package vocabfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/llgbridge/internal/tokenizer"
	"github.com/samcharles93/llgbridge/internal/toktrie"
)

const (
	Magic = "LLGV"

	CurrentMajor uint16 = 1
	CurrentMinor uint16 = 0

	HeaderSize = 24
)

var (
	ErrInvalidMagic     = errors.New("invalid vocab file magic")
	ErrUnsupportedMajor = errors.New("unsupported vocab file major version")
	ErrCorruptFile      = errors.New("corrupt vocab file")
)

// Header is the fixed little-endian file prefix.
type Header struct {
	Magic     [4]byte
	Major     uint16
	Minor     uint16
	VocabSize uint32
	EOS       int32
	InfoSize  uint32
	Flags     uint32
}

func (h *Header) Valid() bool {
	return string(h.Magic[:]) == Magic && h.VocabSize > 0
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}

func (h *Header) encode(dst []byte) {
	copy(dst[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(dst[4:], h.Major)
	binary.LittleEndian.PutUint16(dst[6:], h.Minor)
	binary.LittleEndian.PutUint32(dst[8:], h.VocabSize)
	binary.LittleEndian.PutUint32(dst[12:], uint32(h.EOS))
	binary.LittleEndian.PutUint32(dst[16:], h.InfoSize)
	binary.LittleEndian.PutUint32(dst[20:], h.Flags)
}

func decodeHeader(src []byte) Header {
	var h Header
	copy(h.Magic[:], src[0:4])
	h.Major = binary.LittleEndian.Uint16(src[4:])
	h.Minor = binary.LittleEndian.Uint16(src[6:])
	h.VocabSize = binary.LittleEndian.Uint32(src[8:])
	h.EOS = int32(binary.LittleEndian.Uint32(src[12:]))
	h.InfoSize = binary.LittleEndian.Uint32(src[16:])
	h.Flags = binary.LittleEndian.Uint32(src[20:])
	return h
}

// File is an opened vocabulary file. Info aliases Data, which may be a
// read-only mapping; it is invalid after Close.
type File struct {
	Data    []byte
	Header  Header
	mmapped bool
}

// Open maps a vocab file read-only and validates it. If mmap is unavailable
// it falls back to reading the file into memory.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < HeaderSize || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		vf, parseErr := parse(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return vf, nil
	}

	data = make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("read vocab file: %w", err)
	}
	return parse(data, false)
}

// Parse validates an in-memory vocab file.
func Parse(data []byte) (*File, error) {
	return parse(data, false)
}

func parse(data []byte, mmapped bool) (*File, error) {
	if len(data) < HeaderSize {
		return nil, ErrCorruptFile
	}
	hdr := decodeHeader(data[:HeaderSize])
	if !hdr.Valid() {
		return nil, ErrInvalidMagic
	}
	if !hdr.Compatible() {
		return nil, ErrUnsupportedMajor
	}
	if uint64(HeaderSize)+uint64(hdr.InfoSize) != uint64(len(data)) {
		return nil, ErrCorruptFile
	}
	return &File{Data: data, Header: hdr, mmapped: mmapped}, nil
}

// Info is the packed token table.
func (f *File) Info() []byte { return f.Data[HeaderSize:] }

// Host serves the file as a tokenizer host. The host reads from Data, so
// build the environment before closing the file.
func (f *File) Host() *tokenizer.StaticHost {
	return &tokenizer.StaticHost{
		Info: f.Info(),
		Size: f.Header.VocabSize,
		EOS:  f.Header.EOS,
	}
}

// Env opens the file's vocabulary as a tokenizer environment. The
// environment keeps its own copy of the token table.
func (f *File) Env() (*tokenizer.Env, error) {
	return tokenizer.NewEnv(f.Host())
}

// Close releases the mapping, if any.
func (f *File) Close() error {
	if f == nil || !f.mmapped || f.Data == nil {
		return nil
	}
	err := unix.Munmap(f.Data)
	f.Data = nil
	f.mmapped = false
	return err
}

// Encode builds a vocab file image.
func Encode(vocabSize uint32, eos int32, info []byte) ([]byte, error) {
	if vocabSize == 0 {
		return nil, fmt.Errorf("%w: vocab size must be positive", toktrie.ErrMalformedVocab)
	}
	if uint64(len(info)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: token table too large", toktrie.ErrMalformedVocab)
	}
	if _, err := toktrie.ParsePacked(info); err != nil {
		return nil, err
	}
	hdr := Header{
		Major:     CurrentMajor,
		Minor:     CurrentMinor,
		VocabSize: vocabSize,
		EOS:       eos,
		InfoSize:  uint32(len(info)),
	}
	copy(hdr.Magic[:], Magic)
	out := make([]byte, HeaderSize+len(info))
	hdr.encode(out)
	copy(out[HeaderSize:], info)
	return out, nil
}

// WriteHost writes host's vocabulary to path.
func WriteHost(path string, host tokenizer.Host) error {
	data, err := Encode(host.VocabSize(), host.EOSToken(), host.TokenInfo())
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
