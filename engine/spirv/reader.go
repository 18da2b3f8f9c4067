package spirv

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/spaghettifunk/swarm/engine/core"
)

const (
	MagicNumber uint32 = 0x07230203
	HeaderWords        = 5
)

// Reader gives word-addressed access to a SPIR-V module held in host byte order.
type Reader struct {
	words []uint32
}

// Instruction is the position of one instruction in the module.
type Instruction struct {
	Offset    int
	Opcode    uint16
	WordCount int
}

// ReadBytes decodes a module from its file image. Both endiannesses are accepted.
func ReadBytes(data []byte) (*Reader, error) {
	if len(data)%4 != 0 || len(data) < HeaderWords*4 {
		err := fmt.Errorf("%w: truncated module of %d bytes", core.ErrMalformedBytecode, len(data))
		core.LogError("%s", err)
		return nil, err
	}
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return NewReader(words)
}

// NewReader validates the header of an already decoded word stream. A module with
// a byte-swapped magic is swapped in place.
func NewReader(words []uint32) (*Reader, error) {
	if len(words) < HeaderWords {
		err := fmt.Errorf("%w: truncated header (%d words)", core.ErrMalformedBytecode, len(words))
		core.LogError("%s", err)
		return nil, err
	}
	switch words[0] {
	case MagicNumber:
	case bits.ReverseBytes32(MagicNumber):
		for i := range words {
			words[i] = bits.ReverseBytes32(words[i])
		}
	default:
		err := fmt.Errorf("%w: bad magic 0x%08x", core.ErrMalformedBytecode, words[0])
		core.LogError("%s", err)
		return nil, err
	}
	return &Reader{words: words}, nil
}

// Word returns the word at an absolute offset, or 0 past the end.
func (r *Reader) Word(offset int) uint32 {
	if offset < 0 || offset >= len(r.words) {
		return 0
	}
	return r.words[offset]
}

func (r *Reader) Len() int {
	return len(r.words)
}

func (r *Reader) Words() []uint32 {
	return r.words
}

func (r *Reader) Version() (major, minor uint8) {
	v := r.words[1]
	return uint8(v >> 16), uint8(v >> 8)
}

func (r *Reader) Generator() uint32 {
	return r.words[2]
}

// Bound is one past the highest result id declared in the module.
func (r *Reader) Bound() uint32 {
	return r.words[3]
}

// Instructions walks the instruction stream after the header. It stops at the
// first instruction whose word count is zero or runs past the end of the module.
func (r *Reader) Instructions() ([]Instruction, error) {
	out := make([]Instruction, 0, len(r.words)/4)
	for offset := HeaderWords; offset < len(r.words); {
		word := r.words[offset]
		count := int(word >> 16)
		if count == 0 || offset+count > len(r.words) {
			err := fmt.Errorf("%w: instruction at word %d has invalid length %d", core.ErrMalformedBytecode, offset, count)
			core.LogError("%s", err)
			return nil, err
		}
		out = append(out, Instruction{Offset: offset, Opcode: uint16(word), WordCount: count})
		offset += count
	}
	return out, nil
}

// String decodes the nul terminated literal starting at an absolute offset and
// bounded by end.
func (r *Reader) String(offset, end int) string {
	buf := make([]byte, 0, 16)
	for i := offset; i < end && i < len(r.words); i++ {
		w := r.words[i]
		for s := 0; s < 32; s += 8 {
			c := byte(w >> s)
			if c == 0 {
				return string(buf)
			}
			buf = append(buf, c)
		}
	}
	return string(buf)
}
