// Package spirvtest assembles small SPIR-V compute modules for tests.
package spirvtest

import (
	"encoding/binary"

	nagaspirv "github.com/gogpu/naga/spirv"
)

// Module is a SPIR-V module under construction. Sections are kept apart and joined
// in logical layout order by Words.
type Module struct {
	next uint32

	capabilities []uint32
	entryPoints  []uint32
	modes        []uint32
	decorations  []uint32
	globals      []uint32
	body         []uint32

	// Bound overrides the computed id bound when non zero.
	Bound uint32
}

func New() *Module {
	m := &Module{next: 1}
	m.capabilities = append(m.capabilities, encode(nagaspirv.OpCapability, 1)...)
	m.capabilities = append(m.capabilities, encode(nagaspirv.OpMemoryModel, 0, 1)...)
	return m
}

func encode(op nagaspirv.OpCode, words ...uint32) []uint32 {
	b := nagaspirv.NewInstructionBuilder()
	for _, w := range words {
		b.AddWord(w)
	}
	return b.Build(op).Encode()
}

// ID allocates a fresh result id.
func (m *Module) ID() uint32 {
	id := m.next
	m.next++
	return id
}

// EntryPoint declares fn as an entry point of the given execution model.
func (m *Module) EntryPoint(model uint32, fn uint32, name string) {
	b := nagaspirv.NewInstructionBuilder()
	b.AddWord(model)
	b.AddWord(fn)
	b.AddString(name)
	m.entryPoints = append(m.entryPoints, b.Build(nagaspirv.OpEntryPoint).Encode()...)
	if model == 5 {
		m.modes = append(m.modes, encode(nagaspirv.OpExecutionMode, fn, 17, 1, 1, 1)...)
	}
}

func (m *Module) Decorate(target, decoration uint32, literals ...uint32) {
	m.decorations = append(m.decorations, encode(nagaspirv.OpDecorate, append([]uint32{target, decoration}, literals...)...)...)
}

// Global appends a type, constant or variable declaration producing a new id at
// operand position resultAt.
func (m *Module) Global(op nagaspirv.OpCode, resultAt int, operands ...uint32) uint32 {
	id := m.ID()
	words := make([]uint32, 0, len(operands)+1)
	words = append(words, operands[:resultAt]...)
	words = append(words, id)
	words = append(words, operands[resultAt:]...)
	m.globals = append(m.globals, encode(op, words...)...)
	return id
}

// Op appends a function body instruction without a result.
func (m *Module) Op(op nagaspirv.OpCode, operands ...uint32) {
	m.body = append(m.body, encode(op, operands...)...)
}

// Value appends a function body instruction with a result type and returns its id.
func (m *Module) Value(op nagaspirv.OpCode, resultType uint32, operands ...uint32) uint32 {
	id := m.ID()
	m.body = append(m.body, encode(op, append([]uint32{resultType, id}, operands...)...)...)
	return id
}

func (m *Module) Words() []uint32 {
	bound := m.next
	if m.Bound != 0 {
		bound = m.Bound
	}
	words := []uint32{nagaspirv.MagicNumber, 0x00010300, 0, bound, 0}
	for _, section := range [][]uint32{m.capabilities, m.entryPoints, m.modes, m.decorations, m.globals, m.body} {
		words = append(words, section...)
	}
	return words
}

// Bytes encodes the module little endian, as written by glslc.
func (m *Module) Bytes() []byte {
	words := m.Words()
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}
