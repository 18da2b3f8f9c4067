package spirv

import (
	"fmt"

	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
	"golang.org/x/exp/slices"
)

// maxIDBound caps the side tables for modules declaring an absurd id bound.
const maxIDBound = 1 << 22

const (
	usageRead  uint8 = 1
	usageWrite uint8 = 2
)

// idInfo is everything the reflection remembers about one result id.
type idInfo struct {
	opcode uint16

	// pointer types and variables
	storage uint32
	pointee uint32
	typeID  uint32

	// pointer hops (access chains, copies, texel pointers)
	base uint32

	binding     uint32
	set         uint32
	hasBinding  bool
	bufferBlock bool

	// images
	dim     uint32
	sampled uint32

	// loaded image/sampler values point back at their variables
	handles [2]uint32

	mask   uint8
	loaded bool
}

type reflector struct {
	r     *Reader
	insts []Instruction
	ids   []idInfo
	vars  []uint32

	entry        string
	entryCompute bool

	warnings []error
	err      error
}

// Reflect recovers the resource manifest of a compute module: every bound variable
// that is read or written, its kind and its access mode, sorted by slot.
func Reflect(r *Reader) (*metadata.Manifest, error) {
	rf, err := newReflector(r)
	if err != nil {
		return nil, err
	}
	return rf.run()
}

// ReflectBytes is Reflect on a raw module image.
func ReflectBytes(data []byte) (*metadata.Manifest, error) {
	r, err := ReadBytes(data)
	if err != nil {
		return nil, err
	}
	return Reflect(r)
}

func newReflector(r *Reader) (*reflector, error) {
	bound := r.Bound()
	if bound == 0 || bound > maxIDBound {
		err := fmt.Errorf("%w: id bound %d", core.ErrMalformedBytecode, bound)
		core.LogError("%s", err)
		return nil, err
	}
	insts, err := r.Instructions()
	if err != nil {
		return nil, err
	}
	return &reflector{
		r:     r,
		insts: insts,
		ids:   make([]idInfo, bound),
	}, nil
}

func (rf *reflector) run() (*metadata.Manifest, error) {
	rf.declarations()
	rf.usage()
	if rf.err != nil {
		core.LogError("%s", rf.err)
		return nil, rf.err
	}
	return rf.manifest(), nil
}

// id reads the id operand at an absolute offset. An id outside the declared bound
// records a malformed module error and reads as 0.
func (rf *reflector) id(offset int) uint32 {
	v := rf.r.Word(offset)
	if v == 0 || v >= uint32(len(rf.ids)) {
		if rf.err == nil {
			rf.err = fmt.Errorf("%w: id %d at word %d outside bound %d", core.ErrMalformedBytecode, v, offset, len(rf.ids))
		}
		return 0
	}
	return v
}

// declarations is the first pass: entry point, decorations, types, variables and
// pointer hops.
func (rf *reflector) declarations() {
	for _, in := range rf.insts {
		o, n := in.Offset, in.WordCount
		switch in.Opcode {
		case OpEntryPoint:
			if n < 4 {
				continue
			}
			compute := rf.r.Word(o+1) == ExecutionModelGLCompute
			if rf.entry == "" || (compute && !rf.entryCompute) {
				rf.entry = rf.r.String(o+3, o+n)
				rf.entryCompute = compute
			}
		case OpDecorate:
			if n < 3 {
				continue
			}
			target := rf.id(o + 1)
			if target == 0 {
				continue
			}
			info := &rf.ids[target]
			switch rf.r.Word(o + 2) {
			case DecorationBinding:
				if n >= 4 {
					info.binding = rf.r.Word(o + 3)
					info.hasBinding = true
				}
			case DecorationDescriptorSet:
				if n >= 4 {
					info.set = rf.r.Word(o + 3)
				}
			case DecorationBufferBlock:
				info.bufferBlock = true
			}
		case OpTypePointer:
			if n < 4 {
				continue
			}
			if result := rf.id(o + 1); result != 0 {
				info := &rf.ids[result]
				info.opcode = in.Opcode
				info.storage = rf.r.Word(o + 2)
				info.pointee = rf.id(o + 3)
			}
		case OpTypeImage:
			if n < 9 {
				continue
			}
			if result := rf.id(o + 1); result != 0 {
				info := &rf.ids[result]
				info.opcode = in.Opcode
				info.dim = rf.r.Word(o + 3)
				info.sampled = rf.r.Word(o + 7)
			}
		case OpTypeSampler, OpTypeSampledImage, OpTypeArray, OpTypeRuntimeArray, OpTypeStruct:
			if n < 2 {
				continue
			}
			if result := rf.id(o + 1); result != 0 {
				rf.ids[result].opcode = in.Opcode
			}
		case OpVariable:
			if n < 4 {
				continue
			}
			if result := rf.id(o + 2); result != 0 {
				info := &rf.ids[result]
				info.opcode = in.Opcode
				info.typeID = rf.id(o + 1)
				info.storage = rf.r.Word(o + 3)
				rf.vars = append(rf.vars, result)
			}
		case OpAccessChain, OpInBoundsAccessChain, OpPtrAccessChain, OpInBoundsPtrAccessChain,
			OpCopyObject, OpImageTexelPointer:
			if n < 4 {
				continue
			}
			if result := rf.id(o + 2); result != 0 {
				rf.ids[result].opcode = in.Opcode
				rf.ids[result].base = rf.id(o + 3)
			}
		}
	}
}

// usage is the second pass: OR read/write bits into the variables reached by
// memory, atomic and image instructions.
func (rf *reflector) usage() {
	for _, in := range rf.insts {
		o, n := in.Offset, in.WordCount
		switch op := in.Opcode; {
		case op == OpLoad:
			if n < 4 {
				continue
			}
			result, v := rf.id(o+2), rf.root(rf.id(o+3))
			if v == 0 || result == 0 {
				continue
			}
			if rf.opaque(v) {
				rf.ids[v].loaded = true
				rf.ids[result].handles = [2]uint32{v, 0}
				continue
			}
			rf.ids[v].mask |= usageRead
		case op == OpStore:
			if n >= 3 {
				rf.touch(rf.id(o+1), usageWrite)
			}
		case op == OpCopyMemory || op == OpCopyMemorySized:
			if n >= 3 {
				rf.touch(rf.id(o+1), usageWrite)
				rf.touch(rf.id(o+2), usageRead)
			}
		case op == OpAtomicLoad:
			if n >= 4 {
				rf.touch(rf.id(o+3), usageRead)
			}
		case op == OpAtomicStore:
			if n >= 2 {
				rf.touch(rf.id(o+1), usageWrite)
			}
		case (op >= OpAtomicExchange && op <= OpAtomicXor) ||
			op == OpAtomicFMinEXT || op == OpAtomicFMaxEXT || op == OpAtomicFAddEXT:
			if n >= 4 {
				rf.touch(rf.id(o+3), usageRead|usageWrite)
			}
		case op == OpCopyObject:
			if n >= 4 {
				result, src := rf.id(o+2), rf.id(o+3)
				if result != 0 && src != 0 {
					rf.ids[result].handles = rf.ids[src].handles
				}
			}
		case op == OpSampledImage:
			if n < 5 {
				continue
			}
			result, image, sampler := rf.id(o+2), rf.id(o+3), rf.id(o+4)
			rf.consume(image, usageRead)
			rf.consume(sampler, usageRead)
			if result != 0 && image != 0 && sampler != 0 {
				rf.ids[result].handles = [2]uint32{rf.ids[image].handles[0], rf.ids[sampler].handles[0]}
			}
		case op == OpImage:
			if n < 4 {
				continue
			}
			result, src := rf.id(o+2), rf.id(o+3)
			rf.consume(src, usageRead)
			if result != 0 && src != 0 {
				rf.ids[result].handles = rf.ids[src].handles
			}
		case op == OpImageWrite:
			if n >= 2 {
				rf.consume(rf.id(o+1), usageWrite)
			}
		case op == OpImageRead,
			op >= OpImageSampleImplicitLod && op <= OpImageDrefGather,
			op >= OpImageQuerySizeLod && op <= OpImageQuerySamples:
			if n >= 4 {
				rf.consume(rf.id(o+3), usageRead)
			}
		}
	}

	for _, v := range rf.vars {
		if info := &rf.ids[v]; info.loaded && info.mask == 0 {
			info.mask = usageRead
		}
	}
}

// root follows pointer hops back to the variable they were derived from. The walk
// is bounded by the id count so a malformed cycle terminates.
func (rf *reflector) root(ptr uint32) uint32 {
	for steps := 0; ptr != 0 && steps < len(rf.ids); steps++ {
		info := &rf.ids[ptr]
		if info.opcode == OpVariable {
			return ptr
		}
		ptr = info.base
	}
	return 0
}

func (rf *reflector) touch(ptr uint32, bit uint8) {
	if v := rf.root(ptr); v != 0 {
		rf.ids[v].mask |= bit
	}
}

func (rf *reflector) consume(value uint32, bit uint8) {
	if value == 0 {
		return
	}
	for _, v := range rf.ids[value].handles {
		if v != 0 {
			rf.ids[v].mask |= bit
		}
	}
}

type slotUsage struct {
	first uint32
	mask  uint8
}

func (rf *reflector) manifest() *metadata.Manifest {
	slots := make(map[uint32]*slotUsage)
	order := make([]uint32, 0, len(rf.vars))
	for _, v := range rf.vars {
		info := &rf.ids[v]
		if !info.hasBinding {
			continue
		}
		if info.set != 0 {
			core.LogWarn("variable %%%d uses descriptor set %d, folded into set 0", v, info.set)
		}
		s, ok := slots[info.binding]
		if !ok {
			slots[info.binding] = &slotUsage{first: v, mask: info.mask}
			order = append(order, info.binding)
			continue
		}
		core.LogDebug("variable %%%d aliases binding %d of variable %%%d", v, info.binding, s.first)
		s.mask |= info.mask
	}
	slices.Sort(order)

	m := &metadata.Manifest{
		EntryPoint: rf.entry,
		Bindings:   make([]metadata.ResourceBinding, 0, len(order)),
	}
	if len(m.EntryPoint) < 2 {
		m.EntryPoint = DefaultEntryPoint
	}
	for _, slot := range order {
		s := slots[slot]
		access, ok := metadata.AccessFromMask(s.mask)
		if !ok {
			continue
		}
		kind, err := rf.classify(s.first)
		if err != nil {
			core.LogWarn("%s, falling back to %s", err.Error(), kind)
			rf.warnings = append(rf.warnings, err)
		}
		m.Bindings = append(m.Bindings, metadata.ResourceBinding{Slot: slot, Kind: kind, Access: access})
	}
	return m
}
