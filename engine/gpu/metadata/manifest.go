package metadata

import "fmt"

type ResourceKind uint8

const (
	ResourceKindUniformBuffer ResourceKind = iota
	ResourceKindStorageBuffer
	ResourceKindSampledImage
	ResourceKindStorageImage
	ResourceKindSampler
	ResourceKindCombinedImageSampler
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceKindUniformBuffer:
		return "UniformBuffer"
	case ResourceKindStorageBuffer:
		return "StorageBuffer"
	case ResourceKindSampledImage:
		return "SampledImage"
	case ResourceKindStorageImage:
		return "StorageImage"
	case ResourceKindSampler:
		return "Sampler"
	case ResourceKindCombinedImageSampler:
		return "CombinedImageSampler"
	default:
		return fmt.Sprintf("ResourceKind(%d)", uint8(k))
	}
}

// IsBuffer reports whether the kind is backed by a buffer resource.
func (k ResourceKind) IsBuffer() bool {
	return k == ResourceKindUniformBuffer || k == ResourceKindStorageBuffer
}

type AccessMode uint8

const (
	AccessReadOnly AccessMode = iota
	AccessWriteOnly
	AccessReadWrite
)

func (a AccessMode) String() string {
	switch a {
	case AccessReadOnly:
		return "ReadOnly"
	case AccessWriteOnly:
		return "WriteOnly"
	case AccessReadWrite:
		return "ReadWrite"
	default:
		return fmt.Sprintf("AccessMode(%d)", uint8(a))
	}
}

// Writes reports whether a shader may write the resource.
func (a AccessMode) Writes() bool {
	return a == AccessWriteOnly || a == AccessReadWrite
}

// AccessFromMask converts a usage bitmask (read=1, write=2) into an access mode.
// A zero mask reports false.
func AccessFromMask(mask uint8) (AccessMode, bool) {
	switch mask & 3 {
	case 1:
		return AccessReadOnly, true
	case 2:
		return AccessWriteOnly, true
	case 3:
		return AccessReadWrite, true
	default:
		return AccessReadOnly, false
	}
}

type ResourceBinding struct {
	Slot   uint32
	Kind   ResourceKind
	Access AccessMode
}

// LayoutSlot is the part of a binding that shapes a binding layout.
type LayoutSlot struct {
	Slot uint32
	Kind ResourceKind
}

// Manifest is the reflected description of a program's bindings, sorted by slot.
type Manifest struct {
	EntryPoint string
	Bindings   []ResourceBinding
}

// Shape returns the ordered (slot, kind) sequence of the manifest.
func (m *Manifest) Shape() []LayoutSlot {
	shape := make([]LayoutSlot, len(m.Bindings))
	for i, b := range m.Bindings {
		shape[i] = LayoutSlot{Slot: b.Slot, Kind: b.Kind}
	}
	return shape
}

// ShapeKey renders the shape as a map key.
func ShapeKey(shape []LayoutSlot) string {
	key := make([]byte, 0, len(shape)*6)
	for _, s := range shape {
		key = append(key, byte(s.Slot), byte(s.Slot>>8), byte(s.Slot>>16), byte(s.Slot>>24), byte(s.Kind), ';')
	}
	return string(key)
}

func (m *Manifest) String() string {
	s := fmt.Sprintf("entry=%s", m.EntryPoint)
	for _, b := range m.Bindings {
		s += fmt.Sprintf(" [%d:%s:%s]", b.Slot, b.Kind, b.Access)
	}
	return s
}
