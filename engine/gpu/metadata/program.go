package metadata

// BindingLayout is the device object describing the shape of a binding set.
type BindingLayout struct {
	ID       uint32
	Shape    []LayoutSlot
	Internal interface{}
}

type PipelineLayout struct {
	ID       uint32
	Layout   *BindingLayout
	Internal interface{}
}

type Pipeline struct {
	EntryPoint string
	Internal   interface{}
}

// BindingSet is a populated set of resource bindings ready for a dispatch.
type BindingSet struct {
	ID       uint32
	Layout   *BindingLayout
	Internal interface{}
}

/**
 * @brief A compute program created from a SPIR-V module. Layout and
 * pipeline layout may be shared with other programs of the same shape.
 */
type Program struct {
	Path           string
	Digest         uint64
	Manifest       *Manifest
	Layout         *BindingLayout
	PipelineLayout *PipelineLayout
	Pipeline       *Pipeline
	BindingSet     *BindingSet
	BoundResources []*Resource
}

// WrittenResources returns the bound resources whose binding may be written.
func (p *Program) WrittenResources() []*Resource {
	if p.Manifest == nil {
		return nil
	}
	out := make([]*Resource, 0, len(p.BoundResources))
	for i, b := range p.Manifest.Bindings {
		if i >= len(p.BoundResources) {
			break
		}
		if b.Access.Writes() {
			out = append(out, p.BoundResources[i])
		}
	}
	return out
}
