package systems

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

// MaxUsage is the value a descriptor entry's usage counter is reset to on every touch.
const MaxUsage uint8 = 127

type descriptorEntry struct {
	key       string
	layout    *metadata.BindingLayout
	resources []*metadata.Resource
	set       *metadata.BindingSet

	usage uint8
	// number of programs whose current binding is this entry
	refs    int
	touched uint64
}

// DescriptorEntry is a read-only view of one cached binding set.
type DescriptorEntry struct {
	SetID     uint32
	LayoutID  uint32
	Resources []uuid.UUID
	Usage     uint8
	InUse     bool
}

type DescriptorCacheConfig struct {
	// Capacity is the number of binding sets the pool can hold.
	Capacity uint32
	// DecayInterval is the number of binds between two decay passes.
	DecayInterval uint32
}

// DescriptorCache reuses populated binding sets for repeated resource lists and
// evicts the least used idle set when the pool is full.
type DescriptorCache struct {
	mu      sync.Mutex
	config  DescriptorCacheConfig
	backend gpu.Backend
	metrics *core.Metrics

	entries []*descriptorEntry
	lookup  map[string]*descriptorEntry
	bound   map[*metadata.Program]*descriptorEntry

	accesses  uint64
	nextSetID uint32
}

func NewDescriptorCache(config DescriptorCacheConfig, backend gpu.Backend, metrics *core.Metrics) (*DescriptorCache, error) {
	if config.Capacity == 0 || config.DecayInterval == 0 {
		err := fmt.Errorf("NewDescriptorCache - capacity and decay interval must be greater than 0")
		core.LogError("%s", err)
		return nil, err
	}
	return &DescriptorCache{
		config:  config,
		backend: backend,
		metrics: metrics,
		entries: make([]*descriptorEntry, 0, config.Capacity),
		lookup:  make(map[string]*descriptorEntry),
		bound:   make(map[*metadata.Program]*descriptorEntry),
	}, nil
}

func descriptorKey(layout *metadata.BindingLayout, resources []*metadata.Resource) string {
	key := make([]byte, 4, 4+len(resources)*16)
	key[0], key[1], key[2], key[3] = byte(layout.ID), byte(layout.ID>>8), byte(layout.ID>>16), byte(layout.ID>>24)
	for _, r := range resources {
		key = append(key, r.ID[:]...)
	}
	return string(key)
}

// Bind makes resources, in manifest order, the current binding of program and
// returns the binding set to dispatch with.
func (dc *DescriptorCache) Bind(program *metadata.Program, resources []*metadata.Resource) (*metadata.BindingSet, error) {
	if program.Manifest == nil || program.Layout == nil {
		err := fmt.Errorf("%w: program %s was not created", core.ErrBindingMismatch, program.Path)
		core.LogError("%s", err)
		return nil, err
	}
	if len(resources) != len(program.Manifest.Bindings) {
		err := fmt.Errorf("%w: program %s has %d bindings, got %d resources", core.ErrBindingMismatch, program.Path, len(program.Manifest.Bindings), len(resources))
		core.LogError("%s", err)
		return nil, err
	}
	for i, r := range resources {
		if r == nil {
			err := fmt.Errorf("%w: resource %d of program %s is nil", core.ErrBindingMismatch, i, program.Path)
			core.LogError("%s", err)
			return nil, err
		}
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.accesses++
	defer dc.tick()

	key := descriptorKey(program.Layout, resources)
	if e, ok := dc.lookup[key]; ok {
		dc.touch(e)
		dc.attach(program, e, resources)
		dc.metrics.BindHits.Add(1)
		return e.set, nil
	}
	dc.metrics.BindMisses.Add(1)

	writes := make([]metadata.BindingWrite, len(resources))
	for i, b := range program.Manifest.Bindings {
		writes[i] = metadata.BindingWrite{Slot: b.Slot, Kind: b.Kind, Resource: resources[i]}
	}

	e, err := dc.acquire(program)
	if err != nil {
		return nil, err
	}
	e.key = key
	e.resources = append(e.resources[:0], resources...)
	if err := dc.backend.WriteBindingSet(e.set, writes); err != nil {
		dc.drop(e)
		err = fmt.Errorf("failed to write binding set for %s: %w", program.Path, err)
		core.LogError("%s", err)
		return nil, err
	}
	dc.lookup[key] = e
	dc.touch(e)
	dc.attach(program, e, resources)
	return e.set, nil
}

// acquire returns an entry owning a binding set for the program's layout, either
// freshly allocated or taken over from the eviction victim. The entry is not indexed yet.
func (dc *DescriptorCache) acquire(program *metadata.Program) (*descriptorEntry, error) {
	layout := program.Layout
	if uint32(len(dc.entries)) < dc.config.Capacity {
		set, err := dc.backend.AllocateBindingSet(layout)
		if err == nil {
			e := &descriptorEntry{layout: layout, set: dc.stamp(set)}
			dc.entries = append(dc.entries, e)
			return e, nil
		}
		if !errors.Is(err, core.ErrPoolExhausted) {
			err = fmt.Errorf("failed to allocate binding set: %w", err)
			core.LogError("%s", err)
			return nil, err
		}
		core.LogDebug("binding set pool exhausted with %d entries, evicting", len(dc.entries))
	}

	victim := dc.victim(program)
	if victim == nil {
		err := fmt.Errorf("%w: all %d binding sets are in use", core.ErrPoolExhausted, len(dc.entries))
		core.LogError("%s", err)
		return nil, err
	}
	delete(dc.lookup, victim.key)
	dc.metrics.Evictions.Add(1)

	if victim.layout != layout {
		dc.backend.FreeBindingSet(victim.set)
		set, err := dc.backend.AllocateBindingSet(layout)
		if err != nil {
			dc.remove(victim)
			err = fmt.Errorf("failed to allocate binding set after eviction: %w", err)
			core.LogError("%s", err)
			return nil, err
		}
		victim.set = dc.stamp(set)
		victim.layout = layout
	}
	victim.resources = victim.resources[:0]
	return victim, nil
}

func (dc *DescriptorCache) stamp(set *metadata.BindingSet) *metadata.BindingSet {
	set.ID = dc.nextSetID
	dc.nextSetID++
	return set
}

// victim picks the idle entry with the lowest usage, breaking ties toward the
// least recently touched. The entry currently bound to program alone counts as
// idle since program is about to leave it.
func (dc *DescriptorCache) victim(program *metadata.Program) *descriptorEntry {
	var best *descriptorEntry
	own := dc.bound[program]
	for _, e := range dc.entries {
		if e.refs > 0 && !(e == own && e.refs == 1) {
			continue
		}
		if best == nil || e.usage < best.usage || (e.usage == best.usage && e.touched < best.touched) {
			best = e
		}
	}
	return best
}

func (dc *DescriptorCache) touch(e *descriptorEntry) {
	e.usage = MaxUsage
	e.touched = dc.accesses
}

// tick runs a decay pass on every DecayInterval-th bind, after the bind itself.
func (dc *DescriptorCache) tick() {
	if dc.accesses%uint64(dc.config.DecayInterval) == 0 {
		dc.decay()
	}
}

func (dc *DescriptorCache) decay() {
	for _, e := range dc.entries {
		e.usage >>= 1
	}
	dc.metrics.DecayPasses.Add(1)
}

func (dc *DescriptorCache) attach(program *metadata.Program, e *descriptorEntry, resources []*metadata.Resource) {
	if prev := dc.bound[program]; prev != e {
		if prev != nil {
			prev.refs--
		}
		e.refs++
		dc.bound[program] = e
	}
	program.BindingSet = e.set
	program.BoundResources = append([]*metadata.Resource(nil), resources...)
}

// drop frees an entry whose binding set can no longer be trusted.
func (dc *DescriptorCache) drop(e *descriptorEntry) {
	dc.backend.FreeBindingSet(e.set)
	dc.remove(e)
}

func (dc *DescriptorCache) remove(e *descriptorEntry) {
	if dc.lookup[e.key] == e {
		delete(dc.lookup, e.key)
	}
	for p, be := range dc.bound {
		if be == e {
			delete(dc.bound, p)
			p.BindingSet = nil
			p.BoundResources = nil
		}
	}
	for i, other := range dc.entries {
		if other == e {
			dc.entries = append(dc.entries[:i], dc.entries[i+1:]...)
			break
		}
	}
}

// Release detaches program from its binding set, making the set evictable once no
// other program uses it.
func (dc *DescriptorCache) Release(program *metadata.Program) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if e, ok := dc.bound[program]; ok {
		e.refs--
		delete(dc.bound, program)
	}
	program.BindingSet = nil
	program.BoundResources = nil
}

// Forget drops the idle entries referencing resource so a destroyed resource is
// never handed out again on a cache hit.
func (dc *DescriptorCache) Forget(resource *metadata.Resource) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	for i := 0; i < len(dc.entries); {
		e := dc.entries[i]
		if !e.references(resource) {
			i++
			continue
		}
		if e.refs > 0 {
			core.LogWarn("resource %s is still bound to %d program(s)", resource.ID, e.refs)
			i++
			continue
		}
		dc.drop(e)
	}
}

func (e *descriptorEntry) references(resource *metadata.Resource) bool {
	for _, r := range e.resources {
		if r.ID == resource.ID {
			return true
		}
	}
	return false
}

func (dc *DescriptorCache) Entries() []DescriptorEntry {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	out := make([]DescriptorEntry, len(dc.entries))
	for i, e := range dc.entries {
		ids := make([]uuid.UUID, len(e.resources))
		for j, r := range e.resources {
			ids[j] = r.ID
		}
		out[i] = DescriptorEntry{
			SetID:     e.set.ID,
			LayoutID:  e.layout.ID,
			Resources: ids,
			Usage:     e.usage,
			InUse:     e.refs > 0,
		}
	}
	return out
}

func (dc *DescriptorCache) Len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}

// Shutdown frees every binding set.
func (dc *DescriptorCache) Shutdown() {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	for _, e := range dc.entries {
		dc.backend.FreeBindingSet(e.set)
	}
	for p := range dc.bound {
		p.BindingSet = nil
	}
	dc.entries = nil
	dc.lookup = make(map[string]*descriptorEntry)
	dc.bound = make(map[*metadata.Program]*descriptorEntry)
}
