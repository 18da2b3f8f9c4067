package systems

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spaghettifunk/swarm/engine/assets"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
	"github.com/spaghettifunk/swarm/engine/spirv/spirvtest"
)

const workgroupSize = 64

// hostKernel emulates a compute entry point over the resources of a binding set,
// ordered by slot.
type hostKernel func(fb *fakeBackend, resources []*metadata.Resource, groups uint32)

type fakeSet struct {
	layout   *metadata.BindingLayout
	bindings map[uint32]*metadata.Resource
	freed    bool
}

type fakePipeline struct {
	entry     string
	destroyed bool
}

// fakeBackend keeps buffers in host memory and runs registered host kernels in
// place of compute pipelines.
type fakeBackend struct {
	mu sync.Mutex

	buffers map[*metadata.Resource][]byte
	kernels map[string]hostKernel

	// maximum number of live binding sets, 0 for unlimited
	poolLimit int
	liveSets  int

	layoutsCreated         int
	pipelineLayoutsCreated int
	pipelinesCreated       int
	pipelinesDestroyed     int
	allocations            int
	frees                  int
	writes                 int
	submissions            [][]metadata.Command
}

func newFakeBackend() *fakeBackend {
	fb := &fakeBackend{
		buffers: make(map[*metadata.Resource][]byte),
		kernels: make(map[string]hostKernel),
	}
	fb.kernels["add"] = func(fb *fakeBackend, res []*metadata.Resource, groups uint32) {
		a, b, c := fb.floats(res[0]), fb.floats(res[1]), fb.floats(res[2])
		for i := 0; i < len(c) && i < int(groups)*workgroupSize; i++ {
			c[i] = a[i] + b[i]
		}
		fb.storeFloats(res[2], c)
	}
	fb.kernels["identity"] = func(fb *fakeBackend, res []*metadata.Resource, groups uint32) {
		_ = fb.floats(res[0])
	}
	return fb
}

func (fb *fakeBackend) Initialize(config *core.Config) error { return nil }
func (fb *fakeBackend) Shutdown() error                      { return nil }

func (fb *fakeBackend) CreateBuffer(size uint64, location metadata.ResourceLocation) (*metadata.Resource, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	r := metadata.NewResource(size, location, nil)
	fb.buffers[r] = make([]byte, size)
	return r, nil
}

func (fb *fakeBackend) DestroyBuffer(resource *metadata.Resource) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	delete(fb.buffers, resource)
}

func (fb *fakeBackend) MapBuffer(resource *metadata.Resource) ([]byte, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if resource.Location != metadata.ResourceLocationHostVisible {
		return nil, core.ErrNotHostVisible
	}
	return fb.buffers[resource], nil
}

func (fb *fakeBackend) UnmapBuffer(resource *metadata.Resource) {}

func (fb *fakeBackend) CreateBindingLayout(shape []metadata.LayoutSlot) (*metadata.BindingLayout, error) {
	fb.layoutsCreated++
	return &metadata.BindingLayout{}, nil
}

func (fb *fakeBackend) DestroyBindingLayout(layout *metadata.BindingLayout) {}

func (fb *fakeBackend) CreatePipelineLayout(layout *metadata.BindingLayout) (*metadata.PipelineLayout, error) {
	fb.pipelineLayoutsCreated++
	return &metadata.PipelineLayout{}, nil
}

func (fb *fakeBackend) DestroyPipelineLayout(layout *metadata.PipelineLayout) {}

func (fb *fakeBackend) CreatePipeline(layout *metadata.PipelineLayout, code []uint32, entryPoint string) (*metadata.Pipeline, error) {
	if _, ok := fb.kernels[entryPoint]; !ok {
		return nil, fmt.Errorf("%w: no host kernel %q", core.ErrDevice, entryPoint)
	}
	fb.pipelinesCreated++
	return &metadata.Pipeline{Internal: &fakePipeline{entry: entryPoint}}, nil
}

func (fb *fakeBackend) DestroyPipeline(pipeline *metadata.Pipeline) {
	if fp, ok := pipeline.Internal.(*fakePipeline); ok {
		fp.destroyed = true
	}
	fb.pipelinesDestroyed++
}

func (fb *fakeBackend) AllocateBindingSet(layout *metadata.BindingLayout) (*metadata.BindingSet, error) {
	if fb.poolLimit > 0 && fb.liveSets >= fb.poolLimit {
		return nil, fmt.Errorf("%w: fake pool full", core.ErrPoolExhausted)
	}
	fb.liveSets++
	fb.allocations++
	return &metadata.BindingSet{
		Layout:   layout,
		Internal: &fakeSet{layout: layout, bindings: make(map[uint32]*metadata.Resource)},
	}, nil
}

func (fb *fakeBackend) FreeBindingSet(set *metadata.BindingSet) {
	fs := set.Internal.(*fakeSet)
	if !fs.freed {
		fs.freed = true
		fb.liveSets--
		fb.frees++
	}
}

func (fb *fakeBackend) WriteBindingSet(set *metadata.BindingSet, writes []metadata.BindingWrite) error {
	fs := set.Internal.(*fakeSet)
	if fs.freed {
		return fmt.Errorf("%w: write to freed set", core.ErrDevice)
	}
	fb.writes++
	fs.bindings = make(map[uint32]*metadata.Resource)
	for _, w := range writes {
		fs.bindings[w.Slot] = w.Resource
	}
	return nil
}

func (fb *fakeBackend) Submit(commands []metadata.Command) error {
	fb.mu.Lock()
	fb.submissions = append(fb.submissions, commands)
	fb.mu.Unlock()

	var pipeline *fakePipeline
	var set *fakeSet
	for _, cmd := range commands {
		switch c := cmd.(type) {
		case metadata.BindPipelineCommand:
			pipeline = c.Pipeline.Internal.(*fakePipeline)
		case metadata.BindSetCommand:
			set = c.Set.Internal.(*fakeSet)
		case metadata.DispatchIndirectCommand:
			args := fb.bytes(c.Args)[c.Offset:]
			fb.run(pipeline, set, binary.LittleEndian.Uint32(args))
		case metadata.DispatchCommand:
			fb.run(pipeline, set, c.X)
		case metadata.CopyCommand:
			copy(fb.bytes(c.To)[c.ToOffset:c.ToOffset+c.Size], fb.bytes(c.From)[c.FromOffset:c.FromOffset+c.Size])
		case metadata.BarrierCommand:
		}
	}
	return nil
}

func (fb *fakeBackend) run(pipeline *fakePipeline, set *fakeSet, groups uint32) {
	if set.freed {
		panic("dispatch with a freed binding set")
	}
	if pipeline.destroyed {
		panic("dispatch with a destroyed pipeline")
	}
	slots := make([]uint32, 0, len(set.bindings))
	for slot := range set.bindings {
		slots = append(slots, slot)
	}
	for i := 1; i < len(slots); i++ {
		for j := i; j > 0 && slots[j] < slots[j-1]; j-- {
			slots[j], slots[j-1] = slots[j-1], slots[j]
		}
	}
	res := make([]*metadata.Resource, len(slots))
	for i, slot := range slots {
		res[i] = set.bindings[slot]
	}
	fb.kernels[pipeline.entry](fb, res, groups)
}

func (fb *fakeBackend) bytes(r *metadata.Resource) []byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.buffers[r]
}

func (fb *fakeBackend) floats(r *metadata.Resource) []float32 {
	b := fb.bytes(r)
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func (fb *fakeBackend) storeFloats(r *metadata.Resource, values []float32) {
	b := fb.bytes(r)
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
}

var (
	addBindings = []metadata.ResourceBinding{
		{Slot: 0, Kind: metadata.ResourceKindStorageBuffer, Access: metadata.AccessReadOnly},
		{Slot: 1, Kind: metadata.ResourceKindStorageBuffer, Access: metadata.AccessReadOnly},
		{Slot: 2, Kind: metadata.ResourceKindStorageBuffer, Access: metadata.AccessWriteOnly},
	}
	identityBindings = []metadata.ResourceBinding{
		{Slot: 0, Kind: metadata.ResourceKindStorageBuffer, Access: metadata.AccessReadOnly},
	}
)

type testSystems struct {
	*SystemManager
	backend *fakeBackend
	assets  *assets.AssetManager
	metrics *core.Metrics
	config  *core.Config
	dir     string
}

func newTestSystems(t *testing.T, capacity uint32) *testSystems {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Descriptors.PoolCapacity = capacity
	cfg.Programs.Dir = t.TempDir()
	return newTestSystemsWithConfig(t, cfg)
}

func newTestSystemsWithConfig(t *testing.T, cfg *core.Config) *testSystems {
	t.Helper()
	fb := newFakeBackend()
	metrics := core.NewMetrics()
	am := assets.NewAssetManager(&cfg.Programs)
	sm, err := NewSystemManager(cfg, fb, am, metrics)
	if err != nil {
		t.Fatalf("NewSystemManager failed: %v", err)
	}
	return &testSystems{SystemManager: sm, backend: fb, assets: am, metrics: metrics, config: cfg, dir: cfg.Programs.Dir}
}

// watch starts the program directory watcher until the test ends.
func (ts *testSystems) watch(t *testing.T) {
	t.Helper()
	if err := ts.assets.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { ts.assets.Shutdown() })
}

// writeProgram assembles a kernel with the given entry point and bindings into the
// program directory and returns its path.
func (ts *testSystems) writeProgram(t *testing.T, name, entry string, bindings []metadata.ResourceBinding) string {
	t.Helper()
	path := filepath.Join(ts.dir, name)
	if err := os.WriteFile(path, spirvtest.Compute(entry, bindings), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// replaceProgram swaps a new kernel in under name with a rename, so readers never see
// a partly written file.
func (ts *testSystems) replaceProgram(name, entry string, bindings []metadata.ResourceBinding) error {
	path := filepath.Join(ts.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, spirvtest.Compute(entry, bindings), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (ts *testSystems) program(t *testing.T, name, entry string, bindings []metadata.ResourceBinding) *metadata.Program {
	t.Helper()
	p, err := ts.ProgramSystem.Create(ts.writeProgram(t, name, entry, bindings))
	if err != nil {
		t.Fatalf("Create %s failed: %v", name, err)
	}
	return p
}

func (ts *testSystems) buffers(t *testing.T, n int, size uint64, location metadata.ResourceLocation) []*metadata.Resource {
	t.Helper()
	out := make([]*metadata.Resource, n)
	for i := range out {
		r, err := ts.backend.CreateBuffer(size, location)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = r
	}
	return out
}
