package systems

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/spaghettifunk/swarm/engine/assets/loaders"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

func TestCreateProgram(t *testing.T) {
	ts := newTestSystems(t, 8)
	path := ts.writeProgram(t, "add.spv", "add", addBindings)

	p, err := ts.ProgramSystem.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if p.Manifest.EntryPoint != "add" {
		t.Errorf("expected entry point add, got %q", p.Manifest.EntryPoint)
	}
	if !reflect.DeepEqual(p.Manifest.Bindings, addBindings) {
		t.Errorf("unexpected bindings %v", p.Manifest.Bindings)
	}
	if p.Pipeline == nil || p.Pipeline.EntryPoint != "add" || p.PipelineLayout.Layout != p.Layout {
		t.Error("program objects not wired together")
	}

	again, err := ts.ProgramSystem.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if again != p || ts.backend.pipelinesCreated != 1 {
		t.Error("Create must be idempotent per path")
	}
}

func TestProgramsShareLayouts(t *testing.T) {
	ts := newTestSystems(t, 8)
	a := ts.program(t, "a.spv", "identity", identityBindings)
	b := ts.program(t, "b.spv", "identity", identityBindings)

	if a == b {
		t.Fatal("distinct paths must give distinct programs")
	}
	if a.Layout != b.Layout || a.PipelineLayout != b.PipelineLayout {
		t.Error("programs of the same shape must share layouts")
	}
	if a.Pipeline == b.Pipeline {
		t.Error("each program owns its pipeline")
	}
	if r := ts.metrics.Reflections.Load(); r != 1 {
		t.Errorf("expected 1 reflection for identical bytecode, got %d", r)
	}
	if ts.backend.layoutsCreated != 1 || ts.backend.pipelineLayoutsCreated != 1 {
		t.Errorf("expected 1 layout and 1 pipeline layout, got %d and %d", ts.backend.layoutsCreated, ts.backend.pipelineLayoutsCreated)
	}
}

func TestDestroyProgram(t *testing.T) {
	ts := newTestSystems(t, 8)
	res := ts.buffers(t, 1, 64, metadata.ResourceLocationDeviceLocal)
	p := ts.program(t, "identity.spv", "identity", identityBindings)
	if _, err := ts.DescriptorCache.Bind(p, res); err != nil {
		t.Fatal(err)
	}

	ts.ProgramSystem.Destroy(p.Path)
	if _, ok := ts.ProgramSystem.Get(p.Path); ok {
		t.Error("destroyed program is still registered")
	}
	if p.Pipeline != nil || p.BindingSet != nil {
		t.Error("destroyed program still holds device objects")
	}
	if ts.backend.pipelinesDestroyed != 1 {
		t.Errorf("expected 1 pipeline destroyed, got %d", ts.backend.pipelinesDestroyed)
	}
	if e := ts.DescriptorCache.Entries(); len(e) != 1 || e[0].InUse {
		t.Error("the binding set must stay cached but idle")
	}

	// unknown paths are ignored
	ts.ProgramSystem.Destroy(p.Path)
	ts.ProgramSystem.Destroy(filepath.Join(ts.dir, "missing.spv"))
	if ts.backend.pipelinesDestroyed != 1 {
		t.Error("destroying twice must not release the pipeline twice")
	}
}

func TestCreateMalformedProgram(t *testing.T) {
	ts := newTestSystems(t, 8)

	for name, data := range map[string][]byte{
		"short.spv":   {0x03, 0x02, 0x23},
		"magic.spv":   make([]byte, 64),
		"unknown.bin": []byte("definitely not a compute module"),
		"truncated.spv": func() []byte {
			b, _ := os.ReadFile(ts.writeProgram(t, "whole.spv", "identity", identityBindings))
			return b[:len(b)-6]
		}(),
	} {
		path := filepath.Join(ts.dir, name)
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := ts.ProgramSystem.Create(path); !errors.Is(err, core.ErrMalformedBytecode) {
			t.Errorf("%s: expected ErrMalformedBytecode, got %v", name, err)
		}
		if _, ok := ts.ProgramSystem.Get(path); ok {
			t.Errorf("%s: failed program must not be registered", name)
		}
	}
	if ts.backend.pipelinesCreated != 0 {
		t.Error("no pipeline may be created for malformed bytecode")
	}
}

func TestCreateMissingProgram(t *testing.T) {
	ts := newTestSystems(t, 8)
	if _, err := ts.ProgramSystem.Create(filepath.Join(ts.dir, "nope.spv")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestManifestSidecarIsReused(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Programs.Dir = t.TempDir()
	cfg.Programs.ManifestCache = true

	first := newTestSystemsWithConfig(t, cfg)
	p := first.program(t, "add.spv", "add", addBindings)
	if first.metrics.Reflections.Load() != 1 {
		t.Fatal("expected the first system to reflect")
	}
	if _, err := os.Stat(loaders.ManifestPath(p.Path)); err != nil {
		t.Fatalf("manifest sidecar not written: %v", err)
	}

	second := newTestSystemsWithConfig(t, cfg)
	q, err := second.ProgramSystem.Create(p.Path)
	if err != nil {
		t.Fatal(err)
	}
	if r := second.metrics.Reflections.Load(); r != 0 {
		t.Errorf("expected the sidecar to replace reflection, got %d reflections", r)
	}
	if !reflect.DeepEqual(q.Manifest, p.Manifest) {
		t.Errorf("sidecar manifest %v differs from reflected %v", q.Manifest, p.Manifest)
	}
}

func TestProgramPaths(t *testing.T) {
	ts := newTestSystems(t, 8)
	c := ts.program(t, "c.spv", "identity", identityBindings)
	a := ts.program(t, "a.spv", "identity", identityBindings)
	b := ts.program(t, "b.spv", "add", addBindings)

	want := []string{a.Path, b.Path, c.Path}
	if got := ts.ProgramSystem.Paths(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if err := ts.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if len(ts.ProgramSystem.Paths()) != 0 || ts.backend.pipelinesDestroyed != 3 {
		t.Error("Shutdown must destroy every program")
	}
}

func TestCreateProgramCanonicalPath(t *testing.T) {
	ts := newTestSystems(t, 8)
	path := ts.writeProgram(t, "add.spv", "add", addBindings)
	if err := os.Mkdir(filepath.Join(ts.dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(ts.dir)

	p, err := ts.ProgramSystem.Create("add.spv")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if p.Path != path {
		t.Errorf("expected program path %q, got %q", path, p.Path)
	}
	for _, spelling := range []string{"./add.spv", "sub/../add.spv", path, filepath.Join(ts.dir, ".", "add.spv")} {
		q, err := ts.ProgramSystem.Create(spelling)
		if err != nil {
			t.Fatalf("%s: %v", spelling, err)
		}
		if q != p {
			t.Errorf("%s: expected the program created from add.spv", spelling)
		}
		if _, ok := ts.ProgramSystem.Get(spelling); !ok {
			t.Errorf("%s: not found", spelling)
		}
	}
	if ts.backend.pipelinesCreated != 1 || len(ts.ProgramSystem.Paths()) != 1 {
		t.Errorf("expected one program, got %d pipelines for %v", ts.backend.pipelinesCreated, ts.ProgramSystem.Paths())
	}

	// a change reported under another spelling reaches the same program
	ts.ProgramSystem.onProgramChanged("./add.spv")
	if _, err := ts.ProgramSystem.Create(path); err != nil {
		t.Fatal(err)
	}
	if ts.metrics.Reloads.Load() != 1 {
		t.Errorf("expected 1 reload, got %d", ts.metrics.Reloads.Load())
	}

	ts.ProgramSystem.Destroy("./sub/../add.spv")
	if _, ok := ts.ProgramSystem.Get(path); ok {
		t.Error("Destroy must accept any spelling of the path")
	}
}

const addWGSL = `
struct Params {
    count: u32,
}

@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> c: array<f32>;
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let i = id.x;
    if (i < params.count) {
        c[i] = a[i] + b[i];
    }
}
`

func TestCreateWGSLProgram(t *testing.T) {
	ts := newTestSystems(t, 8)
	ts.backend.kernels["main"] = ts.backend.kernels["add"]
	path := filepath.Join(ts.dir, "add.wgsl")
	if err := os.WriteFile(path, []byte(addWGSL), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := ts.ProgramSystem.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	want := []metadata.ResourceBinding{
		{Slot: 0, Kind: metadata.ResourceKindStorageBuffer, Access: metadata.AccessReadOnly},
		{Slot: 1, Kind: metadata.ResourceKindStorageBuffer, Access: metadata.AccessReadOnly},
		{Slot: 2, Kind: metadata.ResourceKindStorageBuffer, Access: metadata.AccessWriteOnly},
		{Slot: 3, Kind: metadata.ResourceKindUniformBuffer, Access: metadata.AccessReadOnly},
	}
	if p.Manifest.EntryPoint != "main" {
		t.Errorf("expected entry point main, got %q", p.Manifest.EntryPoint)
	}
	if !reflect.DeepEqual(p.Manifest.Bindings, want) {
		t.Errorf("expected bindings %v, got %v", want, p.Manifest.Bindings)
	}
	if written := p.WrittenResources(); len(written) != 0 {
		t.Errorf("unbound program reports written resources %v", written)
	}

	const n = workgroupSize
	res := ts.buffers(t, 4, n*4, metadata.ResourceLocationHostVisible)
	a, b := make([]float32, n), make([]float32, n)
	for i := range a {
		a[i], b[i] = float32(i), 0.5
	}
	ts.backend.storeFloats(res[0], a)
	ts.backend.storeFloats(res[1], b)
	if _, err := ts.DescriptorCache.Bind(p, res); err != nil {
		t.Fatal(err)
	}
	if err := ts.Dispatcher.DispatchGroups([]*metadata.Program{p}, 1, 1, 1); err != nil {
		t.Fatal(err)
	}
	for i, v := range ts.backend.floats(res[2]) {
		if v != float32(i)+0.5 {
			t.Fatalf("c[%d] = %v, want %v", i, v, float32(i)+0.5)
		}
	}
}

func TestChangedProgramIsReloadedOnNextUse(t *testing.T) {
	ts := newTestSystems(t, 8)
	res := ts.buffers(t, 1, 64, metadata.ResourceLocationHostVisible)
	p := ts.program(t, "identity.spv", "identity", identityBindings)
	if _, err := ts.DescriptorCache.Bind(p, res); err != nil {
		t.Fatal(err)
	}
	first := p.Pipeline

	// the watcher only marks the program
	ts.ProgramSystem.onProgramChanged(p.Path)
	if p.Pipeline != first || p.BindingSet == nil || ts.backend.pipelinesDestroyed != 0 {
		t.Fatal("a change must not touch the program before its next use")
	}

	if err := ts.Dispatcher.DispatchGroups([]*metadata.Program{p}, 1, 1, 1); err != nil {
		t.Fatalf("DispatchGroups failed: %v", err)
	}
	if p.Pipeline == first || p.Pipeline == nil {
		t.Error("expected a new pipeline after the change")
	}
	if ts.backend.pipelinesCreated != 2 || ts.backend.pipelinesDestroyed != 1 {
		t.Errorf("expected 2 pipelines created and 1 destroyed, got %d and %d", ts.backend.pipelinesCreated, ts.backend.pipelinesDestroyed)
	}
	if p.BindingSet == nil || !reflect.DeepEqual(p.BoundResources, res) {
		t.Error("the reloaded program must keep its resources")
	}
	if q, _ := ts.ProgramSystem.Get(p.Path); q != p {
		t.Error("the reloaded program must stay registered under its path")
	}

	// unchanged programs are left alone
	if err := ts.Dispatcher.DispatchGroups([]*metadata.Program{p}, 1, 1, 1); err != nil {
		t.Fatal(err)
	}
	if ts.metrics.Reloads.Load() != 1 || ts.backend.pipelinesCreated != 2 {
		t.Error("a program must be reloaded once per change")
	}
}

func TestFailedReloadKeepsPreviousBuild(t *testing.T) {
	ts := newTestSystems(t, 8)
	res := ts.buffers(t, 1, 64, metadata.ResourceLocationHostVisible)
	p := ts.program(t, "identity.spv", "identity", identityBindings)
	if _, err := ts.DescriptorCache.Bind(p, res); err != nil {
		t.Fatal(err)
	}
	first := p.Pipeline

	if err := os.WriteFile(p.Path, []byte{0x03, 0x02, 0x23}, 0644); err != nil {
		t.Fatal(err)
	}
	ts.ProgramSystem.onProgramChanged(p.Path)
	if err := ts.Dispatcher.DispatchGroups([]*metadata.Program{p}, 1, 1, 1); err != nil {
		t.Fatalf("a broken file must not fail the dispatch: %v", err)
	}
	if p.Pipeline != first || ts.metrics.Reloads.Load() != 0 {
		t.Fatal("the previous build must stay in service")
	}

	// retried on next use once the file is valid again
	if err := ts.replaceProgram("identity.spv", "identity", identityBindings); err != nil {
		t.Fatal(err)
	}
	if err := ts.Dispatcher.DispatchGroups([]*metadata.Program{p}, 1, 1, 1); err != nil {
		t.Fatal(err)
	}
	if p.Pipeline == first || ts.metrics.Reloads.Load() != 1 {
		t.Error("expected the program to be reloaded after the file was fixed")
	}
}

func TestReloadWithNewBindingsNeedsBind(t *testing.T) {
	ts := newTestSystems(t, 8)
	res := ts.buffers(t, 3, 64, metadata.ResourceLocationHostVisible)
	p := ts.program(t, "kernel.spv", "identity", identityBindings)
	if _, err := ts.DescriptorCache.Bind(p, res[:1]); err != nil {
		t.Fatal(err)
	}

	if err := ts.replaceProgram("kernel.spv", "add", addBindings); err != nil {
		t.Fatal(err)
	}
	ts.ProgramSystem.onProgramChanged(p.Path)
	if err := ts.Dispatcher.DispatchGroups([]*metadata.Program{p}, 1, 1, 1); !errors.Is(err, core.ErrProgramNotBound) {
		t.Fatalf("expected ErrProgramNotBound, got %v", err)
	}
	if !reflect.DeepEqual(p.Manifest.Bindings, addBindings) {
		t.Errorf("expected the new bindings, got %v", p.Manifest.Bindings)
	}
	if _, err := ts.DescriptorCache.Bind(p, res); err != nil {
		t.Fatal(err)
	}
	if err := ts.Dispatcher.DispatchGroups([]*metadata.Program{p}, 1, 1, 1); err != nil {
		t.Fatal(err)
	}
}

func TestWatchedProgramReloadsWhileDispatching(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Programs.Dir = t.TempDir()
	cfg.Programs.Watch = true
	ts := newTestSystemsWithConfig(t, cfg)
	ts.watch(t)

	res := ts.buffers(t, 1, 256, metadata.ResourceLocationHostVisible)
	p := ts.program(t, "identity.spv", "identity", identityBindings)
	if _, err := ts.DescriptorCache.Bind(p, res); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 20; i++ {
			if err := ts.replaceProgram("identity.spv", "identity", identityBindings); err != nil {
				t.Error(err)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	var dispatchErr error
	for writing := true; writing && dispatchErr == nil; {
		select {
		case <-done:
			writing = false
		default:
		}
		dispatchErr = ts.Dispatcher.DispatchGroups([]*metadata.Program{p}, 1, 1, 1)
	}
	wg.Wait()
	if dispatchErr != nil {
		t.Fatalf("DispatchGroups failed while the file changed: %v", dispatchErr)
	}

	// the watcher may still be delivering the last writes
	deadline := time.Now().Add(5 * time.Second)
	for ts.metrics.Reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		if err := ts.Dispatcher.DispatchGroups([]*metadata.Program{p}, 1, 1, 1); err != nil {
			t.Fatal(err)
		}
	}
	if ts.metrics.Reloads.Load() == 0 {
		t.Fatal("the program was never reloaded")
	}
	if ts.backend.pipelinesDestroyed != ts.backend.pipelinesCreated-1 {
		t.Errorf("expected every replaced pipeline destroyed, got %d created and %d destroyed", ts.backend.pipelinesCreated, ts.backend.pipelinesDestroyed)
	}
	if p.Pipeline == nil || p.BindingSet == nil {
		t.Error("the program must stay usable across reloads")
	}
}
