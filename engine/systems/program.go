package systems

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spaghettifunk/swarm/engine/assets"
	"github.com/spaghettifunk/swarm/engine/assets/loaders"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
	"github.com/spaghettifunk/swarm/engine/spirv"
)

// ProgramSystem owns the compute programs, at most one per source file.
type ProgramSystem struct {
	config  *core.ProgramConfig
	backend gpu.Backend
	metrics *core.Metrics

	assetManager    *assets.AssetManager
	layouts         *LayoutCache
	pipelineLayouts *PipelineLayoutCache
	descriptors     *DescriptorCache

	// reflected manifests by bytecode digest
	reflections *lru.Cache[uint64, *metadata.Manifest]

	mu       sync.Mutex
	programs map[string]*metadata.Program

	// files written since their program was built. The watcher only adds to it.
	staleMu sync.Mutex
	stale   map[string]struct{}
}

func NewProgramSystem(config *core.ProgramConfig, backend gpu.Backend, am *assets.AssetManager, lc *LayoutCache, plc *PipelineLayoutCache, dc *DescriptorCache, metrics *core.Metrics) (*ProgramSystem, error) {
	if config.ReflectionCacheSize <= 0 {
		err := fmt.Errorf("NewProgramSystem - config.ReflectionCacheSize must be greater than 0")
		core.LogError("%s", err)
		return nil, err
	}
	reflections, err := lru.New[uint64, *metadata.Manifest](config.ReflectionCacheSize)
	if err != nil {
		core.LogError("%s", err)
		return nil, err
	}

	ps := &ProgramSystem{
		config:          config,
		backend:         backend,
		metrics:         metrics,
		assetManager:    am,
		layouts:         lc,
		pipelineLayouts: plc,
		descriptors:     dc,
		reflections:     reflections,
		programs:        make(map[string]*metadata.Program),
		stale:           make(map[string]struct{}),
	}
	am.OnChange(ps.onProgramChanged)
	return ps, nil
}

// Create returns the program built from path, building it on first use. Every
// spelling of one file gives the same program. A program whose file changed since it
// was built is reloaded first.
func (ps *ProgramSystem) Create(path string) (*metadata.Program, error) {
	path = assets.CanonicalPath(path)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if p, ok := ps.programs[path]; ok {
		return p, ps.reload(p)
	}
	ps.takeStale(path)

	b, err := ps.build(path)
	if err != nil {
		return nil, err
	}
	p := &metadata.Program{Path: path}
	b.apply(p)
	ps.programs[path] = p

	core.LogInfo("created program %s (%s)", path, p.Manifest)
	return p, nil
}

// programBuild holds the device objects of one build of a program file.
type programBuild struct {
	digest         uint64
	manifest       *metadata.Manifest
	layout         *metadata.BindingLayout
	pipelineLayout *metadata.PipelineLayout
	pipeline       *metadata.Pipeline
}

func (b *programBuild) apply(p *metadata.Program) {
	p.Digest = b.digest
	p.Manifest = b.manifest
	p.Layout = b.layout
	p.PipelineLayout = b.pipelineLayout
	p.Pipeline = b.pipeline
}

func (ps *ProgramSystem) build(path string) (*programBuild, error) {
	src, err := ps.assetManager.LoadProgram(path)
	if err != nil {
		return nil, err
	}
	r, err := spirv.ReadBytes(src.Code)
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", path, err)
	}
	manifest, err := ps.manifest(src, r)
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", path, err)
	}

	layout, err := ps.layouts.GetOrCreate(manifest)
	if err != nil {
		return nil, err
	}
	pipelineLayout, err := ps.pipelineLayouts.GetOrCreate(layout)
	if err != nil {
		return nil, err
	}
	pipeline, err := ps.backend.CreatePipeline(pipelineLayout, r.Words(), manifest.EntryPoint)
	if err != nil {
		err = fmt.Errorf("failed to create pipeline for %s: %w", path, err)
		core.LogError("%s", err)
		return nil, err
	}
	pipeline.EntryPoint = manifest.EntryPoint

	return &programBuild{
		digest:         src.Digest,
		manifest:       manifest,
		layout:         layout,
		pipelineLayout: pipelineLayout,
		pipeline:       pipeline,
	}, nil
}

// Refresh reloads the programs whose file changed since they were built. It runs on
// the goroutine about to bind or submit them, so a pipeline is never destroyed while
// another submission records it. One program must not be refreshed and dispatched
// from two goroutines at once.
func (ps *ProgramSystem) Refresh(programs ...*metadata.Program) error {
	ps.staleMu.Lock()
	pending := len(ps.stale)
	ps.staleMu.Unlock()
	if pending == 0 {
		return nil
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, p := range programs {
		if p == nil || ps.programs[p.Path] != p {
			continue
		}
		if err := ps.reload(p); err != nil {
			return err
		}
	}
	return nil
}

// reload rebuilds p in place when its file changed and binds the new build to the
// resources of the old one when the binding count still matches. A failed build
// keeps the previous one in service and is retried on next use.
func (ps *ProgramSystem) reload(p *metadata.Program) error {
	if !ps.takeStale(p.Path) {
		return nil
	}

	b, err := ps.build(p.Path)
	if err != nil {
		ps.markStale(p.Path)
		core.LogWarn("program %s not reloaded, keeping the previous build: %s", p.Path, err)
		return nil
	}

	bound := p.BoundResources
	ps.descriptors.Release(p)
	ps.backend.DestroyPipeline(p.Pipeline)
	b.apply(p)
	ps.metrics.Reloads.Add(1)
	core.LogInfo("reloaded program %s (%s)", p.Path, p.Manifest)

	if len(bound) == 0 {
		return nil
	}
	if len(bound) != len(p.Manifest.Bindings) {
		core.LogWarn("program %s now has %d bindings and must be bound again", p.Path, len(p.Manifest.Bindings))
		return nil
	}
	if _, err := ps.descriptors.Bind(p, bound); err != nil {
		return fmt.Errorf("program %s: rebinding after reload: %w", p.Path, err)
	}
	return nil
}

func (ps *ProgramSystem) markStale(path string) {
	ps.staleMu.Lock()
	defer ps.staleMu.Unlock()
	ps.stale[path] = struct{}{}
}

func (ps *ProgramSystem) takeStale(path string) bool {
	ps.staleMu.Lock()
	defer ps.staleMu.Unlock()
	_, ok := ps.stale[path]
	delete(ps.stale, path)
	return ok
}

func (ps *ProgramSystem) manifest(src *loaders.ProgramSource, r *spirv.Reader) (*metadata.Manifest, error) {
	if m, ok := ps.reflections.Get(src.Digest); ok {
		return m, nil
	}
	if m, ok := ps.assetManager.CachedManifest(src); ok {
		ps.reflections.Add(src.Digest, m)
		return m, nil
	}

	m, err := spirv.Reflect(r)
	if err != nil {
		return nil, err
	}
	ps.metrics.Reflections.Add(1)
	ps.reflections.Add(src.Digest, m)
	ps.assetManager.StoreManifest(src, m)
	return m, nil
}

// Destroy releases the pipeline and the binding of the program built from path.
// Layouts stay cached for other programs of the same shape. Unknown paths are ignored.
func (ps *ProgramSystem) Destroy(path string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.destroy(assets.CanonicalPath(path))
}

func (ps *ProgramSystem) destroy(path string) {
	p, ok := ps.programs[path]
	if !ok {
		return
	}
	delete(ps.programs, path)
	ps.takeStale(path)

	ps.descriptors.Release(p)
	ps.backend.DestroyPipeline(p.Pipeline)
	ps.assetManager.UnloadProgram(path)

	p.Pipeline = nil
	p.PipelineLayout = nil
	p.Layout = nil
	core.LogDebug("destroyed program %s", path)
}

// onProgramChanged runs on the watcher goroutine and must not touch programs.
func (ps *ProgramSystem) onProgramChanged(path string) {
	ps.markStale(assets.CanonicalPath(path))
	core.LogInfo("program %s changed, it will be reloaded before its next use", path)
}

func (ps *ProgramSystem) Get(path string) (*metadata.Program, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.programs[assets.CanonicalPath(path)]
	return p, ok
}

func (ps *ProgramSystem) Paths() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	paths := make([]string, 0, len(ps.programs))
	for path := range ps.programs {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

/**
 * @brief Destroys every program still alive.
 */
func (ps *ProgramSystem) Shutdown() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for path := range ps.programs {
		ps.destroy(path)
	}
	ps.reflections.Purge()
	return nil
}
