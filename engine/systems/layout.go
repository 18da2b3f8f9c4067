package systems

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

// LayoutCache hands out one binding layout per distinct ordered (slot, kind)
// sequence. Layouts live until Destroy.
type LayoutCache struct {
	mu      sync.Mutex
	backend gpu.Backend
	metrics *core.Metrics

	lookup  map[string]*metadata.BindingLayout
	layouts []*metadata.BindingLayout
}

func NewLayoutCache(backend gpu.Backend, metrics *core.Metrics) *LayoutCache {
	return &LayoutCache{
		backend: backend,
		metrics: metrics,
		lookup:  make(map[string]*metadata.BindingLayout),
	}
}

// GetOrCreate returns the layout matching the shape of manifest, creating it on
// first use. Access modes do not take part in the match.
func (lc *LayoutCache) GetOrCreate(manifest *metadata.Manifest) (*metadata.BindingLayout, error) {
	shape := manifest.Shape()
	key := metadata.ShapeKey(shape)

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if layout, ok := lc.lookup[key]; ok {
		return layout, nil
	}

	layout, err := lc.backend.CreateBindingLayout(shape)
	if err != nil {
		err = fmt.Errorf("failed to create binding layout for %s: %w", manifest, err)
		core.LogError("%s", err)
		return nil, err
	}
	layout.ID = uint32(len(lc.layouts))
	layout.Shape = shape

	lc.lookup[key] = layout
	lc.layouts = append(lc.layouts, layout)
	lc.metrics.LayoutMisses.Add(1)

	core.LogDebug("created binding layout %d with %d slots", layout.ID, len(shape))
	return layout, nil
}

func (lc *LayoutCache) Len() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return len(lc.layouts)
}

// Destroy releases every layout. Only valid once no pipeline layout or binding set
// built on them is alive.
func (lc *LayoutCache) Destroy() {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	for _, layout := range lc.layouts {
		lc.backend.DestroyBindingLayout(layout)
	}
	lc.layouts = nil
	lc.lookup = make(map[string]*metadata.BindingLayout)
}

// PipelineLayoutCache keeps one pipeline layout per binding layout object.
type PipelineLayoutCache struct {
	mu      sync.Mutex
	backend gpu.Backend

	lookup  map[*metadata.BindingLayout]*metadata.PipelineLayout
	layouts []*metadata.PipelineLayout
}

func NewPipelineLayoutCache(backend gpu.Backend) *PipelineLayoutCache {
	return &PipelineLayoutCache{
		backend: backend,
		lookup:  make(map[*metadata.BindingLayout]*metadata.PipelineLayout),
	}
}

func (pc *PipelineLayoutCache) GetOrCreate(layout *metadata.BindingLayout) (*metadata.PipelineLayout, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pl, ok := pc.lookup[layout]; ok {
		return pl, nil
	}

	pl, err := pc.backend.CreatePipelineLayout(layout)
	if err != nil {
		err = fmt.Errorf("failed to create pipeline layout for binding layout %d: %w", layout.ID, err)
		core.LogError("%s", err)
		return nil, err
	}
	pl.ID = uint32(len(pc.layouts))
	pl.Layout = layout

	pc.lookup[layout] = pl
	pc.layouts = append(pc.layouts, pl)
	return pl, nil
}

func (pc *PipelineLayoutCache) Len() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.layouts)
}

func (pc *PipelineLayoutCache) Destroy() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	for _, pl := range pc.layouts {
		pc.backend.DestroyPipelineLayout(pl)
	}
	pc.layouts = nil
	pc.lookup = make(map[*metadata.BindingLayout]*metadata.PipelineLayout)
}
