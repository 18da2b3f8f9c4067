package systems

import (
	"github.com/spaghettifunk/swarm/engine/assets"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu"
)

type SystemManager struct {
	LayoutCache         *LayoutCache
	PipelineLayoutCache *PipelineLayoutCache
	DescriptorCache     *DescriptorCache
	Dispatcher          *Dispatcher
	ProgramSystem       *ProgramSystem
}

func NewSystemManager(config *core.Config, backend gpu.Backend, am *assets.AssetManager, metrics *core.Metrics) (*SystemManager, error) {
	lc := NewLayoutCache(backend, metrics)
	plc := NewPipelineLayoutCache(backend)

	dc, err := NewDescriptorCache(DescriptorCacheConfig{
		Capacity:      config.Descriptors.PoolCapacity,
		DecayInterval: config.Descriptors.DecayInterval,
	}, backend, metrics)
	if err != nil {
		return nil, err
	}
	ps, err := NewProgramSystem(&config.Programs, backend, am, lc, plc, dc, metrics)
	if err != nil {
		return nil, err
	}

	return &SystemManager{
		LayoutCache:         lc,
		PipelineLayoutCache: plc,
		DescriptorCache:     dc,
		Dispatcher:          NewDispatcher(backend, metrics, ps),
		ProgramSystem:       ps,
	}, nil
}

// Shutdown releases programs first, then binding sets, then the layouts they were
// built on.
func (sm *SystemManager) Shutdown() error {
	if err := sm.ProgramSystem.Shutdown(); err != nil {
		return err
	}
	sm.DescriptorCache.Shutdown()
	sm.PipelineLayoutCache.Destroy()
	sm.LayoutCache.Destroy()
	return nil
}
