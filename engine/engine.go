package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/swarm/engine/assets"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
	"github.com/spaghettifunk/swarm/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete, programs can be created and dispatched
	EngineStageInitialized
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

func (s Stage) String() string {
	switch s {
	case EngineStageInitializing:
		return "initializing"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageShuttingDown:
		return "shutting down"
	default:
		return "uninitialized"
	}
}

type Engine struct {
	mu           sync.RWMutex
	currentStage Stage

	config        *core.Config
	backend       gpu.Backend
	metrics       *core.Metrics
	assetManager  *assets.AssetManager
	systemManager *systems.SystemManager
}

func New(config *core.Config, backend gpu.Backend) (*Engine, error) {
	if config == nil {
		config = core.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := core.SetLogLevel(config.Log.Level); err != nil {
		core.LogWarn("invalid log level %q, keeping the current one", config.Log.Level)
	}

	metrics := core.NewMetrics()
	am := assets.NewAssetManager(&config.Programs)

	sm, err := systems.NewSystemManager(config, backend, am, metrics)
	if err != nil {
		core.LogError("%s", err)
		return nil, err
	}

	return &Engine{
		currentStage:  EngineStageUninitialized,
		config:        config,
		backend:       backend,
		metrics:       metrics,
		assetManager:  am,
		systemManager: sm,
	}, nil
}

func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentStage != EngineStageUninitialized {
		return fmt.Errorf("engine cannot be initialized while %s", e.currentStage)
	}
	e.currentStage = EngineStageInitializing

	if err := e.backend.Initialize(e.config); err != nil {
		e.currentStage = EngineStageUninitialized
		e.backend.Shutdown()
		return e.check(err)
	}
	if err := e.assetManager.Initialize(); err != nil {
		e.currentStage = EngineStageUninitialized
		e.backend.Shutdown()
		return err
	}

	e.currentStage = EngineStageInitialized
	core.LogInfo("Engine initialized.")
	return nil
}

// Shutdown destroys every program and binding set before the device goes away.
// Resources created with NewResource are owned by the caller and must be destroyed first.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currentStage != EngineStageInitialized {
		return nil
	}
	e.currentStage = EngineStageShuttingDown

	if err := e.assetManager.Shutdown(); err != nil {
		return err
	}
	if err := e.systemManager.Shutdown(); err != nil {
		return err
	}
	if err := e.backend.Shutdown(); err != nil {
		return err
	}

	s := e.metrics.Snapshot()
	core.LogInfo("binding hits=%d misses=%d evictions=%d, %d submissions averaging %s",
		s.BindHits, s.BindMisses, s.Evictions, s.Submissions, s.AvgSubmitTime)

	e.currentStage = EngineStageUninitialized
	return nil
}

func (e *Engine) Stage() Stage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentStage
}

// ready holds the read lock until the returned function is called so Shutdown cannot
// run in the middle of an operation.
func (e *Engine) ready() (func(), error) {
	e.mu.RLock()
	if e.currentStage != EngineStageInitialized {
		e.mu.RUnlock()
		return nil, core.ErrNotInitialized
	}
	return e.mu.RUnlock, nil
}

// check terminates the process on device errors unless they are configured to be returned.
func (e *Engine) check(err error) error {
	if err != nil && e.config.Device.FatalErrors && errors.Is(err, core.ErrDevice) {
		core.LogFatal("unrecoverable device error: %s", err)
	}
	return err
}

// CreateProgram builds the program at path once and returns the same program afterwards.
func (e *Engine) CreateProgram(path string) (*metadata.Program, error) {
	done, err := e.ready()
	if err != nil {
		return nil, err
	}
	defer done()

	p, err := e.systemManager.ProgramSystem.Create(path)
	return p, e.check(err)
}

func (e *Engine) DestroyProgram(path string) error {
	done, err := e.ready()
	if err != nil {
		return err
	}
	defer done()

	e.systemManager.ProgramSystem.Destroy(path)
	return nil
}

func (e *Engine) NewResource(size uint64, location metadata.ResourceLocation) (*metadata.Resource, error) {
	done, err := e.ready()
	if err != nil {
		return nil, err
	}
	defer done()

	r, err := e.backend.CreateBuffer(size, location)
	return r, e.check(err)
}

// DestroyResource drops the cached binding sets referencing the resource, then frees it.
func (e *Engine) DestroyResource(resource *metadata.Resource) error {
	done, err := e.ready()
	if err != nil {
		return err
	}
	defer done()

	e.systemManager.DescriptorCache.Forget(resource)
	e.backend.DestroyBuffer(resource)
	return nil
}

// WithMapped maps a host visible resource for the duration of fn. The slice must not
// be retained after fn returns.
func (e *Engine) WithMapped(resource *metadata.Resource, fn func(data []byte) error) error {
	done, err := e.ready()
	if err != nil {
		return err
	}
	defer done()

	if resource.Location != metadata.ResourceLocationHostVisible {
		return fmt.Errorf("%w: resource %s is %s", core.ErrNotHostVisible, resource.ID, resource.Location)
	}
	data, err := e.backend.MapBuffer(resource)
	if err != nil {
		return e.check(err)
	}
	defer e.backend.UnmapBuffer(resource)

	return fn(data)
}

// Bind points the program's bindings, in slot order, at resources. A program whose
// file changed is reloaded first so the resources match its current bindings.
func (e *Engine) Bind(program *metadata.Program, resources ...*metadata.Resource) error {
	done, err := e.ready()
	if err != nil {
		return err
	}
	defer done()

	if err := e.systemManager.ProgramSystem.Refresh(program); err != nil {
		return e.check(err)
	}
	_, err = e.systemManager.DescriptorCache.Bind(program, resources)
	return e.check(err)
}

// Dispatch runs programs in order, each with the group counts stored in indirect.
func (e *Engine) Dispatch(programs []*metadata.Program, indirect *metadata.Resource) error {
	done, err := e.ready()
	if err != nil {
		return err
	}
	defer done()

	return e.check(e.systemManager.Dispatcher.Dispatch(programs, indirect))
}

func (e *Engine) DispatchGroups(programs []*metadata.Program, x, y, z uint32) error {
	done, err := e.ready()
	if err != nil {
		return err
	}
	defer done()

	return e.check(e.systemManager.Dispatcher.DispatchGroups(programs, x, y, z))
}

func (e *Engine) Copy(from, to *metadata.Resource, fromOffset, toOffset, size uint64) error {
	done, err := e.ready()
	if err != nil {
		return err
	}
	defer done()

	return e.check(e.systemManager.Dispatcher.Copy(from, to, fromOffset, toOffset, size))
}

func (e *Engine) Metrics() core.MetricsSnapshot {
	return e.metrics.Snapshot()
}
