package assets

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/swarm/engine/assets/loaders"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

type AssetInfo struct {
	Path       string
	Digest     uint64
	LastLoaded time.Time
}

// AssetManager loads compute programs from disk and, when watching, reports
// programs whose file changed so their cached state can be dropped.
type AssetManager struct {
	config  *core.ProgramConfig
	assets  map[string]AssetInfo
	loaders map[string]Loader

	listeners []func(path string)

	mutex sync.RWMutex

	done     chan struct{}
	stopped  chan struct{}
	fsnotify *fsnotify.Watcher
	isClosed bool
}

func NewAssetManager(config *core.ProgramConfig) *AssetManager {
	am := &AssetManager{
		config:  config,
		assets:  make(map[string]AssetInfo),
		loaders: make(map[string]Loader),
	}

	// Register loaders
	am.registerLoader(".spv", &loaders.BinaryLoader{})
	am.registerLoader(".wgsl", &loaders.WGSLLoader{})

	return am
}

// Initialize starts watching the program directory when configured to.
func (am *AssetManager) Initialize() error {
	if !am.config.Watch {
		return nil
	}
	if _, err := os.Stat(am.config.Dir); err != nil {
		core.LogWarn("program directory %s not watched: %s", am.config.Dir, err.Error())
		return nil
	}

	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		core.LogError("%s", err)
		return err
	}
	am.fsnotify = fsWatch
	am.done = make(chan struct{})
	am.stopped = make(chan struct{})

	if err := am.watchRecursive(am.config.Dir); err != nil {
		fsWatch.Close()
		am.fsnotify = nil
		return err
	}
	go am.start()

	core.LogInfo("watching %s for program changes", am.config.Dir)
	return nil
}

func (am *AssetManager) Shutdown() error {
	am.mutex.Lock()
	if am.fsnotify == nil || am.isClosed {
		am.mutex.Unlock()
		return nil
	}
	am.isClosed = true
	am.mutex.Unlock()

	close(am.done)
	<-am.stopped
	return nil
}

// Register loaders for each file extension
func (am *AssetManager) registerLoader(ext string, loader Loader) {
	am.loaders[ext] = loader
}

// OnChange registers fn to be called with the path of every loaded program whose
// file is written, replaced or removed.
func (am *AssetManager) OnChange(fn func(path string)) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.listeners = append(am.listeners, fn)
}

// LoadProgram reads a program through the loader registered for its extension.
// Unknown extensions are read as binary SPIR-V.
func (am *AssetManager) LoadProgram(path string) (*loaders.ProgramSource, error) {
	loader, exists := am.loaders[filepath.Ext(path)]
	if !exists {
		loader = am.loaders[".spv"]
	}

	src, err := loader.Load(path)
	if err != nil {
		return nil, err
	}

	am.mutex.Lock()
	am.assets[CanonicalPath(path)] = AssetInfo{
		Path:       path,
		Digest:     src.Digest,
		LastLoaded: time.Now(),
	}
	am.mutex.Unlock()

	return src, nil
}

// UnloadProgram stops tracking a program.
func (am *AssetManager) UnloadProgram(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	delete(am.assets, CanonicalPath(path))
}

// CachedManifest returns the manifest sidecar of src when manifest caching is on.
func (am *AssetManager) CachedManifest(src *loaders.ProgramSource) (*metadata.Manifest, bool) {
	if !am.config.ManifestCache {
		return nil, false
	}
	return loaders.ReadManifest(src.Path, src.Digest)
}

// StoreManifest writes the manifest sidecar of src when manifest caching is on.
func (am *AssetManager) StoreManifest(src *loaders.ProgramSource, m *metadata.Manifest) {
	if !am.config.ManifestCache {
		return
	}
	if err := loaders.WriteManifest(src.Path, src.Digest, m); err != nil {
		core.LogWarn("%s", err)
	}
}

func (am *AssetManager) start() {
	defer close(am.stopped)
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			if e.Op&fsnotify.Create != 0 {
				if s, err := os.Stat(e.Name); err == nil && s.IsDir() {
					if err := am.watchRecursive(e.Name); err != nil {
						core.LogWarn("failed to watch %s: %s", e.Name, err.Error())
					}
					continue
				}
			}
			if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				am.handleFileEvent(e.Name)
			}

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("%s", err)

		case <-am.done:
			am.fsnotify.Close()
			return
		}
	}
}

// watchRecursive adds path and all directories below it to the watch list.
func (am *AssetManager) watchRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if err := am.fsnotify.Add(walkPath); err != nil {
				return fmt.Errorf("failed to watch %s: %w", walkPath, err)
			}
		}
		return nil
	})
}

// Handle the creation, modification or removal of a file
func (am *AssetManager) handleFileEvent(path string) {
	key := CanonicalPath(path)

	am.mutex.Lock()
	info, tracked := am.assets[key]
	if tracked {
		delete(am.assets, key)
	}
	listeners := append([]func(string){}, am.listeners...)
	am.mutex.Unlock()

	if !tracked {
		return
	}
	core.LogInfo("program %s changed on disk", info.Path)
	for _, fn := range listeners {
		fn(info.Path)
	}
}

// CanonicalPath is the absolute, cleaned form of path, used to key programs by file.
func CanonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
