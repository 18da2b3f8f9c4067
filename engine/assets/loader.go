package assets

import "github.com/spaghettifunk/swarm/engine/assets/loaders"

type Loader interface {
	Load(path string) (*loaders.ProgramSource, error)
}
