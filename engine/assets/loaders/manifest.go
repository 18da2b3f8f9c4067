package loaders

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/spaghettifunk/swarm/engine/core"
	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
)

const manifestVersion = 1

// ManifestExtension is appended to a program path to name its manifest sidecar.
const ManifestExtension = ".manifest"

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("loaders: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type manifestRecord struct {
	Version    int             `cbor:"1,keyasint"`
	Digest     uint64          `cbor:"2,keyasint"`
	EntryPoint string          `cbor:"3,keyasint"`
	Bindings   []bindingRecord `cbor:"4,keyasint"`
}

type bindingRecord struct {
	_      struct{} `cbor:",toarray"`
	Slot   uint32
	Kind   uint8
	Access uint8
}

func ManifestPath(programPath string) string {
	return programPath + ManifestExtension
}

// ReadManifest returns the cached manifest of a program when its sidecar exists and
// was written for the same bytecode digest.
func ReadManifest(programPath string, digest uint64) (*metadata.Manifest, bool) {
	data, err := os.ReadFile(ManifestPath(programPath))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			core.LogWarn("failed to read manifest of %s: %s", programPath, err.Error())
		}
		return nil, false
	}

	var rec manifestRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		core.LogWarn("ignoring unreadable manifest of %s: %s", programPath, err.Error())
		return nil, false
	}
	if rec.Version != manifestVersion || rec.Digest != digest {
		core.LogDebug("manifest of %s is stale", programPath)
		return nil, false
	}

	m := &metadata.Manifest{
		EntryPoint: rec.EntryPoint,
		Bindings:   make([]metadata.ResourceBinding, len(rec.Bindings)),
	}
	for i, b := range rec.Bindings {
		m.Bindings[i] = metadata.ResourceBinding{
			Slot:   b.Slot,
			Kind:   metadata.ResourceKind(b.Kind),
			Access: metadata.AccessMode(b.Access),
		}
	}
	return m, true
}

// WriteManifest stores the manifest of a program next to it, stamped with digest.
func WriteManifest(programPath string, digest uint64, m *metadata.Manifest) error {
	rec := manifestRecord{
		Version:    manifestVersion,
		Digest:     digest,
		EntryPoint: m.EntryPoint,
		Bindings:   make([]bindingRecord, len(m.Bindings)),
	}
	for i, b := range m.Bindings {
		rec.Bindings[i] = bindingRecord{Slot: b.Slot, Kind: uint8(b.Kind), Access: uint8(b.Access)}
	}

	data, err := cborEncMode.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to encode manifest of %s: %w", programPath, err)
	}
	if err := os.WriteFile(ManifestPath(programPath), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest of %s: %w", programPath, err)
	}
	return nil
}
