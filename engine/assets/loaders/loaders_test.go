package loaders

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/spaghettifunk/swarm/engine/gpu/metadata"
	"github.com/zeebo/xxh3"
)

const addWGSL = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> c: array<f32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    c[gid.x] = a[gid.x] + b[gid.x];
}
`

func TestBinaryLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.spv")
	data := []byte{0x03, 0x02, 0x23, 0x07, 1, 2, 3, 4}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	src, err := (&BinaryLoader{}).Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if src.Path != path {
		t.Errorf("path = %q, want %q", src.Path, path)
	}
	if string(src.Code) != string(data) {
		t.Errorf("code = %v, want %v", src.Code, data)
	}
	if src.Digest != xxh3.Hash(data) {
		t.Errorf("digest = %x, want %x", src.Digest, xxh3.Hash(data))
	}
}

func TestBinaryLoaderMissingFile(t *testing.T) {
	if _, err := (&BinaryLoader{}).Load(filepath.Join(t.TempDir(), "missing.spv")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestWGSLLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "add.wgsl")
	if err := os.WriteFile(path, []byte(addWGSL), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := (&WGSLLoader{}).Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(src.Code) < 20 || len(src.Code)%4 != 0 {
		t.Fatalf("unexpected SPIR-V size %d", len(src.Code))
	}
	if magic := binary.LittleEndian.Uint32(src.Code); magic != 0x07230203 {
		t.Errorf("magic = 0x%08x, want 0x07230203", magic)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "add.spv")
	m := &metadata.Manifest{
		EntryPoint: "main",
		Bindings: []metadata.ResourceBinding{
			{Slot: 0, Kind: metadata.ResourceKindStorageBuffer, Access: metadata.AccessReadOnly},
			{Slot: 3, Kind: metadata.ResourceKindStorageImage, Access: metadata.AccessReadWrite},
		},
	}
	if err := WriteManifest(path, 42, m); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}

	got, ok := ReadManifest(path, 42)
	if !ok {
		t.Fatal("expected a cached manifest")
	}
	if got.String() != m.String() {
		t.Errorf("manifest = %s, want %s", got, m)
	}

	if _, ok := ReadManifest(path, 43); ok {
		t.Error("a manifest with another digest must be ignored")
	}
}

func TestManifestCorruptSidecar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "add.spv")
	if err := os.WriteFile(ManifestPath(path), []byte("not cbor at all"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, ok := ReadManifest(path, 0); ok {
		t.Error("a corrupt manifest must be ignored")
	}
	if _, ok := ReadManifest(filepath.Join(t.TempDir(), "none.spv"), 0); ok {
		t.Error("a missing manifest must be ignored")
	}
}
