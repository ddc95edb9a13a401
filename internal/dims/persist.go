package dims

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

var blobMagic = [4]byte{'S', 'M', 'P', 'J'}

const blobVersion = 1

// gobProjection mirrors Projection for gob encoding; gob cannot encode
// unexported fields and Projection has none, but keeping a dedicated type
// insulates the on-disk format from incidental struct changes.
type gobProjection struct {
	N          int
	T          int
	Mean       []float32
	Components [][]float32
}

// saveProjection writes p to path using the magic-header + gob blob format
// resolved for projection persistence, atomically via temp-file + rename
// (the pattern the disk cache and snapshot code both use).
func saveProjection(p *Projection, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("dims: create projection dir: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(blobMagic[:])
	buf.WriteByte(blobVersion)
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(gobProjection{N: p.N, T: p.T, Mean: p.Mean, Components: p.Components}); err != nil {
		return fmt.Errorf("dims: encode projection: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("dims: create temp projection file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("dims: write projection: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("dims: sync projection: %w", err)
	}
	f.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dims: rename projection: %w", err)
	}
	return nil
}

// loadProjection reads a projection blob written by saveProjection.
func loadProjection(path string) (*Projection, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 5 || [4]byte{raw[0], raw[1], raw[2], raw[3]} != blobMagic {
		return nil, fmt.Errorf("dims: bad projection blob magic in %s", path)
	}
	if raw[4] != blobVersion {
		return nil, fmt.Errorf("dims: unsupported projection blob version %d in %s", raw[4], path)
	}

	var gp gobProjection
	dec := gob.NewDecoder(bytes.NewReader(raw[5:]))
	if err := dec.Decode(&gp); err != nil {
		return nil, fmt.Errorf("dims: decode projection: %w", err)
	}
	return &Projection{N: gp.N, T: gp.T, Mean: gp.Mean, Components: gp.Components}, nil
}

// projectionPath returns the blob path for target dimension t under dir,
// named by target dimension.
func projectionPath(dir string, t int) string {
	return filepath.Join(dir, fmt.Sprintf("projection_%d.bin", t))
}
