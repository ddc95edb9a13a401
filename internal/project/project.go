// Package project derives the per-project identity that namespaces every
// piece of state specmemd keeps on disk: the socket path, the PID file, the
// disk cache directory, and every row written to the overflow store.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// ID is a 12-hex-character digest of a normalized project root path.
type ID string

// Resolve returns the absolute, symlink-resolved project root for path.
// An empty path falls back to the process working directory.
func Resolve(path string) (string, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = wd
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

// DeriveID hashes a resolved project root into its 12-character identity.
//
// Example:
//
//	root, _ := project.Resolve(os.Getenv("SPECMEMD_PROJECT_PATH"))
//	id := project.DeriveID(root)
func DeriveID(resolvedRoot string) ID {
	sum := sha256.Sum256([]byte(resolvedRoot))
	return ID(hex.EncodeToString(sum[:])[:12])
}

// SocketPath returns the default Unix socket path for a project root.
func SocketPath(root string) string {
	return filepath.Join(root, "specmem", "sockets", "embeddings.sock")
}

// PIDPath returns the default PID file path for a project root.
func PIDPath(root string) string {
	return filepath.Join(root, "specmem", "sockets", "embeddings.pid")
}

// CacheDir returns the default disk cache directory for a project root.
func CacheDir(root string) string {
	return filepath.Join(root, "specmem", "cache")
}

// DBDir returns the default BadgerDB directory (overflow queue + oracle
// metadata) for a project root.
func DBDir(root string) string {
	return filepath.Join(root, "specmem", "db")
}

// ModelDir returns the default encoder artifact directory for a project
// root and model name.
func ModelDir(root, modelName string) string {
	return filepath.Join(root, "specmem", "models", modelName)
}

// StatusPath returns the path of the status file the lifecycle manager
// writes on unload/kill so clients can decide whether to respawn.
func StatusPath(root string) string {
	return filepath.Join(root, "specmem", "sockets", "status.json")
}
