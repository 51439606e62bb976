// Package node resolves the on-disk layout for a mercurio node: a per-node
// directory holding the lock file and logs, plus the (possibly shared)
// durable store.
package node

import (
	"os"
	"path/filepath"
	"regexp"
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// BaseDir returns ~/.mercurio.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mercurio")
}

// Dir returns the node-specific directory.
func Dir(nodeID string) string {
	return filepath.Join(BaseDir(), "nodes", nodeID)
}

// LockPath returns the lock file path for a node.
func LockPath(nodeID string) string {
	return filepath.Join(Dir(nodeID), "LOCK")
}

// LogDir returns the log directory for a node.
func LogDir(nodeID string) string {
	return filepath.Join(Dir(nodeID), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(nodeID string) string {
	return filepath.Join(LogDir(nodeID), "mercuriod.log")
}

// DefaultStorePath returns the default shared store path. Nodes that should
// coordinate point their config at the same file.
func DefaultStorePath() string {
	return filepath.Join(BaseDir(), "mercurio.db")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// ValidName reports whether nodeID is usable as a directory name and
// presence key.
func ValidName(nodeID string) bool {
	return nameRe.MatchString(nodeID)
}

// EnsureDir creates the node directory tree with proper permissions.
func EnsureDir(nodeID string) error {
	dirs := []string{
		Dir(nodeID),
		LogDir(nodeID),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
