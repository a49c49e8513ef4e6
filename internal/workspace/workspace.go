// Package workspace lays out orca's state directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	EventsDir     = "events"
	WorkspacesDir = "workspaces"
	DatabaseFile  = "orca.db"
)

// Layout resolves paths under one state directory
type Layout struct {
	Root string
}

// RequiredDirectories lists the directories every state dir holds:
// per-task event logs and the host side of container workspaces.
func RequiredDirectories() []string {
	return []string{EventsDir, WorkspacesDir}
}

// Events is the directory of per-task NDJSON event logs.
func (l Layout) Events() string { return filepath.Join(l.Root, EventsDir) }

// Workspaces holds one bind-mounted workspace per task.
func (l Layout) Workspaces() string { return filepath.Join(l.Root, WorkspacesDir) }

// Database is the default sqlite path.
func (l Layout) Database() string { return filepath.Join(l.Root, DatabaseFile) }

// Initialize creates the state directory tree with 0700 permissions. It is
// safe to call on an existing tree.
func Initialize(root string) (Layout, error) {
	for _, dir := range append([]string{""}, RequiredDirectories()...) {
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0o700); err != nil {
			return Layout{}, fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return Layout{Root: root}, nil
}

// IsInitialized reports whether every required directory exists.
func IsInitialized(root string) (bool, error) {
	for _, dir := range RequiredDirectories() {
		path := filepath.Join(root, dir)
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}
