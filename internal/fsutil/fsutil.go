// Package fsutil holds the file helpers shared by config and the container
// workspaces.
package fsutil

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrEscapesRoot is returned when a relative path resolves outside its root.
var ErrEscapesRoot = errors.New("path escapes root")

// AtomicWrite replaces path with data. The bytes go to a hidden temp file
// in the same directory, are synced, then renamed over the target, so
// readers see either the old file or the new one. Files are 0600.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath, err := tempPath(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	ok := false
	defer func() {
		f.Close()
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}
	ok = true
	return nil
}

// WriteJSON atomically writes v as indented JSON with a trailing newline.
func WriteJSON(path string, v any) error {
	if v == nil {
		return errors.New("cannot write nil value")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return AtomicWrite(path, append(data, '\n'))
}

// WriteYAML atomically writes v as YAML.
func WriteYAML(path string, v any) error {
	if v == nil {
		return errors.New("cannot write nil value")
	}
	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	return AtomicWrite(path, []byte(b.String()))
}

// tempPath names .<base>.tmp.<pid>.<rand> next to path.
func tempPath(path string) (string, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("generate temp suffix: %w", err)
	}
	name := fmt.Sprintf(".%s.tmp.%d.%s", filepath.Base(path), os.Getpid(), hex.EncodeToString(suffix[:]))
	return filepath.Join(filepath.Dir(path), name), nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}

// ResolveWithin joins rel onto root and returns the cleaned absolute path.
// Absolute rel values, ".." traversal and symlinks that lead outside root
// are rejected with ErrEscapesRoot. root must exist.
func ResolveWithin(root, rel string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	rootAbs, err = filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is absolute", ErrEscapesRoot, rel)
	}

	joined := filepath.Join(rootAbs, rel)
	if !within(rootAbs, joined) {
		return "", fmt.Errorf("%w: %s", ErrEscapesRoot, rel)
	}

	if _, err := os.Lstat(joined); err != nil {
		// not created yet
		return joined, nil
	}
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	if !within(rootAbs, resolved) {
		return "", fmt.Errorf("%w: %s links outside", ErrEscapesRoot, rel)
	}
	return resolved, nil
}

func within(root, path string) bool {
	r, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}
