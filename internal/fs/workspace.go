package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"simflow/internal/domain"
)

// Workspace anchors all generated artifacts (scripts, logs, temp files)
// under one root directory and refuses paths that escape it.
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, &domain.IOError{Op: "resolve", Path: root, Err: err}
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, &domain.IOError{Op: "mkdir", Path: absRoot, Err: err}
	}
	return &Workspace{root: absRoot}, nil
}

func (w *Workspace) Root() string { return w.root }

// Path joins parts under the workspace root without touching the filesystem.
func (w *Workspace) Path(parts ...string) string {
	return filepath.Join(append([]string{w.root}, parts...)...)
}

// EnsureDirs creates the named directories under the root. Creation is
// idempotent; an existing directory is not an error.
func (w *Workspace) EnsureDirs(names ...string) error {
	for _, name := range names {
		dir, err := w.resolve(name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &domain.IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return nil
}

// WriteFileAtomic writes content to relPath via a temp file in the target
// directory followed by a rename, so a partially written file is never
// observable at the final path.
func (w *Workspace) WriteFileAtomic(relPath string, content []byte, mode os.FileMode) (string, error) {
	absPath, err := w.resolve(relPath)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &domain.IOError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(absPath)+".tmp-*")
	if err != nil {
		return "", &domain.IOError{Op: "create temp", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", &domain.IOError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", &domain.IOError{Op: "chmod", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", &domain.IOError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, absPath); err != nil {
		os.Remove(tmpName)
		return "", &domain.IOError{Op: "rename", Path: absPath, Err: err}
	}
	return absPath, nil
}

func (w *Workspace) resolve(relPath string) (string, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "" || normalized == "." {
		return "", &domain.IOError{Op: "resolve", Path: relPath, Err: fmt.Errorf("invalid relative path")}
	}

	abs := filepath.Clean(filepath.Join(w.root, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", &domain.IOError{Op: "resolve", Path: relPath, Err: err}
	}
	if strings.HasPrefix(rel, "..") {
		return "", &domain.IOError{Op: "resolve", Path: relPath, Err: fmt.Errorf("path escapes workspace root")}
	}
	return abs, nil
}
