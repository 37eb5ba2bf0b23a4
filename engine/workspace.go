package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmcleod/ironpki/internal/uuid"
)

const (
	opsDir     = "ops"
	archiveDir = "archive"
)

// Workspace owns the on-disk working directory. Toolchain calls run in
// per-operation arenas under ops/, and CA material is archived under
// archive/<common name>.
type Workspace struct {
	root string
}

// NewWorkspace creates the ops and archive directories under root.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	for _, dir := range []string{opsDir, archiveDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o700); err != nil {
			return nil, fmt.Errorf("creating workspace: %w", err)
		}
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Arena is a private working directory for one engine operation.
type Arena struct {
	Token string
	Dir   string
}

// Path joins name onto the arena directory.
func (a *Arena) Path(name string) string {
	return filepath.Join(a.Dir, name)
}

// Remove deletes the arena and everything in it.
func (a *Arena) Remove() error {
	return os.RemoveAll(a.Dir)
}

// NewArena allocates ops/<token> for a single operation.
func (w *Workspace) NewArena() (*Arena, error) {
	token := uuid.New()
	dir := filepath.Join(w.root, opsDir, token)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating arena: %w", ErrStorageFailure, err)
	}
	return &Arena{Token: token, Dir: dir}, nil
}

// ArchiveDir returns the archive directory for a CA common name.
func (w *Workspace) ArchiveDir(commonName string) string {
	return filepath.Join(w.root, archiveDir, commonName)
}

// ArchiveExists reports whether a CA has already been archived under
// commonName.
func (w *Workspace) ArchiveExists(commonName string) (bool, error) {
	_, err := os.Stat(w.ArchiveDir(commonName))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// CreateArchive creates the archive directory for commonName. It fails with
// ErrArchiveConflict when the directory already exists.
func (w *Workspace) CreateArchive(commonName string) (string, error) {
	dir := w.ArchiveDir(commonName)
	if err := os.Mkdir(dir, 0o700); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrArchiveConflict, dir)
		}
		return "", fmt.Errorf("%w: creating archive %s: %w", ErrStorageFailure, dir, err)
	}
	return dir, nil
}
