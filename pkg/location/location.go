// Stash caches may persist their entries on disk; a Location is the directory a cache file lives in.
// Locations are resolved once, when a cache is configured: the OS-managed cache directory, the user's documents
// directory or an arbitrary path. Directory creation is idempotent.
// All file access goes through a go-billy filesystem chrooted at the location, which lets tests and ephemeral
// caches use an in-memory filesystem instead of the disk.

package location

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

var ErrInvalidName = errors.New("invalid location name")

// Location is a directory holding cache files.
type Location struct {
	parent billy.Filesystem // Filesystem the location directory was created in.
	name   string           // Directory name inside `parent`.
	fs     billy.Filesystem // Chrooted at the location directory.
	path   string           // Host path; virtual for in-memory locations.
}

// validateName rejects names that would escape the parent directory.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// newLocation creates `name` inside `parent` and chroots into it.
func newLocation(parent billy.Filesystem, name, path string) (*Location, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	loc := &Location{parent: parent, name: name, path: path}
	if err := loc.Create(); err != nil {
		return nil, err
	}
	fs, err := parent.Chroot(name)
	if err != nil {
		return nil, fmt.Errorf("failed to chroot into %s: %w", path, err)
	}
	loc.fs = fs
	return loc, nil
}

// Caches returns the directory `name` under `parent`, or under the OS-managed cache directory when `parent` is nil.
func Caches(name string, parent *Location) (*Location, error) {
	if parent != nil {
		return newLocation(parent.fs, name, filepath.Join(parent.path, name))
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user cache directory: %w", err)
	}
	return newLocation(osfs.New(cacheDir), name, filepath.Join(cacheDir, name))
}

// Documents returns the directory `name` under the user's documents directory.
func Documents(name string) (*Location, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user home directory: %w", err)
	}
	documentsDir := filepath.Join(homeDir, "Documents")
	return newLocation(osfs.New(documentsDir), name, filepath.Join(documentsDir, name))
}

// At returns a location for an arbitrary caller supplied directory. A location owns its directory (Remove deletes
// it), so `path` must name a directory below a filesystem root and not the root itself.
func At(path string) (*Location, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	parentDir, name := filepath.Split(absPath)
	if name == "" {
		return nil, fmt.Errorf("%w: %s is a filesystem root, use a directory inside it", ErrInvalidName, absPath)
	}
	return newLocation(osfs.New(parentDir), name, absPath)
}

// InMemory returns a location backed by a fresh in-memory filesystem. Contents die with the process.
func InMemory(name string) (*Location, error) {
	return newLocation(memfs.New(), name, "mem://"+name)
}

// Create makes sure the location directory exists; it is a no-op if it already does.
func (l *Location) Create() error {
	if err := l.parent.MkdirAll(l.name, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", l.path, err)
	}
	return nil
}

// Remove deletes the location directory and everything inside it.
func (l *Location) Remove() error {
	if err := util.RemoveAll(l.parent, l.name); err != nil {
		return fmt.Errorf("failed to remove directory %s: %w", l.path, err)
	}
	return nil
}

// FS returns the filesystem rooted at the location directory.
func (l *Location) FS() billy.Filesystem { return l.fs }

func (l *Location) Path() string { return l.path }

func (l *Location) String() string { return l.path }
