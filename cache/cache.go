// Package cache implements the content-addressed artifact store used by the compilation
// driver.
//
// Artifacts are grouped per compilation run: the driver writes every intermediate
// artifact individually as it is produced, and commits the run by writing the group
// mapping exactly once at the end. A crash before the group write leaves the cache in a
// miss state for that key; a group referencing a missing artifact is treated as a miss,
// never as an error.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// FilePermMode is the default file creation permission (before umask) used.
var FilePermMode = os.FileMode(0660)

// GOTRITON_CACHE_DIR is the environment variable overriding the cache root directory.
const GOTRITON_CACHE_DIR = "GOTRITON_CACHE_DIR"

// Manager is the artifact store contract consumed by the compilation driver.
//
// Put writes one artifact; PutGroup commits the mapping of a whole run. Probe either
// returns the full prior mapping or an explicit miss.
type Manager interface {
	// Probe looks up the artifact group committed under (key, groupName). It returns
	// the mapping from artifact name to its absolute path, or false on a miss.
	// Partial or corrupt groups are a miss.
	Probe(key, groupName string) (map[string]string, bool)

	// Put stores one artifact under the given key and returns its absolute path.
	Put(key string, data []byte, name string) (string, error)

	// PutGroup commits the group mapping for the run. This is the commit point: only
	// after it returns may Probe report a hit for (key, groupName).
	PutGroup(key, groupName string, group map[string]string) error
}

// FileManager is the file-system Manager: one directory per key under the root, one
// file per artifact, and a "__grp__<name>" commit file per group. Every write goes
// through a uuid-suffixed temporary file renamed into place, so concurrent writers
// for the same key are wasteful but never corrupting.
type FileManager struct {
	root string
}

// Compile-time check.
var _ Manager = (*FileManager)(nil)

// New returns a FileManager rooted at the given directory, creating it if needed.
func New(root string) (*FileManager, error) {
	if err := os.MkdirAll(root, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache root %q", root)
	}
	return &FileManager{root: root}, nil
}

// NewDefault returns a FileManager rooted at $GOTRITON_CACHE_DIR, or at
// ~/.gotriton/cache when unset.
func NewDefault() (*FileManager, error) {
	if root, found := os.LookupEnv(GOTRITON_CACHE_DIR); found && root != "" {
		return New(root)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve the user home directory for the cache root")
	}
	return New(filepath.Join(home, ".gotriton", "cache"))
}

// Root returns the cache root directory.
func (m *FileManager) Root() string { return m.root }

func (m *FileManager) keyDir(key string) string {
	return filepath.Join(m.root, key)
}

func groupFileName(groupName string) string {
	return "__grp__" + groupName
}

// Probe implements Manager.
func (m *FileManager) Probe(key, groupName string) (map[string]string, bool) {
	groupPath := filepath.Join(m.keyDir(key), groupFileName(groupName))
	data, err := os.ReadFile(groupPath)
	if err != nil {
		// Includes the common not-exists case: a plain miss.
		return nil, false
	}
	var names map[string]string
	if err = json.Unmarshal(data, &names); err != nil {
		klog.Warningf("cache: discarding corrupt group file %q: %v", groupPath, err)
		return nil, false
	}
	group := make(map[string]string, len(names))
	for name, fileName := range names {
		path := filepath.Join(m.keyDir(key), fileName)
		if _, err = os.Stat(path); err != nil {
			klog.Warningf("cache: group %q references missing artifact %q, treating as miss", groupPath, path)
			return nil, false
		}
		group[name] = path
	}
	return group, true
}

// Put implements Manager.
func (m *FileManager) Put(key string, data []byte, name string) (string, error) {
	dir := m.keyDir(key)
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "failed to create cache directory %q", dir)
	}
	path := filepath.Join(dir, name)
	if err := atomicWrite(path, data); err != nil {
		return "", errors.WithMessagef(err, "failed to store artifact %q under cache key %q", name, key)
	}
	return path, nil
}

// PutGroup implements Manager.
func (m *FileManager) PutGroup(key, groupName string, group map[string]string) error {
	names := make(map[string]string, len(group))
	for name, path := range group {
		names[name] = filepath.Base(path)
	}
	data, err := json.Marshal(names)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize group %q", groupName)
	}
	dir := m.keyDir(key)
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create cache directory %q", dir)
	}
	path := filepath.Join(dir, groupFileName(groupName))
	if err = atomicWrite(path, data); err != nil {
		return errors.WithMessagef(err, "failed to commit group %q under cache key %q", groupName, key)
	}
	return nil
}

// atomicWrite writes data to a uuid-suffixed temporary sibling and renames it into
// place. Rename is atomic within a file system, so readers see either the previous
// content or the full new content.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, FilePermMode); err != nil {
		return errors.Wrapf(err, "failed to write temporary file %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "failed to rename %q into place", tmp)
	}
	return nil
}
