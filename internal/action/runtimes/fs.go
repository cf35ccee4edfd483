package runtimes

import (
	"os"
	"path/filepath"
)

// OSFileSystem writes project files relative to a root directory.
type OSFileSystem struct {
	root string
}

func NewOSFileSystem(root string) *OSFileSystem {
	return &OSFileSystem{root: root}
}

func (fs *OSFileSystem) MkdirAll(path string) error {
	return os.MkdirAll(fs.resolve(path), 0755)
}

func (fs *OSFileSystem) WriteFile(path string, content []byte) error {
	return os.WriteFile(fs.resolve(path), content, 0644)
}

func (fs *OSFileSystem) resolve(path string) string {
	if fs.root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(fs.root, path)
}
