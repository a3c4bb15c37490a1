package persist

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileBackend stores each dump as a plain file under Dir, the simplest case
// of the teacher's storage.FileStorage (storage/persistence-files.go) pared
// down to "one name, one blob" since a CSR dump has no shard/column/log
// structure to mirror.
type FileBackend struct {
	Dir string
}

func (f *FileBackend) path(name string) string {
	return filepath.Join(f.Dir, name)
}

func (f *FileBackend) Write(name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(f.Dir, 0750); err != nil {
		return nil, fmt.Errorf("persist: mkdir %q: %w", f.Dir, err)
	}
	return os.Create(f.path(name))
}

func (f *FileBackend) Read(name string) (io.ReadCloser, error) {
	return os.Open(f.path(name))
}
