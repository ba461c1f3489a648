package blobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/logs"
)

// StorageFS is a filesystem-based blob store
type StorageFS struct {
	Root string
	log  logs.Log
}

// NewStorageFS does not create root until the first write, so that merely
// looking for a cache doesn't litter frame directories with empty folders.
func NewStorageFS(log logs.Log, root string) (*StorageFS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &StorageFS{
		Root: absRoot,
		log:  log,
	}, nil
}

// fileWriter writes to a temp file, and renames it into place on Close.
// A reader never sees a half-written blob under its final name.
type fileWriter struct {
	f         *os.File
	finalPath string
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *fileWriter) Close() error {
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	if err := os.Rename(w.f.Name(), w.finalPath); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	return nil
}

func (fs *StorageFS) WriteFile(name string) (io.WriteCloser, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w %v", ErrInvalidName, name)
	}
	fs.log.Debugf("Writing file %v", name)
	fullPath := filepath.Join(fs.Root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return nil, fmt.Errorf("Failed to create directory for %v: %w", fullPath, err)
	}
	f, err := os.CreateTemp(filepath.Dir(fullPath), "."+filepath.Base(fullPath)+".tmp*")
	if err != nil {
		return nil, err
	}
	return &fileWriter{f: f, finalPath: fullPath}, nil
}

func (fs *StorageFS) ReadFile(name string) (*File, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w %v", ErrInvalidName, name)
	}
	file, err := os.Open(filepath.Join(fs.Root, filepath.FromSlash(name)))
	if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &File{
		Reader:     file,
		ModifiedAt: st.ModTime(),
		Size:       st.Size(),
	}, nil
}

func (fs *StorageFS) DeleteFile(name string) error {
	if !validName(name) {
		return fmt.Errorf("%w %v", ErrInvalidName, name)
	}
	fs.log.Infof("Deleting file %v", name)
	return os.Remove(filepath.Join(fs.Root, filepath.FromSlash(name)))
}

// List only looks at the top level of Root. Our blob names are flat.
func (fs *StorageFS) List(prefix string) ([]FileInfo, error) {
	entries, err := os.ReadDir(fs.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	infos := []FileInfo{}
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), prefix) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		st, err := e.Info()
		if err != nil {
			// Deleted between ReadDir and Info
			continue
		}
		infos = append(infos, FileInfo{
			Name:       e.Name(),
			ModifiedAt: st.ModTime(),
			Size:       st.Size(),
		})
	}
	sortInfos(infos)
	return infos, nil
}
