package blobstore

import (
	"errors"
	"io"
	"sort"
	"strings"
	"time"
)

var ErrInvalidName = errors.New("Invalid blob name")

// Storage is an abstraction of a flat blob store (eg a directory, a GCS bucket, or an S3 bucket).
// Names are relative to the root of the store, and use forward slashes.
type Storage interface {
	// When finished, you must close the WriteCloser.
	// The blob is only guaranteed to be visible to readers after Close returns nil.
	WriteFile(name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(name string) (*File, error)

	DeleteFile(name string) error

	// List returns every blob whose name begins with prefix
	List(prefix string) ([]FileInfo, error)
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// FileInfo is a listing entry
type FileInfo struct {
	Name       string
	ModifiedAt time.Time
	Size       int64
}

func WriteFile(s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

// Exists returns the listing entry for name, or nil if there is no such blob
func Exists(s Storage, name string) (*FileInfo, error) {
	all, err := s.List(name)
	if err != nil {
		return nil, err
	}
	for _, fi := range all {
		if fi.Name == name {
			return &fi, nil
		}
	}
	return nil, nil
}

func validName(name string) bool {
	return name != "" && !strings.Contains(name, "..") && !strings.HasPrefix(name, "/")
}

func sortInfos(infos []FileInfo) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
}
