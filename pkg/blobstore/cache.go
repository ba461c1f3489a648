package blobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cyclopcam/logs"
)

// Cache wraps a remote Storage and keeps local copies of the blobs that have been read,
// so that re-opening the same embedding array doesn't download hundreds of MB again.
// Writes and deletes go straight through to upstream, and invalidate the local copy.
// The least recently used copies are evicted once maxBytes is exceeded.
type Cache struct {
	log       logs.Log
	upstream  Storage
	cacheRoot string
	maxBytes  int64

	itemsLock sync.Mutex
	bytesUsed int64
	items     map[string]*cacheItem
	tick      int64
}

type cacheItem struct {
	filename string
	size     int64
	lock     int
	lastUsed int64
}

type cacheItemReader struct {
	store *Cache
	item  *cacheItem
	f     *os.File
}

func (r *cacheItemReader) Read(p []byte) (n int, err error) {
	return r.f.Read(p)
}

func (r *cacheItemReader) Close() error {
	r.store.itemsLock.Lock()
	r.item.lock--
	r.store.itemsLock.Unlock()
	return r.f.Close()
}

func NewCache(log logs.Log, upstream Storage, cacheRoot string, maxBytes int64) (*Cache, error) {
	os.RemoveAll(cacheRoot)
	if err := os.MkdirAll(cacheRoot, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create blob cache %v: %w", cacheRoot, err)
	}
	return &Cache{
		log:       logs.NewPrefixLogger(log, "BlobCache"),
		upstream:  upstream,
		cacheRoot: cacheRoot,
		maxBytes:  maxBytes,
		items:     map[string]*cacheItem{},
	}, nil
}

func (s *Cache) WriteFile(name string) (io.WriteCloser, error) {
	s.invalidate(name)
	return s.upstream.WriteFile(name)
}

func (s *Cache) DeleteFile(name string) error {
	s.invalidate(name)
	return s.upstream.DeleteFile(name)
}

func (s *Cache) List(prefix string) ([]FileInfo, error) {
	return s.upstream.List(prefix)
}

func (s *Cache) ReadFile(name string) (*File, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w %v", ErrInvalidName, name)
	}
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	item := s.items[name]
	if item == nil {
		s.purgeStale()
		var err error
		if item, err = s.acquire(name); err != nil {
			return nil, err
		}
	}
	f, err := os.Open(filepath.Join(s.cacheRoot, name))
	if err != nil {
		return nil, err
	}
	item.lock++
	item.lastUsed = s.tick
	s.tick++
	st, err := f.Stat()
	if err != nil {
		f.Close()
		item.lock--
		return nil, err
	}
	return &File{
		Reader:     &cacheItemReader{store: s, item: item, f: f},
		ModifiedAt: st.ModTime(),
		Size:       item.size,
	}, nil
}

// BytesUsed returns the size of all local copies
func (s *Cache) BytesUsed() int64 {
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	return s.bytesUsed
}

func (s *Cache) invalidate(name string) {
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	item := s.items[name]
	if item == nil {
		return
	}
	// An open reader keeps its file handle alive after the unlink, and the next read
	// fetches the new blob into a fresh file.
	delete(s.items, name)
	s.bytesUsed -= item.size
	os.Remove(filepath.Join(s.cacheRoot, name))
}

// Must be called with itemsLock held
func (s *Cache) acquire(name string) (*cacheItem, error) {
	src, err := s.upstream.ReadFile(name)
	if err != nil {
		return nil, err
	}
	defer src.Reader.Close()
	ondiskFilename := filepath.Join(s.cacheRoot, name)
	if err := os.MkdirAll(filepath.Dir(ondiskFilename), 0755); err != nil {
		return nil, err
	}
	dst, err := os.Create(ondiskFilename)
	if err != nil {
		return nil, err
	}
	size, err := io.Copy(dst, src.Reader)
	if err == nil {
		err = dst.Close()
	} else {
		dst.Close()
	}
	if err != nil {
		os.Remove(dst.Name())
		return nil, err
	}
	s.log.Debugf("Cached %v (%v bytes)", name, size)
	item := &cacheItem{
		filename: name,
		size:     size,
		lastUsed: s.tick,
	}
	s.bytesUsed += size
	s.items[name] = item
	return item, nil
}

// Must be called with itemsLock held
func (s *Cache) purgeStale() {
	if s.bytesUsed <= s.maxBytes {
		return
	}
	unused := []*cacheItem{}
	for _, item := range s.items {
		if item.lock == 0 {
			unused = append(unused, item)
		}
	}
	sort.Slice(unused, func(i, j int) bool {
		return unused[i].lastUsed < unused[j].lastUsed
	})
	for _, item := range unused {
		if s.bytesUsed <= s.maxBytes {
			break
		}
		s.bytesUsed -= item.size
		delete(s.items, item.filename)
		if err := os.Remove(filepath.Join(s.cacheRoot, item.filename)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warnf("Failed to evict %v: %v", item.filename, err)
		}
	}
}
