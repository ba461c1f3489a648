// Package embedstore is a content-addressed store of embedding arrays.
// For a cache key K, we store two sibling blobs:
//
//	embeddings_K.f32   the [T,P,D] array
//	embeddings_K.json  metadata (see Meta)
//
// The array is always written before the metadata, so a metadata blob implies that
// its array was complete at the time of writing.
package embedstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cyclopcam/frameselect/pkg/blobstore"
	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/frameselect/pkg/tensor"
	"github.com/cyclopcam/logs"
)

// SupportedVersion is the only metadata version that we trust
const SupportedVersion = 1

// DirName is the conventional cache location inside a frames directory
const DirName = ".embedding_cache"

const filePrefix = "embeddings_"
const metaExt = ".json"

var ErrUnsupportedVersion = errors.New("Unsupported embedding cache version")
var ErrNotFound = errors.New("Embedding cache entry not found")

// Meta is the JSON sidecar.
// SYNC-EMBEDDING-CACHE-JSON
type Meta struct {
	Version        int                      `json:"version"`
	Config         embedcfg.EmbeddingConfig `json:"config"`
	FrameCount     int                      `json:"frame_count"`
	EmbeddingShape [3]int                   `json:"embedding_shape"`
}

// Entry is one cache entry discovered by List
type Entry struct {
	Key        string
	Meta       Meta
	ModifiedAt time.Time // Of the metadata blob
	ArraySize  int64     // Zero if Broken
	Broken     bool      // Metadata is present, but the array is missing
}

// LoadStatus explains why LoadKey did or didn't produce an array
type LoadStatus int

const (
	LoadHit      LoadStatus = iota // Array loaded and trusted
	LoadMissing                    // No metadata for this key
	LoadBroken                     // Metadata exists, but the array is missing or unreadable
	LoadMismatch                   // Metadata exists, but describes a different config or version
)

func (s LoadStatus) String() string {
	switch s {
	case LoadHit:
		return "hit"
	case LoadMissing:
		return "missing"
	case LoadBroken:
		return "broken"
	case LoadMismatch:
		return "mismatch"
	}
	return fmt.Sprintf("LoadStatus(%d)", int(s))
}

func ArrayName(key string) string {
	return filePrefix + key + tensor.FileExtension
}

func MetaName(key string) string {
	return filePrefix + key + metaExt
}

// Store persists embedding arrays in a blob store.
// The store enumerates and validates, but never decides which of several entries to use.
type Store struct {
	log     logs.Log
	storage blobstore.Storage
}

func NewStore(log logs.Log, storage blobstore.Storage) *Store {
	return &Store{
		log:     logs.NewPrefixLogger(log, "EmbedStore"),
		storage: storage,
	}
}

// List returns every entry whose metadata parses and has a supported version.
// Entries that fail either test are skipped silently (they're logged at debug level).
func (s *Store) List() ([]*Entry, error) {
	infos, err := s.storage.List(filePrefix)
	if err != nil {
		return nil, err
	}
	arrays := map[string]blobstore.FileInfo{}
	for _, fi := range infos {
		if strings.HasSuffix(fi.Name, tensor.FileExtension) {
			arrays[strings.TrimSuffix(strings.TrimPrefix(fi.Name, filePrefix), tensor.FileExtension)] = fi
		}
	}
	entries := []*Entry{}
	for _, fi := range infos {
		if !strings.HasSuffix(fi.Name, metaExt) {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(fi.Name, filePrefix), metaExt)
		meta, err := s.readMeta(key)
		if err != nil {
			s.log.Debugf("Ignoring %v: %v", fi.Name, err)
			continue
		}
		e := &Entry{
			Key:        key,
			Meta:       *meta,
			ModifiedAt: fi.ModifiedAt,
		}
		if arr, ok := arrays[key]; ok {
			e.ArraySize = arr.Size
		} else {
			e.Broken = true
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Find reads the metadata of one entry directly.
// Unlike List, an unreadable or unsupported sidecar is an error here (ErrUnsupportedVersion
// for a version we don't understand), because the caller asked for this entry by name.
func (s *Store) Find(key string) (*Entry, error) {
	fi, err := blobstore.Exists(s.storage, MetaName(key))
	if err != nil {
		return nil, err
	}
	if fi == nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	meta, err := s.readMeta(key)
	if err != nil {
		return nil, fmt.Errorf("Embedding cache %v: %w", key, err)
	}
	e := &Entry{
		Key:        key,
		Meta:       *meta,
		ModifiedAt: fi.ModifiedAt,
	}
	arr, err := blobstore.Exists(s.storage, ArrayName(key))
	if err != nil {
		return nil, err
	}
	if arr != nil {
		e.ArraySize = arr.Size
	} else {
		e.Broken = true
	}
	return e, nil
}

func (s *Store) readMeta(key string) (*Meta, error) {
	raw, err := blobstore.ReadFile(s.storage, MetaName(key))
	if err != nil {
		return nil, err
	}
	meta := &Meta{}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, err
	}
	if meta.Version != SupportedVersion {
		return nil, fmt.Errorf("%w %v", ErrUnsupportedVersion, meta.Version)
	}
	return meta, nil
}

// Load returns the array of entry, or nil if it can't be read, or if it disagrees with the metadata.
// A nil result means "recompute".
func (s *Store) Load(entry *Entry) *tensor.Tensor3 {
	f, err := s.storage.ReadFile(ArrayName(entry.Key))
	if err != nil {
		s.log.Warnf("Failed to open embeddings %v: %v", entry.Key, err)
		return nil
	}
	defer f.Reader.Close()
	t, err := tensor.Decode(f.Reader, f.Size)
	if err != nil {
		s.log.Warnf("Failed to decode embeddings %v: %v", entry.Key, err)
		return nil
	}
	if t.Shape != entry.Meta.EmbeddingShape || t.Frames() != entry.Meta.FrameCount {
		s.log.Warnf("Embeddings %v have shape %v, but metadata says %v (%v frames)", entry.Key, t.Shape, entry.Meta.EmbeddingShape, entry.Meta.FrameCount)
		return nil
	}
	return t
}

// LoadKey loads the array for key, provided its metadata matches cfg.
// Anything other than LoadHit is a cache miss.
func (s *Store) LoadKey(cfg embedcfg.EmbeddingConfig, key string) (*tensor.Tensor3, LoadStatus) {
	fi, err := blobstore.Exists(s.storage, MetaName(key))
	if err != nil || fi == nil {
		return nil, LoadMissing
	}
	meta, err := s.readMeta(key)
	if err != nil {
		s.log.Infof("Ignoring cache %v: %v", key, err)
		return nil, LoadMismatch
	}
	if meta.Config != cfg {
		s.log.Infof("Ignoring cache %v: config %v does not match %v", key, meta.Config, cfg)
		return nil, LoadMismatch
	}
	t := s.Load(&Entry{Key: key, Meta: *meta, ModifiedAt: fi.ModifiedAt})
	if t == nil {
		return nil, LoadBroken
	}
	return t, LoadHit
}

// Save writes the array, and then the metadata.
// If clearOthers is true, every other entry is deleted once the save has succeeded.
func (s *Store) Save(key string, cfg embedcfg.EmbeddingConfig, array *tensor.Tensor3, clearOthers bool) error {
	w, err := s.storage.WriteFile(ArrayName(key))
	if err != nil {
		return fmt.Errorf("Failed to create embeddings array: %w", err)
	}
	err = array.Encode(w)
	errClose := w.Close()
	if err == nil {
		err = errClose
	}
	if err != nil {
		return fmt.Errorf("Failed to write embeddings array: %w", err)
	}

	meta := Meta{
		Version:        SupportedVersion,
		Config:         cfg,
		FrameCount:     array.Frames(),
		EmbeddingShape: array.Shape,
	}
	raw, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	if err := blobstore.WriteFile(s.storage, MetaName(key), bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("Failed to write embeddings metadata: %w", err)
	}
	s.log.Infof("Saved embeddings %v %v", key, array.Shape)

	if clearOthers {
		return s.ClearOthers(key)
	}
	return nil
}

// SaveFrames derives the cache key from the frame filenames, and saves under that key
func (s *Store) SaveFrames(filenames []string, cfg embedcfg.EmbeddingConfig, array *tensor.Tensor3, clearOthers bool) (string, error) {
	if len(filenames) != array.Frames() {
		return "", fmt.Errorf("Embedding array has %v frames, but %v filenames were given", array.Frames(), len(filenames))
	}
	key := embedcfg.CacheKey(cfg, filenames)
	return key, s.Save(key, cfg, array, clearOthers)
}

// ClearOthers deletes every cache artifact that doesn't belong to keepKey
func (s *Store) ClearOthers(keepKey string) error {
	return s.deleteWhere(func(name string) bool {
		return name != ArrayName(keepKey) && name != MetaName(keepKey)
	})
}

// Clear deletes all cache artifacts
func (s *Store) Clear() error {
	return s.deleteWhere(func(name string) bool { return true })
}

func (s *Store) deleteWhere(match func(name string) bool) error {
	infos, err := s.storage.List(filePrefix)
	if err != nil {
		return err
	}
	// Delete metadata before arrays, so that an interrupted clear leaves orphan arrays
	// (invisible to List) rather than broken entries.
	sort.SliceStable(infos, func(i, j int) bool {
		return strings.HasSuffix(infos[i].Name, metaExt) && !strings.HasSuffix(infos[j].Name, metaExt)
	})
	var firstErr error
	for _, fi := range infos {
		if !strings.HasSuffix(fi.Name, metaExt) && !strings.HasSuffix(fi.Name, tensor.FileExtension) {
			continue
		}
		if !match(fi.Name) {
			continue
		}
		if err := s.storage.DeleteFile(fi.Name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MostRecent picks the entry with the newest metadata, ignoring broken entries.
// Returns nil if there is nothing usable.
func MostRecent(entries []*Entry) *Entry {
	var best *Entry
	for _, e := range entries {
		if e.Broken {
			continue
		}
		if best == nil || e.ModifiedAt.After(best.ModifiedAt) {
			best = e
		}
	}
	return best
}
