package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
	"google.golang.org/api/iterator"
)

// StorageGCS is a Google Cloud Storage-based blob store.
// All names are placed under 'folder' inside the bucket, so that one bucket can
// hold the caches of many frame directories.
type StorageGCS struct {
	bucketName string
	folder     string
	bucket     *gcs.BucketHandle
	log        logs.Log
}

func NewStorageGCS(log logs.Log, bucketName, folder string) (*StorageGCS, error) {
	ctx := context.Background()
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to create GCS client: %w", err)
	}
	bucket := client.Bucket(bucketName)
	return &StorageGCS{
		bucketName: bucketName,
		folder:     strings.Trim(folder, "/"),
		bucket:     bucket,
		log:        log,
	}, nil
}

func (s *StorageGCS) objectName(name string) string {
	if s.folder == "" {
		return name
	}
	return path.Join(s.folder, name)
}

// GCS objects only become visible when the writer is closed, so there is no
// need for the temp-file dance that StorageFS does.
func (s *StorageGCS) WriteFile(name string) (io.WriteCloser, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w %v", ErrInvalidName, name)
	}
	ctx := context.Background()
	w := s.bucket.Object(s.objectName(name)).NewWriter(ctx)
	return w, nil
}

func (s *StorageGCS) ReadFile(name string) (*File, error) {
	ctx := context.Background()
	r, err := s.bucket.Object(s.objectName(name)).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) DeleteFile(name string) error {
	ctx := context.Background()
	s.log.Infof("Deleting gs://%v/%v", s.bucketName, s.objectName(name))
	return s.bucket.Object(s.objectName(name)).Delete(ctx)
}

func (s *StorageGCS) List(prefix string) ([]FileInfo, error) {
	ctx := context.Background()
	base := ""
	if s.folder != "" {
		base = s.folder + "/"
	}
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: base + prefix})
	infos := []FileInfo{}
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("Failed to list gs://%v/%v: %w", s.bucketName, base+prefix, err)
		}
		name := strings.TrimPrefix(attrs.Name, base)
		if strings.Contains(name, "/") {
			continue
		}
		infos = append(infos, FileInfo{
			Name:       name,
			ModifiedAt: attrs.Updated,
			Size:       attrs.Size,
		})
	}
	sortInfos(infos)
	return infos, nil
}
