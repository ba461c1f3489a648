package blobstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cyclopcam/logs"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// StorageS3Config connects to any S3-compatible endpoint (AWS, MinIO, etc)
type StorageS3Config struct {
	Endpoint  string `json:"endpoint" validate:"required"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	UseSSL    bool   `json:"useSSL"`
	Bucket    string `json:"bucket" validate:"required"`
	Folder    string `json:"folder"`
}

// StorageS3 is an S3-based blob store
type StorageS3 struct {
	client *miniogo.Client
	bucket string
	folder string
	log    logs.Log
}

func NewStorageS3(log logs.Log, cfg StorageS3Config) (*StorageS3, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("Failed to create S3 client: %w", err)
	}
	return &StorageS3{
		client: client,
		bucket: cfg.Bucket,
		folder: strings.Trim(cfg.Folder, "/"),
		log:    log,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist yet
func (s *StorageS3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("Failed to check bucket %v: %w", s.bucket, err)
	}
	if !exists {
		s.log.Infof("Creating bucket %v", s.bucket)
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("Failed to create bucket %v: %w", s.bucket, err)
		}
	}
	return nil
}

func (s *StorageS3) objectName(name string) string {
	if s.folder == "" {
		return name
	}
	return path.Join(s.folder, name)
}

// s3Writer streams into PutObject through a pipe.
// The object only appears in the bucket once PutObject completes.
type s3Writer struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Close() error {
	w.pw.Close()
	return <-w.done
}

func (s *StorageS3) WriteFile(name string) (io.WriteCloser, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w %v", ErrInvalidName, name)
	}
	pr, pw := io.Pipe()
	w := &s3Writer{
		pw:   pw,
		done: make(chan error, 1),
	}
	objectName := s.objectName(name)
	go func() {
		_, err := s.client.PutObject(context.Background(), s.bucket, objectName, pr, -1, miniogo.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		// Unblock the writer if PutObject gave up early
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

func (s *StorageS3) ReadFile(name string) (*File, error) {
	ctx := context.Background()
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectName(name), miniogo.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy, so Stat is the first call that actually talks to the server
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, err
	}
	return &File{
		Reader:     obj,
		ModifiedAt: st.LastModified,
		Size:       st.Size,
	}, nil
}

func (s *StorageS3) DeleteFile(name string) error {
	s.log.Infof("Deleting s3://%v/%v", s.bucket, s.objectName(name))
	return s.client.RemoveObject(context.Background(), s.bucket, s.objectName(name), miniogo.RemoveObjectOptions{})
}

func (s *StorageS3) List(prefix string) ([]FileInfo, error) {
	base := ""
	if s.folder != "" {
		base = s.folder + "/"
	}
	// Cancelling stops the listing goroutine if we bail out early
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	infos := []FileInfo{}
	for obj := range s.client.ListObjects(ctx, s.bucket, miniogo.ListObjectsOptions{Prefix: base + prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("Failed to list s3://%v/%v: %w", s.bucket, base+prefix, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, base)
		if strings.Contains(name, "/") {
			continue
		}
		infos = append(infos, FileInfo{
			Name:       name,
			ModifiedAt: obj.LastModified,
			Size:       obj.Size,
		})
	}
	sortInfos(infos)
	return infos, nil
}
