package escalation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig configures the object-store snapshot backend.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Validate checks required fields.
func (c MinIOConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return errors.New("minio endpoint is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return errors.New("minio access key and secret key are required")
	case strings.TrimSpace(c.Bucket) == "":
		return errors.New("minio bucket is required")
	}
	return nil
}

// objectAPI is the subset of object operations the blob store needs.
type objectAPI interface {
	put(ctx context.Context, key string, data []byte) error
	exists(ctx context.Context, key string) (bool, error)
	get(ctx context.Context, key string) ([]byte, error)
	list(ctx context.Context, prefix string) ([]string, error)
	remove(ctx context.Context, key string) error
}

// MinIOBlobStore keeps snapshots as objects. Object stores cannot rename, so
// the tree is uploaded first and the COMMITTED marker, listing every path, is
// written last; Get refuses prefixes without it.
type MinIOBlobStore struct {
	bucket  string
	objects objectAPI
}

// NewMinIOBlobStore connects to the endpoint and creates the bucket if missing.
func NewMinIOBlobStore(ctx context.Context, cfg MinIOConfig) (*MinIOBlobStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure snapshot bucket: %w", err)
	}
	return &MinIOBlobStore{
		bucket:  cfg.Bucket,
		objects: &minioObjects{client: client, bucket: cfg.Bucket},
	}, nil
}

// Name returns "minio".
func (s *MinIOBlobStore) Name() string { return "minio" }

// Put uploads files under prefix, then the marker. Leftovers of an earlier
// uncommitted attempt are removed first; a failed upload removes what it wrote.
func (s *MinIOBlobStore) Put(ctx context.Context, prefix string, files map[string][]byte) (string, error) {
	prefix, err := checkPrefix(prefix)
	if err != nil {
		return "", err
	}
	if err := checkFiles(files); err != nil {
		return "", err
	}
	markerKey := prefix + "/" + CommittedMarker

	done, err := s.objects.exists(ctx, markerKey)
	if err != nil {
		return "", fmt.Errorf("stat marker: %w", err)
	}
	if done {
		return "", fmt.Errorf("%s: %w", prefix, ErrAlreadyCommitted)
	}
	if err := s.removePrefix(ctx, prefix); err != nil {
		return "", fmt.Errorf("clear partial snapshot: %w", err)
	}

	for _, rel := range sortedKeys(files) {
		if err := s.objects.put(ctx, prefix+"/"+rel, files[rel]); err != nil {
			s.abandon(prefix)
			return "", fmt.Errorf("upload %s: %w", rel, err)
		}
	}
	if err := s.objects.put(ctx, markerKey, manifest(files)); err != nil {
		s.abandon(prefix)
		return "", fmt.Errorf("write marker: %w", err)
	}
	return s.Location(prefix), nil
}

// Location returns the s3 URI of prefix in the bucket.
func (s *MinIOBlobStore) Location(prefix string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, prefix)
}

// Get downloads every path listed in the marker.
func (s *MinIOBlobStore) Get(ctx context.Context, prefix string) (map[string][]byte, error) {
	prefix, err := checkPrefix(prefix)
	if err != nil {
		return nil, err
	}
	markerKey := prefix + "/" + CommittedMarker
	done, err := s.objects.exists(ctx, markerKey)
	if err != nil {
		return nil, fmt.Errorf("stat marker: %w", err)
	}
	if !done {
		return nil, fmt.Errorf("%s: %w", prefix, ErrNotCommitted)
	}
	marker, err := s.objects.get(ctx, markerKey)
	if err != nil {
		return nil, fmt.Errorf("read marker: %w", err)
	}

	files := make(map[string][]byte)
	for _, rel := range parseManifest(marker) {
		data, err := s.objects.get(ctx, prefix+"/"+rel)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", rel, err)
		}
		files[rel] = data
	}
	return files, nil
}

func (s *MinIOBlobStore) removePrefix(ctx context.Context, prefix string) error {
	keys, err := s.objects.list(ctx, prefix+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.objects.remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// abandon removes a partial upload with a fresh context; the caller's may be done.
func (s *MinIOBlobStore) abandon(prefix string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = s.removePrefix(ctx, prefix)
}

type minioObjects struct {
	client *minio.Client
	bucket string
}

func (m *minioObjects) put(ctx context.Context, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

func (m *minioObjects) exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func (m *minioObjects) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (m *minioObjects) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (m *minioObjects) remove(ctx context.Context, key string) error {
	return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
