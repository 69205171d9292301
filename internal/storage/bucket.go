package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/logging"
)

// Store writes objects under a prefix of one bucket. Works with gs://,
// s3:// (including endpoint and region query parameters for B2, R2 and
// MinIO), file:// and mem:// URLs.
type Store struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
	log       *slog.Logger
}

// OpenStore opens the bucket at bucketURL.
func OpenStore(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	if err := ensureLocalDir(bucketURL); err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewStore(bucket, bucketURL, prefix), nil
}

// NewStore wraps an open bucket. The store owns the bucket from then on.
func NewStore(bucket *blob.Bucket, bucketURL, prefix string) *Store {
	return &Store{
		bucket:    bucket,
		bucketURL: strings.TrimSuffix(bucketURL, "/"),
		prefix:    prefix,
		log:       logging.Component("storage"),
	}
}

// Prefix returns the key prefix objects are written under.
func (s *Store) Prefix() string { return s.prefix }

// ensureLocalDir creates the directory behind a file:// URL, which the
// fileblob driver requires to exist.
func ensureLocalDir(bucketURL string) error {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return fmt.Errorf("parse bucket URL: %w", err)
	}
	if u.Scheme != "file" {
		return nil
	}
	if err := os.MkdirAll(u.Path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", u.Path, err)
	}
	return nil
}

// WriteObject writes data at key, relative to the bucket root.
func (s *Store) WriteObject(ctx context.Context, key string, data []byte, contentType string) error {
	var opts *blob.WriterOptions
	if contentType != "" {
		opts = &blob.WriterOptions{ContentType: contentType}
	}
	w, err := s.bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// ReadObject reads the object at key.
func (s *Store) ReadObject(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether the window's parquet file has been published.
func (s *Store) Exists(ctx context.Context, ref WindowRef) (bool, error) {
	return s.bucket.Exists(ctx, ref.Path(s.prefix))
}

// Publish writes the window's parquet file and manifest to temporary keys
// and then moves both into place. Readers never observe a manifest without
// its file.
func (s *Store) Publish(ctx context.Context, ref WindowRef, data []byte, manifest *Manifest) error {
	manifestData, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	finalKeys := []string{ref.Path(s.prefix), ref.ManifestPath(s.prefix)}
	payloads := [][]byte{data, manifestData}
	contentTypes := []string{"application/vnd.apache.parquet", "application/json"}

	var tempKeys []string
	for i, key := range finalKeys {
		tempKey := key + ".tmp." + uuid.New().String()
		if err := s.WriteObject(ctx, tempKey, payloads[i], contentTypes[i]); err != nil {
			s.Abort(ctx, tempKeys)
			return err
		}
		tempKeys = append(tempKeys, tempKey)
	}
	return s.Finalize(ctx, finalKeys, tempKeys)
}

// Finalize copies every temp key onto its final key and deletes the temp
// keys. When a copy fails, copied finals and all temps are removed.
func (s *Store) Finalize(ctx context.Context, finalKeys, tempKeys []string) error {
	if len(tempKeys) != len(finalKeys) {
		return fmt.Errorf("expected %d temp keys, got %d", len(finalKeys), len(tempKeys))
	}

	for i, tempKey := range tempKeys {
		if err := s.bucket.Copy(ctx, finalKeys[i], tempKey, nil); err != nil {
			for j := 0; j < i; j++ {
				_ = s.bucket.Delete(ctx, finalKeys[j])
			}
			s.Abort(ctx, tempKeys)
			return fmt.Errorf("finalize %s -> %s: %w", tempKey, finalKeys[i], err)
		}
	}
	s.Abort(ctx, tempKeys)
	return nil
}

// Abort removes temporary objects, ignoring ones already gone.
func (s *Store) Abort(ctx context.Context, tempKeys []string) {
	for _, key := range tempKeys {
		if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			s.log.Warn("failed to remove temporary object", "key", key, "error", err)
		}
	}
}

// List returns all keys starting with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// URI returns the canonical URI of key.
func (s *Store) URI(key string) string {
	u, err := url.Parse(s.bucketURL)
	if err != nil {
		return s.bucketURL + "/" + key
	}
	u.RawQuery = ""
	u.Path = path.Join(u.Path, key)
	if u.Host == "" && u.Scheme != "file" {
		return u.Scheme + "://" + strings.TrimPrefix(u.Path, "/")
	}
	return u.String()
}

// Close releases the bucket.
func (s *Store) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// SplitObjectURL splits the URL of a single object into the URL of its
// bucket and its key. For file:// URLs the bucket is the parent directory.
func SplitObjectURL(objectURL string) (bucketURL, key string, err error) {
	u, err := url.Parse(objectURL)
	if err != nil {
		return "", "", fmt.Errorf("parse object URL: %w", err)
	}
	switch u.Scheme {
	case "file":
		dir, file := path.Split(u.Path)
		if file == "" {
			return "", "", fmt.Errorf("object URL %s names a directory", objectURL)
		}
		b := url.URL{Scheme: "file", Path: strings.TrimSuffix(dir, "/"), RawQuery: u.RawQuery}
		return b.String(), file, nil
	case "":
		return "", "", fmt.Errorf("object URL %s has no scheme", objectURL)
	default:
		key = strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return "", "", fmt.Errorf("object URL %s needs a bucket and a key", objectURL)
		}
		b := url.URL{Scheme: u.Scheme, Host: u.Host, RawQuery: u.RawQuery}
		return b.String(), key, nil
	}
}

// ReadObjectURL reads a single object addressed by URL, such as the job
// document at gs://bucket/jobs/attribution.json.
func ReadObjectURL(ctx context.Context, objectURL string) ([]byte, error) {
	bucketURL, key, err := SplitObjectURL(objectURL)
	if err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	defer bucket.Close()

	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", objectURL, err)
	}
	return data, nil
}
