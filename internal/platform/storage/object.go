package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// casRetries bounds the conditional-write retry loop in UpdateMetadata.
const casRetries = 8

// ObjectStoreConfig configures an S3-compatible object-store backend.
type ObjectStoreConfig struct {
	Endpoint  string // host[:port] of the S3-compatible service
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string // optional key prefix applied to every object
	BaseURL   string // public origin under which blobs are served
	UseSSL    bool
	Logger    zerolog.Logger
}

// ObjectStore is a ServerStore backed by an S3-compatible bucket. Metadata
// updates use ETag-conditional writes: read the object and its ETag, run the
// updater, write back with an If-Match precondition, and retry from scratch
// on HTTP 412.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string

	baseURL string
	log     zerolog.Logger
}

// NewObjectStore initializes the S3 client eagerly so misconfiguration
// surfaces at startup rather than on the first request.
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectStore{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		log:     cfg.Logger,
	}, nil
}

func (s *ObjectStore) BaseURL() string { return s.baseURL }

func (s *ObjectStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

func (s *ObjectStore) Put(ctx context.Context, key string, data []byte) error {
	opts := minio.PutObjectOptions{ContentType: contentTypeForKey(key)}
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return &OpError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := s.getWithETag(ctx, key)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *ObjectStore) DeletePrefix(ctx context.Context, prefix string) error {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.objectKey(prefix),
		Recursive: true,
	})
	for object := range objects {
		if object.Err != nil {
			return &OpError{Op: "delete", Key: prefix, Err: object.Err}
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return &OpError{Op: "delete", Key: prefix, Err: err}
		}
	}
	return nil
}

// UpdateMetadata implements optimistic concurrency over the metadata object.
// The updater is re-executed with fresh state on every precondition failure,
// so two racing updates for the same id serialize into distinct, monotonic
// commits.
func (s *ObjectStore) UpdateMetadata(ctx context.Context, shlID string, fn MetadataUpdater) (Decision, error) {
	key := MetadataKey(shlID)

	for attempt := 0; attempt < casRetries; attempt++ {
		current, etag, err := s.getWithETag(ctx, key)
		if err != nil {
			return Decision{}, err
		}

		decision := fn(current)
		if decision.Commit == nil {
			return decision, nil
		}

		opts := minio.PutObjectOptions{ContentType: "application/json"}
		opts.SetMatchETag(etag)
		_, err = s.client.PutObject(ctx, s.bucket, s.objectKey(key), bytes.NewReader(decision.Commit), int64(len(decision.Commit)), opts)
		if err == nil {
			return decision, nil
		}
		if minio.ToErrorResponse(err).StatusCode != http.StatusPreconditionFailed {
			return Decision{}, &OpError{Op: "update", Key: key, Err: err}
		}
		s.log.Debug().Str("shl_id", shlID).Int("attempt", attempt+1).Msg("metadata conditional write lost the race, retrying")
	}

	return Decision{}, &OpError{Op: "update", Key: key, Err: ErrContention}
}

func (s *ObjectStore) getWithETag(ctx context.Context, key string) ([]byte, string, error) {
	object, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, "", &OpError{Op: "get", Key: key, Err: err}
	}
	defer object.Close()

	// Stat pins the ETag of the exact version the read returns.
	info, err := object.Stat()
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return nil, "", &OpError{Op: "get", Key: key, Err: ErrNotFound}
		}
		return nil, "", &OpError{Op: "get", Key: key, Err: err}
	}
	data, err := io.ReadAll(object)
	if err != nil {
		return nil, "", &OpError{Op: "get", Key: key, Err: err}
	}
	return data, info.ETag, nil
}

func contentTypeForKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".jwe"):
		return "application/jose"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
