package esm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// S3Config locates the object store backend.
type S3Config struct {
	Log zerolog.Logger

	// Endpoint is the S3 API host, without a scheme.
	Endpoint string

	// Bucket holds the state objects.
	Bucket string

	// Prefix namespaces the state objects within the bucket.
	Prefix string

	// Region pins the bucket region when the endpoint needs one.
	Region string

	// AccessKeyID and SecretAccessKey authenticate directly. When empty,
	// the standard AWS environment variables are consulted.
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL toggles TLS towards the endpoint.
	UseSSL bool

	// Scope names the state objects within the prefix.
	Scope string
}

// S3Backend keeps enforced state as one JSON object per scope, beside a
// lock object written on enter and removed on exit. The lock is
// advisory: acquisition is check then create, without a conditional
// write.
type S3Backend struct {
	log    zerolog.Logger
	client *minio.Client
	bucket string
	prefix string
	scope  string
}

// NewS3Backend connects to the object store and returns the backend.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	scope := cfg.Scope
	if scope == "" {
		scope = "cli"
	}

	creds := credentials.NewEnvAWS()
	if cfg.AccessKeyID != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	return &S3Backend{
		log:    cfg.Log.With().Str("component", "esm.s3").Logger(),
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		scope:  scope,
	}, nil
}

// Scope identifies the state domain the backend serves.
func (b *S3Backend) Scope() string { return b.scope }

func (b *S3Backend) stateKey() string { return b.prefix + b.scope + ".json" }
func (b *S3Backend) lockKey() string  { return b.prefix + b.scope + ".lock" }

// Lock writes the lock object unless another holder owns it.
func (b *S3Backend) Lock(ctx context.Context, holder string) error {
	current, err := b.readLock(ctx)
	if err != nil {
		return err
	}
	if current != nil && current.Holder != "" {
		if current.Holder == holder {
			return nil
		}
		return fmt.Errorf("enforced state scope %s is locked by %s", b.scope, current.Holder)
	}

	rec := lockRecord{Holder: holder, PID: os.Getpid()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode lock record: %w", err)
	}
	_, err = b.client.PutObject(ctx, b.bucket, b.lockKey(), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to write lock object: %w", err)
	}
	return nil
}

// Unlock removes the lock object when held by the given holder.
func (b *S3Backend) Unlock(ctx context.Context, holder string) error {
	current, err := b.readLock(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	if current.Holder != "" && current.Holder != holder {
		return fmt.Errorf("enforced state scope %s is locked by %s, not %s", b.scope, current.Holder, holder)
	}
	if err := b.client.RemoveObject(ctx, b.bucket, b.lockKey(), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove lock object: %w", err)
	}
	return nil
}

// Break removes the lock object regardless of holder.
func (b *S3Backend) Break(ctx context.Context) error {
	if err := b.client.RemoveObject(ctx, b.bucket, b.lockKey(), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove lock object: %w", err)
	}
	return nil
}

// Pull reads the scope's state object. A missing object reads as empty
// state.
func (b *S3Backend) Pull(ctx context.Context) (map[string]map[string]any, error) {
	data, err := b.readObject(ctx, b.stateKey())
	if err != nil {
		return nil, fmt.Errorf("failed to read state object: %w", err)
	}
	if len(data) == 0 {
		return map[string]map[string]any{}, nil
	}
	state := map[string]map[string]any{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state object %s: %w", b.stateKey(), err)
	}
	return state, nil
}

// Push replaces the scope's state object.
func (b *S3Backend) Push(ctx context.Context, state map[string]map[string]any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	_, err = b.client.PutObject(ctx, b.bucket, b.stateKey(), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to write state object: %w", err)
	}
	return nil
}

// Close releases nothing; the client holds no persistent connections.
func (b *S3Backend) Close() error { return nil }

// readLock fetches the lock object, or nil when no lock exists.
func (b *S3Backend) readLock(ctx context.Context) (*lockRecord, error) {
	data, err := b.readObject(ctx, b.lockKey())
	if err != nil {
		return nil, fmt.Errorf("failed to read lock object: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	rec := &lockRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		b.log.Error().Str("key", b.lockKey()).Msg("Invalid lock object contents")
		return &lockRecord{}, nil
	}
	return rec, nil
}

// readObject fetches one object, or nil when the key does not exist.
func (b *S3Backend) readObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}
