// Package minio fetches attachment bytes straight from the S3-compatible
// bucket the desks store them in.
package minio

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/AjayChannelplay/helpdesk-channelplay-sub001/internal/errs"
)

// DefaultMaxSize caps a single download.
const DefaultMaxSize = 25 << 20

// Options configures a Store.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// Region skips the bucket location lookup when set.
	Region  string
	Secure  bool
	MaxSize int64
	Logger  *slog.Logger
}

// Store implements backend.AttachmentFetcher over a bucket. Objects live
// under desks/<desk id>/.
type Store struct {
	client  *minio.Client
	bucket  string
	maxSize int64
	logger  *slog.Logger
}

// New connects to the object store. No request is made until first use.
func New(opts Options) (*Store, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.Mark(errors.New("minio: endpoint and bucket are required"), errs.ErrBadParameter)
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio: create client")
	}
	return NewWithClient(client, opts.Bucket, opts.MaxSize, opts.Logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *minio.Client, bucket string, maxSize int64, logger *slog.Logger) *Store {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:  client,
		bucket:  bucket,
		maxSize: maxSize,
		logger:  logger.With("component", "backend.minio", "bucket", bucket),
	}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classify(errors.Wrapf(err, "minio: check bucket %s", s.bucket), err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return classify(errors.Wrapf(err, "minio: create bucket %s", s.bucket), err)
	}
	s.logger.Info("created attachment bucket")
	return nil
}

// ObjectKey maps a storage key to its object name. Keys that already
// carry the desk prefix are used as is.
func ObjectKey(key, deskID string) string {
	key = strings.TrimPrefix(key, "/")
	prefix := path.Join("desks", deskID) + "/"
	if deskID == "" || strings.HasPrefix(key, prefix) {
		return key
	}
	return prefix + key
}

// DownloadByStorageKey implements backend.AttachmentFetcher.
func (s *Store) DownloadByStorageKey(ctx context.Context, key, deskID string) ([]byte, error) {
	name := ObjectKey(key, deskID)
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(errors.Wrapf(err, "minio: get %s", name), err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, s.maxSize+1))
	if err != nil {
		return nil, classify(errors.Wrapf(err, "minio: read %s", name), err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, errs.Fetch(errors.Newf("minio: %s exceeds %d bytes", name, s.maxSize))
	}
	return data, nil
}

// PresignedURL returns a time-limited download link for an attachment.
func (s *Store) PresignedURL(ctx context.Context, key, deskID, filename string, ttl time.Duration) (string, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", `attachment; filename="`+filename+`"`)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, ObjectKey(key, deskID), ttl, params)
	if err != nil {
		return "", classify(errors.Wrap(err, "minio: presign"), err)
	}
	return u.String(), nil
}

// classify marks err by the S3 error code of cause.
func classify(err, cause error) error {
	var resp minio.ErrorResponse
	if errors.As(cause, &resp) {
		switch {
		case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
			err = errors.Mark(err, errs.ErrNotFound)
		case resp.Code == "AccessDenied" || resp.StatusCode == http.StatusForbidden:
			err = errors.Mark(err, errs.ErrUnauthorized)
		}
	}
	return errs.Fetch(err)
}
