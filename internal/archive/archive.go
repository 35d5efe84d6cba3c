// Package archive keeps the raw page each document was ingested from in
// S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"docsync/api/internal/content"
)

var ErrNotArchived = errors.New("page not archived")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Page is an archived source page.
type Page struct {
	Body        []byte
	ContentType string
	SourceURL   string
}

type Store struct {
	client *minio.Client
	bucket string
	region string
	logger *zap.Logger
}

var _ content.Listener = (*Store)(nil)

// New connects to the object store. Empty credentials sign nothing.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, region: cfg.Region, logger: logger.Named("archive")}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("created archive bucket", zap.String("bucket", s.bucket))
	return nil
}

func objectKey(documentID string) string {
	return "pages/" + documentID + ".html"
}

func (s *Store) Put(ctx context.Context, documentID, teamID, sourceURL string, body []byte, contentType string) error {
	if contentType == "" {
		contentType = "text/html"
	}
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(documentID), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"team-id":    teamID,
			"source-url": sourceURL,
		},
	})
	if err != nil {
		return fmt.Errorf("archive page %s: %w", documentID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, documentID string) (Page, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(documentID), minio.GetObjectOptions{})
	if err != nil {
		return Page{}, fmt.Errorf("get archived page %s: %w", documentID, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return Page{}, ErrNotArchived
		}
		return Page{}, fmt.Errorf("stat archived page %s: %w", documentID, err)
	}
	body, err := io.ReadAll(obj)
	if err != nil {
		return Page{}, fmt.Errorf("read archived page %s: %w", documentID, err)
	}
	return Page{Body: body, ContentType: info.ContentType, SourceURL: info.UserMetadata["Source-Url"]}, nil
}

func (s *Store) Delete(ctx context.Context, documentID string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey(documentID), minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove archived page %s: %w", documentID, err)
	}
	return nil
}

func (s *Store) DocumentCreated(ctx context.Context, change content.Change) error {
	if change.Page == nil {
		return nil
	}
	return s.Put(ctx, change.Document.ID, change.Document.TeamID, change.Document.URL, change.Page.Body, change.Page.ContentType)
}

func (s *Store) SectionUpdated(context.Context, content.Change) error {
	return nil
}

func (s *Store) DocumentDeleted(ctx context.Context, documentID string) error {
	return s.Delete(ctx, documentID)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
