package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// ArchiveService keeps verified webhook payloads in object storage
type ArchiveService interface {
	ArchiveWebhook(ctx context.Context, provider, eventID string, payload []byte, receivedAt time.Time) error
	EnsureBucketExists(ctx context.Context) error
	Ping(ctx context.Context) error
}

// objectStore is the subset of *minio.Client the archive uses
type objectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

type minioArchive struct {
	store  objectStore
	bucket string
}

func NewMinioArchiveService(endpoint, accessKey, secretKey, bucket string, useSSL bool) (ArchiveService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &minioArchive{store: client, bucket: bucket}, nil
}

func newArchiveWithStore(store objectStore, bucket string) *minioArchive {
	return &minioArchive{store: store, bucket: bucket}
}

// archiveObjectName partitions payloads by provider and receive date
func archiveObjectName(provider, eventID string, receivedAt time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", provider, receivedAt.UTC().Format("2006/01/02"), eventID)
}

func (m *minioArchive) ArchiveWebhook(ctx context.Context, provider, eventID string, payload []byte, receivedAt time.Time) error {
	objectName := archiveObjectName(provider, eventID, receivedAt)
	_, err := m.store.PutObject(ctx, m.bucket, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"event-id": eventID,
			"provider": provider,
		},
	})
	if err != nil {
		return fmt.Errorf("archive webhook %s: %w", eventID, err)
	}
	return nil
}

func (m *minioArchive) EnsureBucketExists(ctx context.Context) error {
	found, err := m.store.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !found {
		log.Info().Str("bucket", m.bucket).Msg("creating webhook archive bucket")
		return m.store.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

// Ping checks the archive bucket is reachable
func (m *minioArchive) Ping(ctx context.Context) error {
	found, err := m.store.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("bucket %s does not exist", m.bucket)
	}
	return nil
}

type noopArchive struct{}

// NewNoopArchiveService is used when archiving is disabled
func NewNoopArchiveService() ArchiveService {
	return noopArchive{}
}

func (noopArchive) ArchiveWebhook(context.Context, string, string, []byte, time.Time) error {
	return nil
}

func (noopArchive) EnsureBucketExists(context.Context) error {
	return nil
}

func (noopArchive) Ping(context.Context) error {
	return nil
}
