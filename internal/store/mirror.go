package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Mirror replicates backup slots to off-site storage. Mirroring is strictly
// best-effort; a mirror failure never fails a renewal commit.
type Mirror interface {
	Put(ctx context.Context, key string, data []byte) error
}

// S3Mirror ships backup slots to an S3-compatible endpoint.
type S3Mirror struct {
	logger zerolog.Logger
	client *s3.Client
	bucket string
}

// NewS3Mirror creates a mirror against an S3-compatible endpoint with static
// credentials and path-style addressing.
func NewS3Mirror(logger zerolog.Logger, endpoint, bucket, accessKey, secretKey string) *S3Mirror {
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(endpoint),
		Region:       "us-east-1",
		Credentials:  credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		UsePathStyle: true,
	})
	return &S3Mirror{
		logger: logger.With().Str("component", "s3-mirror").Logger(),
		client: client,
		bucket: bucket,
	}
}

func (m *S3Mirror) Put(ctx context.Context, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// mirrorBackupSlot uploads every file of a freshly created backup slot under
// a key mirroring the on-disk layout.
func (s *Store) mirrorBackupSlot(slotDir string) {
	rel, err := filepath.Rel(s.root, slotDir)
	if err != nil {
		rel = filepath.Base(slotDir)
	}
	entries, err := os.ReadDir(slotDir)
	if err != nil {
		s.logger.Warn().Err(err).Str("slot", slotDir).Msg("mirror: read slot")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(slotDir, e.Name()))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", e.Name()).Msg("mirror: read file")
			continue
		}
		key := filepath.ToSlash(filepath.Join(rel, e.Name()))
		if err := s.mirror.Put(ctx, key, data); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("mirror: upload failed")
		}
	}
}
