package aws

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/StoneLin0708/language-model-playground/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectAPI is the subset of the S3 client the mirror uses
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewS3Client creates an S3 client from the default credential chain
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// CheckpointMirror copies checkpoint artifacts to an S3 bucket and deletes
// them there once retention prunes them locally
type CheckpointMirror struct {
	api    ObjectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

// NewCheckpointMirror creates a mirror writing objects under prefix in bucket
func NewCheckpointMirror(api ObjectAPI, bucket, prefix string, logger *slog.Logger) *CheckpointMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointMirror{
		api:    api,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

// Key returns the object key for a local artifact name
func (m *CheckpointMirror) Key(name string) string {
	return path.Join(m.prefix, filepath.Base(name))
}

// CheckpointSaved uploads the model artifact, then the optimizer artifact
func (m *CheckpointMirror) CheckpointSaved(ctx context.Context, ckpt models.Checkpoint) error {
	for _, p := range []string{ckpt.ModelPath, ckpt.OptimizerPath} {
		if err := m.UploadFile(ctx, p); err != nil {
			return err
		}
	}
	m.logger.Debug("mirrored checkpoint", "bucket", m.bucket, "step", ckpt.Step)
	return nil
}

// CheckpointsPruned deletes the mirrored copies of removed artifacts
func (m *CheckpointMirror) CheckpointsPruned(ctx context.Context, dir string, removed []string) error {
	for _, name := range removed {
		_, err := m.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(m.Key(name)),
		})
		if err != nil {
			return fmt.Errorf("failed to delete s3://%s/%s: %w", m.bucket, m.Key(name), err)
		}
	}
	return nil
}

// UploadFile copies one local file into the bucket
func (m *CheckpointMirror) UploadFile(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	key := m.Key(localPath)
	_, err = m.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to s3://%s/%s: %w", localPath, m.bucket, key, err)
	}
	return nil
}
