package staging

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/flowdeploy-go/internal/domain/execution"
	"github.com/flowdeploy-go/pkg/config"
	"github.com/flowdeploy-go/pkg/logger"
	"github.com/flowdeploy-go/pkg/metrics"
)

// S3Store stages files as objects under <prefix>/<workflowID>/<executionID>/.
type S3Store struct {
	client   s3iface.S3API
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
	logger   logger.Logger
}

// NewS3Client builds a client from config. A custom endpoint enables
// path-style addressing for MinIO.
func NewS3Client(cfg config.StagingConfig) (s3iface.S3API, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return s3.New(sess), nil
}

func NewS3Store(client s3iface.S3API, bucket, prefix string, log logger.Logger) *S3Store {
	return &S3Store{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		logger:   log,
	}
}

func (s *S3Store) dirKey(workflowID, executionID string) (string, error) {
	if err := checkKeys(workflowID, executionID); err != nil {
		return "", err
	}
	return path.Join(s.prefix, workflowID, executionID) + "/", nil
}

func (s *S3Store) Stage(ctx context.Context, workflowID, executionID string, files []File) (map[string]execution.FileHash, error) {
	dir, err := s.dirKey(workflowID, executionID)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]execution.FileHash, len(files))

	for _, f := range files {
		name, err := CleanName(f.Name)
		if err != nil {
			return nil, err
		}
		fh, err := s.upload(ctx, dir+name, name, f)
		if err != nil {
			return nil, err
		}
		hashes[name] = fh
	}
	return hashes, nil
}

func (s *S3Store) upload(ctx context.Context, key, name string, f File) (execution.FileHash, error) {
	src, err := f.Open()
	if err != nil {
		return execution.FileHash{}, fmt.Errorf("failed to open upload %s: %w", name, err)
	}
	defer src.Close()

	hr := newHashingReader(ctx, src, f.ContentType)
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        hr,
		ContentType: aws.String(hr.mime),
	})
	if err != nil {
		return execution.FileHash{}, fmt.Errorf("failed to upload %s: %w", name, err)
	}
	metrics.StagedBytesTotal.Add(float64(hr.n))

	return execution.FileHash{
		FilePath: fmt.Sprintf("s3://%s/%s", s.bucket, key),
		FileName: name,
		FileHash: hr.Sum(),
		MimeType: hr.mime,
		FileSize: hr.n,
		Source:   SourceAPI,
	}, nil
}

func (s *S3Store) DeleteStagingDir(ctx context.Context, workflowID, executionID string) error {
	dir, err := s.dirKey(workflowID, executionID)
	if err != nil {
		return err
	}

	var objects []*s3.ObjectIdentifier
	err = s.client.ListObjectsV2PagesWithContext(ctx,
		&s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(dir),
		},
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				objects = append(objects, &s3.ObjectIdentifier{Key: obj.Key})
			}
			return true
		})
	if err != nil {
		return fmt.Errorf("failed to list staged objects: %w", err)
	}

	// DeleteObjects accepts at most 1000 keys per call
	for start := 0; start < len(objects); start += 1000 {
		end := start + 1000
		if end > len(objects) {
			end = len(objects)
		}
		_, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3.Delete{Objects: objects[start:end], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete staged objects: %w", err)
		}
	}
	return nil
}

// New selects the store configured by cfg.Backend.
func New(cfg config.StagingConfig, log logger.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.RootDir, log)
	case "s3":
		client, err := NewS3Client(cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Store(client, cfg.S3Bucket, cfg.S3Prefix, log), nil
	default:
		return nil, fmt.Errorf("unsupported staging backend %q", cfg.Backend)
	}
}
