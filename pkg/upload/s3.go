package upload

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/docker/go-units"
	"github.com/ethpandaops/ercxoor/pkg/config"
	"github.com/sirupsen/logrus"
)

const (
	defaultRegion  = "us-east-1"
	writeTestKey   = ".ercxoor-write-test"
	defaultMIME    = "application/octet-stream"
	markdownSuffix = ".md"
)

type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates an uploader for S3-compatible storage. optFns are
// applied after the configuration.
func NewS3Uploader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
	optFns ...func(*s3.Options),
) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	return &s3Uploader{
		log:    log.WithField("component", "s3-uploader"),
		cfg:    cfg,
		client: newS3Client(cfg, optFns...),
	}, nil
}

func newS3Client(cfg *config.S3UploadConfig, optFns ...func(*s3.Options)) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.ForcePathStyle,
	}

	if opts.Region == "" {
		opts.Region = defaultRegion
	}

	if cfg.EndpointURL != "" {
		opts.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)
	}

	return s3.New(opts, optFns...)
}

// Preflight implements Uploader.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	key := u.rootPrefix() + "/" + writeTestKey
	body := fmt.Sprintf("ercxoor write test: %s", time.Now().UTC().Format(time.RFC3339))

	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(body),
		ContentType: aws.String("text/plain"),
	}); err != nil {
		return fmt.Errorf("writing test object to s3://%s/%s: %w", u.cfg.Bucket, key, err)
	}

	return nil
}

// Upload implements Uploader.
func (u *s3Uploader) Upload(ctx context.Context, summaryDir string) (int, error) {
	prefix := u.resolvePrefix(filepath.Base(summaryDir))

	var (
		count int
		size  int64
	)

	err := filepath.WalkDir(summaryDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(summaryDir, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		n, err := u.put(ctx, path, prefix+"/"+filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("uploading %s: %w", rel, err)
		}

		count++
		size += n

		return nil
	})
	if err != nil {
		return count, fmt.Errorf("walking directory %s: %w", summaryDir, err)
	}

	u.log.WithFields(logrus.Fields{
		"files":  count,
		"size":   units.HumanSize(float64(size)),
		"bucket": u.cfg.Bucket,
		"prefix": prefix,
	}).Info("Summary uploaded")

	return count, nil
}

func (u *s3Uploader) put(ctx context.Context, localPath, key string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(localPath)),
	}

	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}

	u.log.WithField("key", key).Debug("Uploading file")

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return 0, fmt.Errorf("PutObject: %w", err)
	}

	return info.Size(), nil
}

// resolvePrefix builds the key prefix of a summary directory.
func (u *s3Uploader) resolvePrefix(baseName string) string {
	return u.rootPrefix() + "/" + baseName
}

func (u *s3Uploader) rootPrefix() string {
	return rootPrefix(u.cfg)
}

func rootPrefix(cfg *config.S3UploadConfig) string {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = config.DefaultResultsPrefix
	}

	return strings.TrimRight(prefix, "/")
}

// contentType returns a MIME type based on file extension. Markdown is not
// in every system mime table.
func contentType(path string) string {
	ext := filepath.Ext(path)

	switch ext {
	case "":
		return defaultMIME
	case markdownSuffix:
		return "text/markdown; charset=utf-8"
	}

	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}

	return defaultMIME
}
