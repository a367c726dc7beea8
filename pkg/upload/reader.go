package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/ercxoor/pkg/config"
	"github.com/ethpandaops/ercxoor/pkg/summary"
	"github.com/sirupsen/logrus"
)

// ErrSummaryNotFound is returned when a run has no uploaded summary.
var ErrSummaryNotFound = errors.New("summary not found")

// Reader reads uploaded run summaries back from remote storage.
type Reader interface {
	// ListRuns returns the uploaded run directory names, newest first.
	ListRuns(ctx context.Context) ([]string, error)

	// GetSummary fetches and decodes the summary of one run.
	GetSummary(ctx context.Context, run string) (*summary.Summary, error)
}

type s3Reader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Reader = (*s3Reader)(nil)

// NewS3Reader creates a Reader over the bucket summaries are uploaded to.
func NewS3Reader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
	optFns ...func(*s3.Options),
) (Reader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	return &s3Reader{
		log:    log.WithField("component", "s3-reader"),
		cfg:    cfg,
		client: newS3Client(cfg, optFns...),
	}, nil
}

// ListRuns implements Reader.
func (r *s3Reader) ListRuns(ctx context.Context) ([]string, error) {
	root := rootPrefix(r.cfg) + "/"

	prefixes, err := r.listPrefixes(ctx, root)
	if err != nil {
		return nil, err
	}

	runs := make([]string, 0, len(prefixes))

	for _, p := range prefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(p, root), "/")
		if name != "" {
			runs = append(runs, name)
		}
	}

	// Run names start with a unix timestamp.
	sort.Sort(sort.Reverse(sort.StringSlice(runs)))

	r.log.WithFields(logrus.Fields{
		"bucket": r.cfg.Bucket,
		"prefix": root,
		"runs":   len(runs),
	}).Debug("Listed uploaded runs")

	return runs, nil
}

// GetSummary implements Reader.
func (r *s3Reader) GetSummary(ctx context.Context, run string) (*summary.Summary, error) {
	key := rootPrefix(r.cfg) + "/" + strings.Trim(run, "/") + "/" + summary.JSONFile

	data, err := r.getObject(ctx, key)
	if err != nil {
		return nil, err
	}

	if data == nil {
		return nil, fmt.Errorf("%s: %w", run, ErrSummaryNotFound)
	}

	var s summary.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}

	return &s, nil
}

// listPrefixes lists the immediate sub-prefixes under prefix.
func (r *s3Reader) listPrefixes(ctx context.Context, prefix string) ([]string, error) {
	var prefixes []string

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing prefixes under %q: %w", prefix, err)
		}

		for _, cp := range page.CommonPrefixes {
			if cp.Prefix != nil {
				prefixes = append(prefixes, *cp.Prefix)
			}
		}
	}

	return prefixes, nil
}

// getObject returns the contents of key, or nil if it does not exist.
func (r *s3Reader) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

// isNotFound reports whether err means the object does not exist. Some
// S3-compatible stores only put the code in the message.
func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}
