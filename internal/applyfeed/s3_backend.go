package applyfeed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const defaultS3RecordsKey = "applyfeed/applications.json"

// S3RecordStore keeps the record set as one JSON object. PutObject replaces
// the object whole, which gives the atomic-replace semantics SaveAll needs.
type S3RecordStore struct {
	bucket   string
	key      string
	region   string
	endpoint string

	initMu sync.Mutex
	client *s3.Client
}

// NewS3RecordStore accepts s3://bucket/key?region=...&endpoint=... where the
// endpoint switches the client to path-style addressing for S3-compatible
// stores.
func NewS3RecordStore(dsn string) (RecordStore, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(parsed.Host)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidInput)
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	if key == "" {
		key = defaultS3RecordsKey
	}
	return &S3RecordStore{
		bucket:   bucket,
		key:      key,
		region:   strings.TrimSpace(parsed.Query().Get("region")),
		endpoint: strings.TrimSpace(parsed.Query().Get("endpoint")),
	}, nil
}

func (s *S3RecordStore) LoadAll(ctx context.Context) ([]ApplicationRecord, error) {
	client, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return []ApplicationRecord{}, nil
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()
	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	return decodeRecords(payload)
}

func (s *S3RecordStore) SaveAll(ctx context.Context, records []ApplicationRecord) error {
	client, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	payload, err := encodeRecords(records)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (s *S3RecordStore) ensureReady(ctx context.Context) (*s3.Client, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	var opts []func(*config.LoadOptions) error
	if s.region != "" {
		opts = append(opts, config.WithRegion(s.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
			o.UsePathStyle = true
		}
	})
	return s.client, nil
}
