package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures the S3 anchor backend. Endpoint is optional and
// supports S3-compatible stores (MinIO, R2) with path-style addressing.
type S3Config struct {
	Bucket          string
	Prefix          string // key prefix, default "anchors/"
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	// RetainFor enables S3 Object Lock compliance retention on each pinned
	// record. Zero disables retention (the bucket may still enforce its own).
	RetainFor time.Duration
}

// S3Backend pins anchor records as immutable S3 objects.
type S3Backend struct {
	client    S3API
	bucket    string
	prefix    string
	retainFor time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewS3 builds a backend with a real S3 client.
func NewS3(cfg S3Config, logger *zap.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("anchor: s3 bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("anchor: s3 credentials are required")
	}
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	}
	if opts.Region == "" {
		opts.Region = "auto"
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return NewS3WithClient(s3.New(opts), cfg, logger), nil
}

// NewS3WithClient builds a backend over an existing client. Used by tests.
func NewS3WithClient(client S3API, cfg S3Config, logger *zap.Logger) *S3Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "anchors/"
	}
	return &S3Backend{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    prefix,
		retainFor: cfg.RetainFor,
		logger:    logger,
		now:       time.Now,
	}
}

func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) key(anchorID string) string {
	return path.Join(b.prefix, fmt.Sprintf("merkle_anchor_%s.json", anchorID))
}

// Pin uploads the record, requesting Object Lock compliance retention when
// configured. The returned confirmation carries the object version id on
// versioned buckets.
func (b *S3Backend) Pin(ctx context.Context, rec *Record) (*Confirmation, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("anchor: marshal record: %w", err)
	}
	key := b.key(rec.AnchorID)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if b.retainFor > 0 {
		input.ObjectLockMode = types.ObjectLockModeCompliance
		input.ObjectLockRetainUntilDate = aws.Time(b.now().Add(b.retainFor))
	}

	out, err := b.client.PutObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("anchor: put s3://%s/%s: %w", b.bucket, key, err)
	}
	return &Confirmation{
		Backend:   b.Name(),
		Location:  fmt.Sprintf("s3://%s/%s", b.bucket, key),
		VersionID: aws.ToString(out.VersionId),
	}, nil
}

// Find lists pinned records under the prefix and returns the first matching
// both the Merkle root and the genesis id.
func (b *S3Backend) Find(ctx context.Context, merkleRoot, genesisID string) (*Record, error) {
	var token *string
	for {
		page, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("anchor: list s3://%s/%s: %w", b.bucket, b.prefix, err)
		}
		for _, obj := range page.Contents {
			rec, err := b.fetch(ctx, aws.ToString(obj.Key))
			if err != nil {
				b.logger.Warn("skipping unreadable anchor object",
					zap.String("key", aws.ToString(obj.Key)), zap.Error(err))
				continue
			}
			if rec.MerkleRoot == merkleRoot && rec.GenesisID == genesisID {
				return rec, nil
			}
		}
		if page.NextContinuationToken == nil {
			return nil, nil
		}
		token = page.NextContinuationToken
	}
}

func (b *S3Backend) fetch(ctx context.Context, key string) (*Record, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
