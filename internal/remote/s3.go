package remote

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by S3Source.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures an S3Source.
type S3Config struct {
	Bucket     string
	Prefix     string
	Region     string
	AWSProfile string
	// Static keys, for S3-compatible stores outside AWS. Both empty means
	// the default credential chain.
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint and switches to path-style
	// addressing.
	Endpoint string
	MaxBytes int64
}

// S3Source lists xlsx objects under a bucket prefix. The object key is the
// descriptor ID; single-part ETags double as the MD5 content hash.
type S3Source struct {
	client   S3API
	bucket   string
	prefix   string
	maxBytes int64
}

// NewS3Source builds an S3Source. Static keys win over a shared profile,
// which wins over the default AWS credential chain.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	case cfg.AWSProfile != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SourceWithClient(client, cfg), nil
}

// NewS3SourceWithClient wraps an existing client.
func NewS3SourceWithClient(client S3API, cfg S3Config) *S3Source {
	return &S3Source{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, maxBytes: cfg.MaxBytes}
}

// Name implements Source.
func (s *S3Source) Name() string { return "s3" }

// List implements Source.
func (s *S3Source) List(ctx context.Context) ([]FileDescriptor, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)

	var files []FileDescriptor
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") || !IsXLSX(key) {
				continue
			}
			size := aws.ToInt64(obj.Size)
			if size == 0 {
				continue
			}
			files = append(files, FileDescriptor{
				ID:          key,
				Name:        path.Base(key),
				ContentHash: normalizeMD5(aws.ToString(obj.ETag)),
				Size:        size,
				ModifiedAt:  aws.ToTime(obj.LastModified),
			})
		}
	}
	return files, nil
}

// Download implements Source.
func (s *S3Source) Download(ctx context.Context, id string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, id, err)
	}
	defer out.Body.Close()

	data, err := readLimited(out.Body, s.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, id, err)
	}
	return data, nil
}
