package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

// S3Config contains S3-specific configuration
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `yaml:"bucket"`

	// Region is the AWS region
	Region string `yaml:"region"`

	// Prefix is the key prefix for objects
	Prefix string `yaml:"prefix,omitempty"`

	// Compression is applied to every uploaded object (none, gzip, snappy)
	Compression CompressionType `yaml:"compression,omitempty"`

	// StorageClass is the S3 storage class (STANDARD, GLACIER, etc.)
	StorageClass string `yaml:"storage_class,omitempty"`

	// Endpoint for S3-compatible services (e.g., MinIO)
	Endpoint string `yaml:"endpoint,omitempty"`

	// UsePathStyle forces path-style addressing
	UsePathStyle bool `yaml:"use_path_style,omitempty"`
}

// DefaultS3Config returns default S3 configuration
func DefaultS3Config() S3Config {
	return S3Config{
		Region:      "us-east-1",
		Prefix:      "marian/",
		Compression: CompressionGzip,
	}
}

// S3Sink uploads the events of each pass as one NDJSON object under
// <prefix><run id>/<yyyy>/<mm>/<dd>/<unix nano>.ndjson[.ext]
type S3Sink struct {
	config     S3Config
	client     *s3.Client
	compressor Compressor
	src        Source
	now        func() time.Time

	mu      sync.Mutex
	pending bytes.Buffer
	count   int
}

// NewS3Sink loads AWS credentials from the default chain and creates a client
func NewS3Sink(ctx context.Context, s3Config S3Config, src Source) (*S3Sink, error) {
	if s3Config.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}

	if s3Config.Region == "" {
		return nil, fmt.Errorf("no region specified")
	}

	compressor, err := GetCompressor(s3Config.Compression)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(s3Config.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if s3Config.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s3Config.Endpoint)
			o.UsePathStyle = s3Config.UsePathStyle
		})
	}

	return &S3Sink{
		config:     s3Config,
		client:     s3.NewFromConfig(cfg, opts...),
		compressor: compressor,
		src:        src,
		now:        time.Now,
	}, nil
}

func (s *S3Sink) Write(ctx context.Context, event types.MetricEvent) error {
	data, err := json.Marshal(NewRecord(s.src, event, s.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending.Write(data)
	s.pending.WriteByte('\n')
	s.count++

	return nil
}

// Flush uploads the pending records as a single object. Records stay
// pending until the upload succeeds.
func (s *S3Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return nil
	}

	body, err := s.compressor.Compress(s.pending.Bytes())
	if err != nil {
		return fmt.Errorf("failed to compress data: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.objectKey(s.now())),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	}
	if s.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.config.StorageClass)
	}
	if encoding := s.compressor.ContentEncoding(); encoding != "" {
		input.ContentEncoding = aws.String(encoding)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	s.pending.Reset()
	s.count = 0
	return nil
}

func (s *S3Sink) objectKey(now time.Time) string {
	now = now.UTC()

	run := s.src.RunID
	if run == "" {
		run = "default"
	}

	var key strings.Builder
	key.WriteString(s.config.Prefix)
	fmt.Fprintf(&key, "%s/%s/%d.ndjson", run, now.Format("2006/01/02"), now.UnixNano())
	key.WriteString(s.compressor.Extension())
	return key.String()
}

func (s *S3Sink) Name() string {
	return "s3"
}

func (s *S3Sink) Close() error {
	return s.Flush(context.Background())
}
