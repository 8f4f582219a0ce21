// Package s3 provides an S3-backed ObjectStorage for publishing containers.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/trialflow/trialflow/pkg/interfaces"
)

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region (e.g., "us-east-1")
	Region string

	// Bucket holds every object written by the client.
	Bucket string

	// Prefix is prepended to every key.
	Prefix string

	// Endpoint overrides the default S3 endpoint (for S3-compatible services)
	Endpoint string

	// UsePathStyle forces path-style addressing (for MinIO, LocalStack)
	UsePathStyle bool

	// Credentials (optional - uses default chain if not provided)
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	OperationTimeout time.Duration
	TransferTimeout  time.Duration
}

// DefaultConfig returns sensible defaults for S3 configuration.
func DefaultConfig(bucket, region string) Config {
	return Config{
		Bucket:           bucket,
		Region:           region,
		OperationTimeout: 30 * time.Second,
		TransferTimeout:  5 * time.Minute,
	}
}

// API is the subset of the S3 client used here.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Client implements interfaces.ObjectStorage on one bucket.
type Client struct {
	cfg Config
	api API
}

// NewAWSClient builds an S3 API client from cfg using the default
// credential chain unless static credentials are set.
func NewAWSClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewClient creates an ObjectStorage backed by a real S3 client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	api, err := NewAWSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithAPI(cfg, api), nil
}

// NewWithAPI creates an ObjectStorage over any S3-compatible API.
func NewWithAPI(cfg Config, api API) *Client {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 5 * time.Minute
	}
	return &Client{cfg: cfg, api: api}
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string {
	return c.cfg.Bucket
}

// Scheme returns "s3".
func (c *Client) Scheme() string {
	return "s3"
}

func (c *Client) key(k string) string {
	if c.cfg.Prefix == "" {
		return k
	}
	return path.Join(c.cfg.Prefix, k)
}

func (c *Client) unkey(k string) string {
	if c.cfg.Prefix == "" {
		return k
	}
	return strings.TrimPrefix(strings.TrimPrefix(k, c.cfg.Prefix), "/")
}

// Put uploads data to key.
func (c *Client) Put(ctx context.Context, key string, data io.Reader, opts interfaces.PutOptions) error {
	if opts.IfNotExists {
		ok, err := c.Exists(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("object already exists: %s", key)
		}
	}

	// The SDK needs a seekable body to compute the payload hash.
	body, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read upload body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.Bucket),
		Key:           aws.String(c.key(key)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata:      opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if _, err := c.api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", c.cfg.Bucket, key, err)
	}
	return nil
}

// Get returns a reader for key.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)

	output, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.key(key)),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get object %s/%s: %w", c.cfg.Bucket, key, err)
	}

	// Wrap to cancel context on close
	return &cancelOnCloseReader{
		ReadCloser: output.Body,
		cancel:     cancel,
	}, nil
}

type cancelOnCloseReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelOnCloseReader) Close() error {
	r.cancel()
	return r.ReadCloser.Close()
}

// Exists reports whether key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.key(key)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return false, nil
	}
	return false, fmt.Errorf("failed to head object %s/%s: %w", c.cfg.Bucket, key, err)
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.key(key)),
	})
	return err
}

// List lists all objects under prefix, following continuation tokens.
func (c *Client) List(ctx context.Context, prefix string) ([]interfaces.ObjectInfo, error) {
	var all []interfaces.ObjectInfo
	var token *string

	for {
		output, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.cfg.Bucket),
			Prefix:            aws.String(c.key(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range output.Contents {
			all = append(all, interfaces.ObjectInfo{
				Key:          c.unkey(aws.ToString(obj.Key)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}

		if !aws.ToBool(output.IsTruncated) {
			break
		}
		token = output.NextContinuationToken
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	return all, nil
}

var _ interfaces.ObjectStorage = (*Client)(nil)
