package persist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backend is an alternate persist.Backend writing dumps as objects,
// the same role storage/persistence-s3.go's S3Storage plays for durable
// off-box storage of columns and logs in the teacher.
type S3Backend struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	Bucket          string
	Prefix          string
	ForcePathStyle  bool

	mu     sync.Mutex
	client *s3.Client
}

func (b *S3Backend) ensureClient() (*s3.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if b.Region != "" {
		opts = append(opts, config.WithRegion(b.Region))
	}
	if b.AccessKeyID != "" && b.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.AccessKeyID, b.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("persist: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if b.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(b.Endpoint) })
	}
	if b.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	b.client = s3.NewFromConfig(cfg, s3Opts...)
	return b.client, nil
}

func (b *S3Backend) key(name string) string {
	if b.Prefix == "" {
		return name
	}
	return b.Prefix + "/" + name
}

type s3WriteCloser struct {
	backend *S3Backend
	key     string
	buf     bytes.Buffer
}

func (w *s3WriteCloser) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *s3WriteCloser) Close() error {
	client, err := w.backend.ensureClient()
	if err != nil {
		return err
	}
	_, err = client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(w.backend.Bucket),
		Key:    aws.String(w.key),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("persist: s3 put %q: %w", w.key, err)
	}
	return nil
}

func (b *S3Backend) Write(name string) (io.WriteCloser, error) {
	return &s3WriteCloser{backend: b, key: b.key(name)}, nil
}

func (b *S3Backend) Read(name string) (io.ReadCloser, error) {
	client, err := b.ensureClient()
	if err != nil {
		return nil, err
	}
	resp, err := client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		return nil, fmt.Errorf("persist: s3 get %q: %w", b.key(name), err)
	}
	return resp.Body, nil
}
