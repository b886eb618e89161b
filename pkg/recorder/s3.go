package recorder

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client the recorder uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Config struct {
	Logger *slog.Logger
	Bucket string
	Prefix string
	Region string

	// Client overrides the SDK client, for tests.
	Client S3API
}

func (cfg *S3Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bucket == "" {
		return errors.New("s3 bucket is required")
	}
	return nil
}

// S3Storage persists manifests as versioned-key objects with server-side
// encryption, an MD5 integrity header, and a post-write size check.
type S3Storage struct {
	log    *slog.Logger
	cfg    S3Config
	client S3API
}

func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := cfg.Client
	if client == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: loading aws config: %v", ErrStorage, err)
		}
		client = s3.NewFromConfig(awsCfg)
	}
	return &S3Storage{
		log:    cfg.Logger,
		cfg:    cfg,
		client: client,
	}, nil
}

func (s *S3Storage) Type() string { return "s3" }

func (s *S3Storage) key(epoch uint64) string {
	return path.Join(s.cfg.Prefix, ManifestName(epoch))
}

func (s *S3Storage) Save(ctx context.Context, epoch uint64, data []byte) error {
	sum := md5.Sum(data)
	key := s.key(epoch)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.cfg.Bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ContentMD5:           aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("%w: putting s3://%s/%s: %v", ErrStorage, s.cfg.Bucket, key, err)
	}

	// Read back the object head; a size mismatch means the write did not
	// land intact.
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: verifying s3://%s/%s: %v", ErrStorage, s.cfg.Bucket, key, err)
	}
	if head.ContentLength == nil || *head.ContentLength != int64(len(data)) {
		return fmt.Errorf("%w: s3://%s/%s size mismatch after write", ErrStorage, s.cfg.Bucket, key)
	}

	s.log.Debug("recorder: manifest written",
		"storage", s.Type(), "bucket", s.cfg.Bucket, "key", key, "bytes", len(data))
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, epoch uint64) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(epoch)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: heading s3://%s/%s: %v", ErrStorage, s.cfg.Bucket, s.key(epoch), err)
	}
	return true, nil
}

func (s *S3Storage) Load(ctx context.Context, epoch uint64) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(epoch)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("no manifest for epoch %d", epoch)
		}
		return nil, fmt.Errorf("%w: getting s3://%s/%s: %v", ErrStorage, s.cfg.Bucket, s.key(epoch), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading s3://%s/%s: %v", ErrStorage, s.cfg.Bucket, s.key(epoch), err)
	}
	return data, nil
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "statuscode: 404") || strings.Contains(msg, "notfound")
}

var _ Storage = (*S3Storage)(nil)
