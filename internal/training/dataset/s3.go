package dataset

import (
	"bytes"
	"context"
	"io"

	"github.com/dropbox/godropbox/time2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// S3Config S3 / MinIO 连接配置
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
}

// S3Store 基于 S3 兼容对象存储的数据集存储
type S3Store struct {
	client *minio.Client
	bucket string
	region string
	clock  time2.Clock
}

// NewS3Client 创建 minio 客户端
func NewS3Client(cfg S3Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create s3 client")
	}
	return client, nil
}

// NewS3Store 创建 S3 数据集存储
func NewS3Store(client *minio.Client, bucket string, region string, clock time2.Clock) *S3Store {
	if clock == nil {
		clock = time2.DefaultClock
	}
	return &S3Store{client: client, bucket: bucket, region: region, clock: clock}
}

// EnsureBucket 确保 bucket 存在
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrap(err, "failed to check bucket")
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return errors.Wrap(err, "failed to create bucket")
	}
	log.Info().Str("bucket", s.bucket).Msg("Dataset bucket created")
	return nil
}

// Store 上传数据集，对象键为 <session_id>/<timestamp>.dataset.csv
func (s *S3Store) Store(ctx context.Context, data []byte, sessionID string, meta Metadata) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyDataset
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	key := sessionID + "/" + objectName(s.clock.Now())

	opts := minio.PutObjectOptions{ContentType: contentType}
	if meta.OriginalFilename != "" {
		opts.UserMetadata = map[string]string{"original-filename": meta.OriginalFilename}
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", errors.Wrap(err, "failed to upload dataset")
	}

	ref := Reference{Scheme: SchemeS3, Container: s.bucket, Key: key}
	log.Debug().
		Str("session_id", sessionID).
		Str("dataset_ref", ref.String()).
		Int("size", len(data)).
		Msg("Dataset uploaded")
	return ref.String(), nil
}

// Fetch 下载数据集
func (s *S3Store) Fetch(ctx context.Context, ref string) ([]byte, error) {
	parsed, err := ParseReference(ref)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != SchemeS3 {
		return nil, errors.Wrapf(ErrInvalidReference, "unexpected scheme %q", parsed.Scheme)
	}

	obj, err := s.client.GetObject(ctx, parsed.Container, parsed.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get dataset object")
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errors.Wrap(ErrNotFound, ref)
		}
		return nil, errors.Wrap(err, "failed to read dataset object")
	}
	return data, nil
}
