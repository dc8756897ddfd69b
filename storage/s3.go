package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"fileconverter/config"
)

// S3 stores objects in a bucket, optionally against an S3-compatible
// endpoint (MinIO and friends) via path-style addressing.
type S3 struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	maxSize  int64
}

func NewS3(cfg *config.Config) *S3 {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.S3AccessKey,
			cfg.S3SecretKey,
			"",
		),
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess := session.Must(session.NewSession(awsCfg))

	return &S3{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.S3Bucket,
		maxSize:  cfg.MaxFileSize,
	}
}

func (s *S3) Put(ctx context.Context, r io.Reader, suggestedName string) (Object, error) {
	name, err := SanitizeName(suggestedName)
	if err != nil {
		return Object{}, err
	}
	key := GenerateKey(name)

	lr := &limitedReader{r: r, max: s.maxSize}
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   lr,
	})
	if err != nil {
		if isPayloadTooLarge(err) {
			return Object{}, ErrPayloadTooLarge
		}
		return Object{}, fmt.Errorf("upload to s3: %w", err)
	}

	return Object{Key: key, OriginalName: name, SizeBytes: lr.n, CreatedAt: time.Now()}, nil
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get from s3: %w", err)
	}
	return out.Body, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	// S3 deletes are idempotent; probe first so missing keys report NotFound
	// like the local backend does.
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		return fmt.Errorf("head s3 object: %w", err)
	}

	_, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete from s3: %w", err)
	}
	return nil
}

func (s *S3) List(ctx context.Context, olderThan time.Duration) ([]Object, error) {
	cutoff := time.Now().Add(-olderThan)
	var out []Object

	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if obj.LastModified != nil && obj.LastModified.After(cutoff) {
				continue
			}
			out = append(out, Object{
				Key:       aws.StringValue(obj.Key),
				SizeBytes: aws.Int64Value(obj.Size),
				CreatedAt: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list s3 objects: %w", err)
	}
	return out, nil
}

func (s *S3) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			st.Objects++
			st.TotalBytes += aws.Int64Value(obj.Size)
		}
		return true
	})
	if err != nil {
		return Stats{}, fmt.Errorf("list s3 objects: %w", err)
	}
	return st, nil
}

// isPayloadTooLarge recognizes the limited reader's sentinel through the
// SDK's awserr wrapping, which predates Go error chains; OrigErr is the
// only reliable way back to the reader error.
func isPayloadTooLarge(err error) bool {
	for err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			return true
		}
		var aerr awserr.Error
		if !errors.As(err, &aerr) {
			return false
		}
		err = aerr.OrigErr()
	}
	return false
}

func isNoSuchKey(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
