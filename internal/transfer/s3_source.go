package transfer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds the connection settings of an S3 compatible origin.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3Source fetches s3://bucket/key locators.
type S3Source struct {
	client *minio.Client
}

func NewS3Source(cfg S3Config) (*S3Source, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &S3Source{client: client}, nil
}

func (s *S3Source) Open(ctx context.Context, u *url.URL, offset int64) (*Stream, error) {
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, &OriginRejectedError{Locator: u.String(), Reason: "expected s3://bucket/key"}
	}

	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, s3Error(ctx, "stat", u.String(), err)
	}

	if offset > info.Size {
		offset = 0
	}

	opts := minio.GetObjectOptions{}
	if offset > 0 && offset < info.Size {
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, &OriginRejectedError{Locator: u.String(), Reason: "invalid range", Err: err}
		}
	}

	obj, err := s.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, s3Error(ctx, "get", u.String(), err)
	}

	if offset == info.Size {
		// Nothing left to fetch. The object handle is lazy so no request was made.
		obj.Close()

		return &Stream{Body: http.NoBody, Offset: offset, Total: info.Size}, nil
	}

	return &Stream{Body: obj, Offset: offset, Total: info.Size}, nil
}

func s3Error(ctx context.Context, op, locator string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	resp := minio.ToErrorResponse(err)

	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidObjectName":
		return &OriginRejectedError{Locator: locator, StatusCode: resp.StatusCode, Reason: resp.Code, Err: err}
	}

	return &NetworkError{Operation: op, StatusCode: resp.StatusCode, Message: err.Error(), Err: err}
}
