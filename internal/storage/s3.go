package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/amillerrr/revspot-vision/internal/metrics"
)

// Default timeout for s3 operations
const DefaultS3Timeout = 30 * time.Second

const (
	s3Service = "s3"
	// nameMetadataKey holds the display name; object keys stay stable so
	// a rename never changes a file's id.
	nameMetadataKey = "name"
	folderMarker    = "application/x-directory"
)

// S3API is the subset of the S3 client used by S3Client.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Client implements Client on an S3 bucket. Folders are key prefixes
// marked by an empty object, and file ids are object keys.
type S3Client struct {
	api    S3API
	bucket string
	log    *slog.Logger
}

// NewS3Client creates a client for bucket.
func NewS3Client(api S3API, bucket string, log *slog.Logger) *S3Client {
	return &S3Client{api: api, bucket: bucket, log: log}
}

// NewS3ClientFromAWSConfig creates a client from an AWS configuration.
func NewS3ClientFromAWSConfig(cfg aws.Config, bucket string, log *slog.Logger) *S3Client {
	return NewS3Client(s3.NewFromConfig(cfg), bucket, log)
}

// Factory returns a Factory that ignores user credentials; bucket access
// uses the process's AWS credentials.
func (c *S3Client) Factory() Factory {
	return func(ctx context.Context, ts oauth2.TokenSource) (Client, error) {
		return c, nil
	}
}

// Ping checks the bucket is reachable.
func (c *S3Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return err
}

func (c *S3Client) FindOrCreateFolder(ctx context.Context, name string) (string, error) {
	ctx, span := tracer.Start(ctx, "s3-find-or-create-folder")
	defer span.End()

	prefix := strings.Trim(name, "/") + "/"
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(prefix),
	})
	if err == nil {
		return prefix, nil
	}
	if !isNotFound(err) {
		span.RecordError(err)
		return "", s3Error("find-folder", err)
	}

	// PutObject is idempotent, so concurrent creators converge.
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(prefix),
		Body:        bytes.NewReader(nil),
		ContentType: aws.String(folderMarker),
	})
	if err != nil {
		span.RecordError(err)
		return "", s3Error("create-folder", err)
	}

	c.log.InfoContext(ctx, "Created folder", "folder", name, "prefix", prefix)
	return prefix, nil
}

func (c *S3Client) ListFiles(ctx context.Context, folderID string, keep func(File) bool) ([]File, error) {
	ctx, span := tracer.Start(ctx, "s3-list-files")
	defer span.End()

	var out []File
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(folderID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			span.RecordError(err)
			return nil, s3Error("list", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == folderID {
				continue
			}
			file, err := c.GetFile(ctx, key)
			if err != nil {
				return nil, err
			}
			if keep == nil || keep(*file) {
				out = append(out, *file)
			}
		}
	}

	span.SetAttributes(attribute.Int("files.count", len(out)))
	return out, nil
}

func (c *S3Client) GetFile(ctx context.Context, id string) (*File, error) {
	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, s3Error("get", err)
	}

	name := head.Metadata[nameMetadataKey]
	if name == "" {
		name = path.Base(id)
	}
	return &File{
		ID:         id,
		Name:       name,
		MimeType:   aws.ToString(head.ContentType),
		Size:       aws.ToInt64(head.ContentLength),
		ModifiedAt: aws.ToTime(head.LastModified),
	}, nil
}

func (c *S3Client) DownloadFile(ctx context.Context, id string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "s3-download")
	defer span.End()

	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		span.RecordError(err)
		return nil, s3Error("download", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		span.RecordError(err)
		return nil, s3Error("download", err)
	}
	return data, nil
}

func (c *S3Client) CreateFile(ctx context.Context, req CreateFileRequest) (*File, error) {
	ctx, span := tracer.Start(ctx, "s3-create-file")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := req.ParentID + uuid.NewString() + strings.ToLower(path.Ext(req.Name))
	span.SetAttributes(
		attribute.String("file.key", key),
		attribute.Int("file.size_bytes", len(req.Data)),
	)

	body := NewProgressReader(bytes.NewReader(req.Data), int64(len(req.Data)), req.OnProgress)
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(c.bucket),
		Key:                aws.String(key),
		Body:               body,
		ContentLength:      aws.Int64(int64(len(req.Data))),
		ContentType:        aws.String(req.MimeType),
		ContentDisposition: aws.String(contentDisposition(req.Name)),
		Metadata:           map[string]string{nameMetadataKey: req.Name},
	})
	if err != nil {
		span.RecordError(err)
		return nil, s3Error("create", err)
	}
	if req.OnProgress != nil {
		req.OnProgress(100)
	}

	metrics.UploadedBytes.Add(float64(len(req.Data)))
	c.log.InfoContext(ctx, "Uploaded file", "key", key, "name", req.Name, "sizeBytes", len(req.Data))

	return &File{ID: key, Name: req.Name, MimeType: req.MimeType, Size: int64(len(req.Data))}, nil
}

// RenameFile rewrites the object's metadata in place with the new name.
func (c *S3Client) RenameFile(ctx context.Context, id, newName string) error {
	ctx, span := tracer.Start(ctx, "s3-rename-file")
	defer span.End()

	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		span.RecordError(err)
		return s3Error("rename", err)
	}

	_, err = c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:             aws.String(c.bucket),
		Key:                aws.String(id),
		CopySource:         aws.String(url.PathEscape(c.bucket + "/" + id)),
		MetadataDirective:  types.MetadataDirectiveReplace,
		Metadata:           map[string]string{nameMetadataKey: newName},
		ContentType:        head.ContentType,
		ContentDisposition: aws.String(contentDisposition(newName)),
	})
	if err != nil {
		span.RecordError(err)
		return s3Error("rename", err)
	}
	return nil
}

func contentDisposition(name string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}

func s3Error(op string, err error) error {
	var apiErr smithy.APIError
	unauthorized := errors.As(err, &apiErr) && (apiErr.ErrorCode() == "AccessDenied" || apiErr.ErrorCode() == "InvalidAccessKeyId")
	return wrapError(s3Service, op, err, unauthorized)
}
