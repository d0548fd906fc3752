package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/ossgate/ossgate/internal/config"
	apperr "github.com/ossgate/ossgate/internal/errors"
)

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	PutBucketAcl(ctx context.Context, params *s3.PutBucketAclInput, optFns ...func(*s3.Options)) (*s3.PutBucketAclOutput, error)
	PutObjectAcl(ctx context.Context, params *s3.PutObjectAclInput, optFns ...func(*s3.Options)) (*s3.PutObjectAclOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
}

// S3Backend implements Backend against one S3-compatible region. Bucket
// names map one-to-one to upstream buckets.
type S3Backend struct {
	// RegionID is the configured region id, used in logs.
	RegionID string
	// Region is the signing region sent to the endpoint.
	Region string

	client S3API
}

// NewS3Backend builds an S3 client for the region. Static credentials are
// used when configured, otherwise the default AWS credential chain.
func NewS3Backend(ctx context.Context, rc config.RegionConfig) (*S3Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(rc.Region))

	if rc.AccessKey != "" && rc.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(rc.AccessKey, rc.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for region %q: %w", rc.ID, err)
	}

	var s3Opts []func(*s3.Options)
	if rc.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(rc.Endpoint)
		})
	}
	if rc.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	// Non-AWS endpoints (Ceph RGW, MinIO) reject the default CRC32 trailers.
	s3Opts = append(s3Opts, func(o *s3.Options) {
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	b := &S3Backend{
		RegionID: rc.ID,
		Region:   rc.Region,
		client:   s3.NewFromConfig(cfg, s3Opts...),
	}

	log.Info().Str("region_id", rc.ID).Str("endpoint", rc.Endpoint).Bool("path_style", rc.PathStyle).
		Msg("S3 backend initialized")
	return b, nil
}

// NewS3BackendWithClient creates an S3Backend around a pre-configured client.
// This is primarily used for testing with mock clients.
func NewS3BackendWithClient(regionID, region string, client S3API) *S3Backend {
	return &S3Backend{RegionID: regionID, Region: region, client: client}
}

// CreateBucket creates the upstream bucket. Buckets outside us-east-1 carry a
// location constraint.
func (b *S3Backend) CreateBucket(ctx context.Context, bucket string) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if b.Region != "" && b.Region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.Region),
		}
	}
	_, err := b.client.CreateBucket(ctx, in)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) || hasCode(err, "BucketAlreadyOwnedByYou") {
			return nil
		}
		return apperr.FromBackend("creating bucket", err)
	}
	return nil
}

// DeleteBucket removes the upstream bucket. A missing bucket is not an error.
func (b *S3Backend) DeleteBucket(ctx context.Context, bucket string) error {
	_, err := b.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		if isAWSNotFound(err) {
			return nil
		}
		return apperr.FromBackend("deleting bucket", err)
	}
	return nil
}

// EnableVersioning turns on upstream versioning for the bucket.
func (b *S3Backend) EnableVersioning(ctx context.Context, bucket string) error {
	_, err := b.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(bucket),
		VersioningConfiguration: &types.VersioningConfiguration{
			Status: types.BucketVersioningStatusEnabled,
		},
	})
	if err != nil {
		return apperr.FromBackend("enabling versioning", err)
	}
	return nil
}

// PutBucketACL applies a canned ACL to the bucket.
func (b *S3Backend) PutBucketACL(ctx context.Context, bucket, acl string) error {
	_, err := b.client.PutBucketAcl(ctx, &s3.PutBucketAclInput{
		Bucket: aws.String(bucket),
		ACL:    types.BucketCannedACL(acl),
	})
	if err != nil {
		return apperr.FromBackend("setting bucket acl", err)
	}
	return nil
}

// PutObjectACL applies a canned ACL to the object.
func (b *S3Backend) PutObjectACL(ctx context.Context, bucket, key, acl string) error {
	_, err := b.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		ACL:    types.ObjectCannedACL(acl),
	})
	if err != nil {
		return apperr.FromBackend("setting object acl", err)
	}
	return nil
}

// CreateMultipartUpload opens a multipart session, optionally with a canned ACL.
func (b *S3Backend) CreateMultipartUpload(ctx context.Context, bucket, key, acl string) (string, error) {
	in := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	}
	if acl != "" {
		in.ACL = types.ObjectCannedACL(acl)
	}
	resp, err := b.client.CreateMultipartUpload(ctx, in)
	if err != nil {
		return "", apperr.FromBackend("creating multipart upload", err)
	}
	return aws.ToString(resp.UploadId), nil
}

// UploadPart uploads one part and returns its ETag.
func (b *S3Backend) UploadPart(ctx context.Context, bucket, key, uploadID string, number int32, data []byte) (string, error) {
	resp, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", apperr.FromBackend(fmt.Sprintf("uploading part %d", number), err)
	}
	return aws.ToString(resp.ETag), nil
}

// CompleteMultipartUpload assembles the parts in order.
func (b *S3Backend) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []Part) (*CompletedUpload, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}
	resp, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, apperr.FromBackend("completing multipart upload", err)
	}
	return &CompletedUpload{
		ETag:      strings.Trim(aws.ToString(resp.ETag), `"`),
		VersionID: aws.ToString(resp.VersionId),
	}, nil
}

// AbortMultipartUpload releases a half-open session.
func (b *S3Backend) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return apperr.FromBackend("aborting multipart upload", err)
	}
	return nil
}

// GetRange issues a ranged GET for bytes offset..offset+length-1.
func (b *S3Backend) GetRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, apperr.FromBackend("reading object range", err)
	}
	return resp.Body, nil
}

// HeadObject returns size, ETag and version of the object.
func (b *S3Backend) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	resp, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, apperr.FromBackend("heading object", err)
	}
	return &ObjectInfo{
		Size:      aws.ToInt64(resp.ContentLength),
		ETag:      strings.Trim(aws.ToString(resp.ETag), `"`),
		VersionID: aws.ToString(resp.VersionId),
	}, nil
}

// DeleteObject removes an object. S3 DeleteObject is idempotent on missing
// keys; a NoSuchBucket is still reported.
func (b *S3Backend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperr.FromBackend("deleting object", err)
	}
	return nil
}

// HealthCheck lists buckets to verify credentials and reachability.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListBuckets(ctx, &s3.ListBucketsInput{MaxBuckets: aws.Int32(1)})
	if err != nil {
		return apperr.FromBackend("health check", err)
	}
	return nil
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NoSuchBucket error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound", "404":
			return true
		}
	}
	return false
}

func hasCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
