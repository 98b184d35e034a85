package blobstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// mockS3API is a func-field implementation of S3API for testing
type mockS3API struct {
	headBucketFunc    func(ctx context.Context, in *s3.HeadBucketInput) (*s3.HeadBucketOutput, error)
	headObjectFunc    func(ctx context.Context, in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error)
	deleteObjectFunc  func(ctx context.Context, in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error)
	listObjectsV2Func func(ctx context.Context, in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error)
}

func (m *mockS3API) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.headBucketFunc != nil {
		return m.headBucketFunc(ctx, in)
	}
	return nil, fmt.Errorf("HeadBucket not implemented")
}

func (m *mockS3API) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headObjectFunc != nil {
		return m.headObjectFunc(ctx, in)
	}
	return nil, fmt.Errorf("HeadObject not implemented")
}

func (m *mockS3API) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.deleteObjectFunc != nil {
		return m.deleteObjectFunc(ctx, in)
	}
	return nil, fmt.Errorf("DeleteObject not implemented")
}

func (m *mockS3API) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.listObjectsV2Func != nil {
		return m.listObjectsV2Func(ctx, in)
	}
	return nil, fmt.Errorf("ListObjectsV2 not implemented")
}

// mockUploader records uploads
type mockUploader struct {
	uploadFunc func(ctx context.Context, in *s3.PutObjectInput) (*manager.UploadOutput, error)
}

func (m *mockUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if m.uploadFunc != nil {
		return m.uploadFunc(ctx, in)
	}
	return nil, fmt.Errorf("Upload not implemented")
}
