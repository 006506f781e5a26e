package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MockS3Client is an in-memory implementation of S3Client for testing.
type MockS3Client struct {
	mu sync.Mutex

	// Objects maps "bucket/key" to stored bytes
	Objects map[string][]byte
	// Buckets tracks created buckets
	Buckets map[string]bool

	// Errors to return from operations
	HeadBucketErr   error
	CreateBucketErr error
	PutObjectErr    error
	GetObjectErr    error
	DeleteObjectErr error

	// Track function calls
	PutCalls    int
	GetCalls    int
	DeleteCalls int
}

// NewMockS3Client creates an empty mock client.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string][]byte),
		Buckets: make(map[string]bool),
	}
}

func objectKey(bucket, key *string) string {
	return *bucket + "/" + *key
}

// HeadBucket reports whether the bucket was created on the mock.
func (m *MockS3Client) HeadBucket(_ context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HeadBucketErr != nil {
		return nil, m.HeadBucketErr
	}
	if !m.Buckets[*params.Bucket] {
		return nil, fmt.Errorf("bucket %s not found", *params.Bucket)
	}
	return &s3.HeadBucketOutput{}, nil
}

// CreateBucket records the bucket.
func (m *MockS3Client) CreateBucket(_ context.Context, params *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateBucketErr != nil {
		return nil, m.CreateBucketErr
	}
	m.Buckets[*params.Bucket] = true
	return &s3.CreateBucketOutput{}, nil
}

// PutObject stores the object bytes.
func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	if m.PutObjectErr != nil {
		return nil, m.PutObjectErr
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.Objects[objectKey(params.Bucket, params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

// GetObject returns the stored object bytes.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.GetObjectErr != nil {
		return nil, m.GetObjectErr
	}
	data, ok := m.Objects[objectKey(params.Bucket, params.Key)]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectKey(params.Bucket, params.Key))
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

// DeleteObject removes the stored object.
func (m *MockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	if m.DeleteObjectErr != nil {
		return nil, m.DeleteObjectErr
	}
	delete(m.Objects, objectKey(params.Bucket, params.Key))
	return &s3.DeleteObjectOutput{}, nil
}
