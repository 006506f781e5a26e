package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrBadPayloadURL is returned for URLs the store did not produce.
var ErrBadPayloadURL = errors.New("malformed payload url")

// PayloadStore moves chunk payloads in and out of object storage. Workers
// hold at most one decoded payload at a time; everything above the inline
// limit is streamed through here instead of living on the chunk row.
type PayloadStore interface {
	// Put stores a payload and returns its opaque URL.
	Put(ctx context.Context, key string, data []byte) (string, error)

	// Fetch retrieves a payload by the URL Put returned.
	Fetch(ctx context.Context, url string) ([]byte, error)

	// Delete removes a stored payload. Best-effort cleanup.
	Delete(ctx context.Context, url string) error
}

// S3PayloadStore stores payloads in one bucket, keyed by caller-provided
// object keys (jobs/<job>/chunks/<chunk>.pdf).
type S3PayloadStore struct {
	client S3Client
	bucket string
}

// NewS3PayloadStore creates a payload store on the given client and bucket.
func NewS3PayloadStore(client S3Client, bucket string) *S3PayloadStore {
	return &S3PayloadStore{client: client, bucket: bucket}
}

// Put uploads the payload and returns its s3:// URL.
func (p *S3PayloadStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload payload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}

// Fetch streams the payload back into memory.
func (p *S3PayloadStore) Fetch(ctx context.Context, url string) ([]byte, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, err
	}
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payload %s: %w", url, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload %s: %w", url, err)
	}
	return data, nil
}

// Delete removes the payload object.
func (p *S3PayloadStore) Delete(ctx context.Context, url string) error {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return err
	}
	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete payload %s: %w", url, err)
	}
	return nil
}

func parseS3URL(url string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrBadPayloadURL, url)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadPayloadURL, url)
	}
	return bucket, key, nil
}

// PayloadKey is the canonical object key for one chunk's payload.
func PayloadKey(jobID uint, chunkID int) string {
	return fmt.Sprintf("jobs/%d/chunks/%d.pdf", jobID, chunkID)
}

// DocumentKey is the canonical object key for a job's uploaded document.
func DocumentKey(jobID uint) string {
	return fmt.Sprintf("jobs/%d/document.pdf", jobID)
}
