// Command example walks through the library against a live endpoint: create
// a bucket, upload, list, download, stream a multipart upload, and presign.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"skiff/pkg/skiff"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	BucketName    = "example-bucket"
	ObjectName    = "example.txt"
	ObjectContent = "Hello from skiff!\n"
	LargeObject   = "large/example.bin"
)

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func EnsureBucket(ctx context.Context, client *skiff.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, "", ""); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucketName, err)
		}
	}
	return nil
}

// UploadText uploads a small text object.
func UploadText(ctx context.Context, client *skiff.Client, bucketName, objectName, content string) error {
	etag, err := client.PutObject(ctx, bucketName, objectName, []byte(content), "text/plain")
	if err != nil {
		return fmt.Errorf("failed to upload object %q to bucket %q: %w", objectName, bucketName, err)
	}

	slog.Info("Uploaded object to bucket", "object", objectName, "bucket", bucketName, "etag", etag)
	return nil
}

// ListBucketObjects lists all objects in the specified bucket.
func ListBucketObjects(ctx context.Context, client *skiff.Client, bucketName string) error {
	slog.Info("Objects in bucket", "bucket", bucketName)
	for objectInfo := range client.ListObjects(ctx, bucketName, "", true) {
		if objectInfo.Err != nil {
			return fmt.Errorf("failed to list objects in bucket %q: %w", bucketName, objectInfo.Err)
		}
		slog.Info("Object in bucket", "key", objectInfo.Key, "size", objectInfo.Size)
	}
	return nil
}

// StreamLargeObject uploads a payload big enough to exercise the multipart
// engine.
func StreamLargeObject(ctx context.Context, client *skiff.Client, bucketName, objectName string) error {
	payload := bytes.Repeat([]byte("skiff multipart "), 12*1024*1024/16)

	etag, err := client.PutObjectStream(ctx, bucketName, objectName, bytes.NewReader(payload), int64(len(payload)), "application/octet-stream")
	if err != nil {
		return fmt.Errorf("failed to stream object %q: %w", objectName, err)
	}

	slog.Info("Streamed multipart object", "object", objectName, "size", len(payload), "etag", etag)
	return nil
}

// DownloadFile downloads an object from the specified bucket to a local file.
func DownloadFile(ctx context.Context, client *skiff.Client, bucketName, objectName, downloadPath string) error {
	if err := client.FGetObject(ctx, bucketName, objectName, downloadPath); err != nil {
		return fmt.Errorf("failed to download object %q from bucket %q: %w", objectName, bucketName, err)
	}
	slog.Info("Downloaded object", "path", downloadPath)
	return nil
}

// PresignExample prints a presigned GET URL valid for one hour.
func PresignExample(ctx context.Context, client *skiff.Client, bucketName, objectName string) error {
	u, err := client.PresignedGetObject(ctx, bucketName, objectName, 3600)
	if err != nil {
		return fmt.Errorf("failed to presign object %q: %w", objectName, err)
	}
	slog.Info("Presigned GET URL", "url", u)
	return nil
}

func Run(ctx context.Context, client *skiff.Client) error {
	// Ensure bucket exists.
	if err := EnsureBucket(ctx, client, BucketName); err != nil {
		return fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	// 1. Upload a small text object.
	if err := UploadText(ctx, client, BucketName, ObjectName, ObjectContent); err != nil {
		return fmt.Errorf("failed to upload example file: %w", err)
	}

	// 2. Stream a large object through the multipart engine.
	if err := StreamLargeObject(ctx, client, BucketName, LargeObject); err != nil {
		return fmt.Errorf("failed to stream large object: %w", err)
	}

	// 3. List the contents of the bucket.
	if err := ListBucketObjects(ctx, client, BucketName); err != nil {
		return fmt.Errorf("failed to list bucket objects: %w", err)
	}

	// 4. Download the text object.
	downloadPath := filepath.Join(".", "downloaded_"+filepath.Base(ObjectName))
	if err := DownloadFile(ctx, client, BucketName, ObjectName, downloadPath); err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}

	// 5. Produce a presigned URL for sharing.
	if err := PresignExample(ctx, client, BucketName, ObjectName); err != nil {
		return fmt.Errorf("failed to presign object: %w", err)
	}

	return nil
}

func main() {
	endpoint := getenv("SKIFF_ENDPOINT", "localhost")
	accessKey := getenv("SKIFF_ACCESS_KEY", "minioadmin")
	secretKey := getenv("SKIFF_SECRET_KEY", "minioadmin")

	client, err := skiff.New(skiff.Config{
		Endpoint:  endpoint,
		Port:      9000,
		AccessKey: accessKey,
		SecretKey: secretKey,
	})

	if err != nil {
		slog.Error("failed to create skiff client", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if err := Run(ctx, client); err != nil {
		slog.Error("error running example", "err", err)
		os.Exit(1)
	}
}
