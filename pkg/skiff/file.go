package skiff

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// FPutObject uploads the file at filePath as an object. The content type is
// derived from the file extension unless contentType is set.
func (c *Client) FPutObject(ctx context.Context, bucket, object, filePath, contentType string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", filePath, err)
	}
	if st.IsDir() {
		return "", InvalidArgumentError{Message: filePath + " is a directory"}
	}

	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(filePath))
	}

	return c.PutObjectStream(ctx, bucket, object, f, st.Size(), contentType)
}

// FGetObject downloads an object to filePath. The transfer lands in
// "{filePath}.{etag}.part" first: if a previous attempt left a matching part
// file behind, the download resumes from its size, and the file is renamed
// into place only once it is complete.
func (c *Client) FGetObject(ctx context.Context, bucket, object, filePath string) error {
	if err := checkBucketName(bucket); err != nil {
		return err
	}
	if err := checkObjectName(object); err != nil {
		return err
	}

	stat, err := c.StatObject(ctx, bucket, object)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	partPath := fmt.Sprintf("%s.%s.part", filePath, stat.ETag)

	var offset int64
	if st, err := os.Stat(partPath); err == nil {
		offset = st.Size()
	}

	switch {
	case offset > stat.Size:
		// A stale artifact from a different object; start over.
		if err := os.Remove(partPath); err != nil {
			return fmt.Errorf("remove stale part file: %w", err)
		}
		offset = 0
	case offset == stat.Size:
		// Already fully downloaded; just move it into place.
		return os.Rename(partPath, filePath)
	}

	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open part file: %w", err)
	}

	body, err := c.GetPartialObject(ctx, bucket, object, offset, 0)
	if err != nil {
		f.Close()
		return err
	}
	defer body.Close()

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return fmt.Errorf("download %s/%s: %w", bucket, object, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close part file: %w", err)
	}

	st, err := os.Stat(partPath)
	if err != nil {
		return fmt.Errorf("stat part file: %w", err)
	}
	if st.Size() != stat.Size {
		return SizeMismatchError{Expected: stat.Size, Actual: st.Size()}
	}

	return os.Rename(partPath, filePath)
}
