package skiff

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// ObjectStat is the metadata returned by StatObject.
type ObjectStat struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified string
}

// GetObject returns a stream of the object's bytes. The caller owns the
// returned reader and must close it.
func (c *Client) GetObject(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.GetPartialObject(ctx, bucket, object, 0, 0)
}

// GetPartialObject returns a stream of length bytes starting at offset. A
// zero length with a non-zero offset reads to the end of the object; both
// zero reads the whole object.
func (c *Client) GetPartialObject(ctx context.Context, bucket, object string, offset, length int64) (io.ReadCloser, error) {
	if err := checkBucketName(bucket); err != nil {
		return nil, err
	}
	if err := checkObjectName(object); err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, InvalidArgumentError{Message: "offset and length must not be negative"}
	}

	spec := requestSpec{method: http.MethodGet, bucket: bucket, object: object}
	expect := http.StatusOK
	switch {
	case length > 0:
		spec.headers = map[string]string{"range": fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)}
		expect = http.StatusPartialContent
	case offset > 0:
		spec.headers = map[string]string{"range": fmt.Sprintf("bytes=%d-", offset)}
		expect = http.StatusPartialContent
	}

	resp, err := c.execute(ctx, spec, nil, -1, "", expect)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// StatObject fetches object metadata with a HEAD request.
func (c *Client) StatObject(ctx context.Context, bucket, object string) (ObjectStat, error) {
	if err := checkBucketName(bucket); err != nil {
		return ObjectStat{}, err
	}
	if err := checkObjectName(object); err != nil {
		return ObjectStat{}, err
	}

	resp, err := c.execute(ctx, requestSpec{method: http.MethodHead, bucket: bucket, object: object}, nil, -1, "", http.StatusOK)
	if err != nil {
		return ObjectStat{}, err
	}
	defer drainClose(resp)

	size := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		size, err = strconv.ParseInt(cl, 10, 64)
		if err != nil {
			return ObjectStat{}, fmt.Errorf("parse Content-Length %q: %w", cl, err)
		}
	}

	return ObjectStat{
		Key:          object,
		Size:         size,
		ETag:         trimETag(resp.Header.Get("ETag")),
		ContentType:  resp.Header.Get("Content-Type"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// PutObject uploads an in-memory payload as a single object and returns its
// ETag. Large payloads go through PutObjectStream, which switches to
// multipart above the single-shot threshold.
func (c *Client) PutObject(ctx context.Context, bucket, object string, data []byte, contentType string) (string, error) {
	return c.PutObjectStream(ctx, bucket, object, newByteStream(data), int64(len(data)), contentType)
}

// RemoveObject deletes an object.
func (c *Client) RemoveObject(ctx context.Context, bucket, object string) error {
	if err := checkBucketName(bucket); err != nil {
		return err
	}
	if err := checkObjectName(object); err != nil {
		return err
	}

	resp, err := c.execute(ctx, requestSpec{method: http.MethodDelete, bucket: bucket, object: object}, nil, -1, "", http.StatusNoContent)
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

// RemoveIncompleteUpload aborts the pending multipart upload for an object,
// if there is one.
func (c *Client) RemoveIncompleteUpload(ctx context.Context, bucket, object string) error {
	if err := checkBucketName(bucket); err != nil {
		return err
	}
	if err := checkObjectName(object); err != nil {
		return err
	}

	uploadID, err := c.findUploadID(ctx, bucket, object)
	if err != nil {
		return err
	}
	if uploadID == "" {
		return nil
	}

	q := url.Values{}
	q.Set("uploadId", uploadID)
	spec := requestSpec{method: http.MethodDelete, bucket: bucket, object: object, query: q.Encode()}
	resp, err := c.execute(ctx, spec, nil, -1, "", http.StatusNoContent)
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}
