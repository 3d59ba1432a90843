package skiff

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Fixed size thresholds of the S3 protocol.
const (
	// MinimumPartSize is both the single-shot upload threshold and the
	// block size of the chunker.
	MinimumPartSize = 5 * 1024 * 1024

	// MaximumPartSize is the largest part the protocol accepts.
	MaximumPartSize = 5 * 1024 * 1024 * 1024

	// MaxObjectSize is the largest object a multipart upload can produce.
	MaxObjectSize = 5 * 1024 * 1024 * 1024 * 1024

	maxPartCount = 10000
)

// optimalPartSize picks the part size for an object of the given total size:
// the smallest multiple of MinimumPartSize that fits the object in at most
// 10000 parts.
func optimalPartSize(size int64) (int64, error) {
	if size > MaxObjectSize {
		return 0, InvalidArgumentError{Message: fmt.Sprintf("object size %d exceeds maximum of %d", size, MaxObjectSize)}
	}
	partSize := (size + maxPartCount - 1) / maxPartCount
	partSize = (partSize + MinimumPartSize - 1) / MinimumPartSize * MinimumPartSize
	if partSize < MinimumPartSize {
		partSize = MinimumPartSize
	}
	return partSize, nil
}

// newByteStream wraps a byte slice as a single-read stream, so the buffer
// and stream upload paths converge.
func newByteStream(data []byte) io.Reader {
	return bytes.NewReader(data)
}

// sizeVerifier counts the bytes flowing through an upload source and fails
// the stream if the total at EOF differs from the declared size.
type sizeVerifier struct {
	r    io.Reader
	want int64
	read int64
}

func (v *sizeVerifier) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	v.read += int64(n)
	if v.read > v.want {
		return n, SizeMismatchError{Expected: v.want, Actual: v.read}
	}
	if err == io.EOF && v.read != v.want {
		return n, SizeMismatchError{Expected: v.want, Actual: v.read}
	}
	return n, err
}

// readPart fills buf from r in blocks of at most MinimumPartSize, stopping at
// the end of the buffer or the end of the stream. It returns the number of
// bytes aggregated and whether the stream is exhausted.
func readPart(r io.Reader, buf []byte) (int, bool, error) {
	n := 0
	for n < len(buf) {
		blockEnd := n + MinimumPartSize
		if blockEnd > len(buf) {
			blockEnd = len(buf)
		}
		rn, err := io.ReadFull(r, buf[n:blockEnd])
		n += rn
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return n, true, nil
		}
		if err != nil {
			return n, false, err
		}
	}
	return n, false, nil
}

// PutObjectStream uploads size bytes from r as one object and returns the
// final ETag. Objects at or below MinimumPartSize are uploaded in a single
// PUT; everything larger goes through the multipart engine, resuming any
// matching incomplete upload it finds.
func (c *Client) PutObjectStream(ctx context.Context, bucket, object string, r io.Reader, size int64, contentType string) (string, error) {
	if err := checkBucketName(bucket); err != nil {
		return "", err
	}
	if err := checkObjectName(object); err != nil {
		return "", err
	}
	if size < 0 {
		return "", InvalidArgumentError{Message: "object size must be known and non-negative"}
	}
	if size > MaxObjectSize {
		return "", InvalidArgumentError{Message: fmt.Sprintf("object size %d exceeds maximum of %d", size, MaxObjectSize)}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	src := &sizeVerifier{r: r, want: size}

	if size <= MinimumPartSize {
		payload := make([]byte, size)
		if _, err := io.ReadFull(src, payload); err != nil {
			var smErr SizeMismatchError
			if errors.As(err, &smErr) {
				return "", smErr
			}
			return "", fmt.Errorf("read upload source: %w", err)
		}
		// One extra read to confirm the source is exhausted.
		var probe [1]byte
		if n, _ := src.Read(probe[:]); n > 0 {
			return "", SizeMismatchError{Expected: size, Actual: size + int64(n)}
		}
		return c.putSingle(ctx, bucket, object, payload, contentType)
	}

	return c.putMultipart(ctx, bucket, object, src, size, contentType)
}

// putSingle uploads a complete in-memory payload with Content-MD5 and a
// signed payload hash.
func (c *Client) putSingle(ctx context.Context, bucket, object string, payload []byte, contentType string) (string, error) {
	md5Sum := md5.Sum(payload)
	shaSum := sha256.Sum256(payload)

	spec := requestSpec{
		method: http.MethodPut,
		bucket: bucket,
		object: object,
		headers: map[string]string{
			"content-type": contentType,
			"content-md5":  base64.StdEncoding.EncodeToString(md5Sum[:]),
		},
	}

	resp, err := c.execute(ctx, spec, bytes.NewReader(payload), int64(len(payload)), hex.EncodeToString(shaSum[:]), http.StatusOK)
	if err != nil {
		return "", err
	}
	defer drainClose(resp)
	return trimETag(resp.Header.Get("ETag")), nil
}

// putMultipart drives the multipart state machine: discover or initiate the
// upload, chunk the stream, skip parts whose digest the server already has,
// upload the rest in ascending order, and complete.
func (c *Client) putMultipart(ctx context.Context, bucket, object string, src io.Reader, size int64, contentType string) (string, error) {
	partSize, err := optimalPartSize(size)
	if err != nil {
		return "", err
	}

	uploadID, err := c.findUploadID(ctx, bucket, object)
	if err != nil {
		return "", err
	}

	var existing map[int]ObjectPart
	if uploadID != "" {
		existing, err = c.listObjectParts(ctx, bucket, object, uploadID)
		if err != nil {
			return "", err
		}
	} else {
		uploadID, err = c.initiateMultipartUpload(ctx, bucket, object, contentType)
		if err != nil {
			return "", err
		}
		existing = map[int]ObjectPart{}
	}

	buf := make([]byte, partSize)
	var manifest []completePart
	var uploaded int64

	for partNumber := 1; ; partNumber++ {
		n, eof, err := readPart(src, buf)
		if err != nil {
			return "", fmt.Errorf("read part %d: %w", partNumber, err)
		}
		if n == 0 && partNumber > 1 {
			break
		}

		chunk := buf[:n]
		md5Sum := md5.Sum(chunk)
		md5Hex := hex.EncodeToString(md5Sum[:])
		shaSum := sha256.Sum256(chunk)

		if prior, ok := existing[partNumber]; ok && prior.ETag == md5Hex && prior.Size == int64(n) {
			// The server already has these bytes; skip the upload.
			manifest = append(manifest, completePart{PartNumber: partNumber, ETag: prior.ETag})
		} else {
			etag, err := c.uploadPart(ctx, bucket, object, uploadID, partNumber, chunk,
				base64.StdEncoding.EncodeToString(md5Sum[:]), hex.EncodeToString(shaSum[:]))
			if err != nil {
				return "", err
			}
			manifest = append(manifest, completePart{PartNumber: partNumber, ETag: etag})
		}
		uploaded += int64(n)

		if eof {
			break
		}
	}

	if uploaded != size {
		return "", SizeMismatchError{Expected: size, Actual: uploaded}
	}

	return c.completeMultipartUpload(ctx, bucket, object, uploadID, manifest)
}

// findUploadID locates the most recent incomplete multipart upload for
// object, or returns "" when there is none. The listing is prefix-based, so
// matches are filtered to the exact key client-side.
func (c *Client) findUploadID(ctx context.Context, bucket, object string) (string, error) {
	var uploadID string
	for upload := range c.ListIncompleteUploads(ctx, bucket, object) {
		if upload.Err != nil {
			return "", upload.Err
		}
		if upload.Key == object {
			uploadID = upload.UploadID
		}
	}
	return uploadID, nil
}

// listObjectParts fetches the parts already uploaded for uploadID, indexed by
// part number.
func (c *Client) listObjectParts(ctx context.Context, bucket, object, uploadID string) (map[int]ObjectPart, error) {
	parts := make(map[int]ObjectPart)

	marker := 0
	for {
		q := url.Values{}
		q.Set("uploadId", uploadID)
		if marker != 0 {
			q.Set("part-number-marker", strconv.Itoa(marker))
		}

		resp, err := c.execute(ctx, requestSpec{method: http.MethodGet, bucket: bucket, object: object, query: q.Encode()}, nil, -1, "", http.StatusOK)
		if err != nil {
			return nil, err
		}

		var page listPartsResult
		err = xml.NewDecoder(resp.Body).Decode(&page)
		drainClose(resp)
		if err != nil {
			return nil, fmt.Errorf("decode part list: %w", err)
		}

		for _, p := range page.Parts {
			parts[p.PartNumber] = ObjectPart{PartNumber: p.PartNumber, ETag: trimETag(p.ETag), Size: p.Size}
		}

		if !page.IsTruncated {
			return parts, nil
		}
		marker = page.NextPartNumberMarker
	}
}

// initiateMultipartUpload starts a new multipart upload and returns its ID.
func (c *Client) initiateMultipartUpload(ctx context.Context, bucket, object, contentType string) (string, error) {
	spec := requestSpec{
		method:  http.MethodPost,
		bucket:  bucket,
		object:  object,
		query:   "uploads=",
		headers: map[string]string{"content-type": contentType},
	}

	resp, err := c.executeBuffered(ctx, spec, nil, http.StatusOK)
	if err != nil {
		return "", err
	}
	defer drainClose(resp)

	var result initiateMultipartUploadResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode initiate result: %w", err)
	}
	if result.UploadID == "" {
		return "", fmt.Errorf("initiate multipart upload: server returned no upload id")
	}
	return result.UploadID, nil
}

// uploadPart PUTs one chunk and returns the ETag the server recorded for it.
func (c *Client) uploadPart(ctx context.Context, bucket, object, uploadID string, partNumber int, chunk []byte, md5Base64, sha256Hex string) (string, error) {
	q := url.Values{}
	q.Set("partNumber", strconv.Itoa(partNumber))
	q.Set("uploadId", uploadID)

	spec := requestSpec{
		method: http.MethodPut,
		bucket: bucket,
		object: object,
		query:  q.Encode(),
		headers: map[string]string{
			"content-md5": md5Base64,
		},
	}

	resp, err := c.execute(ctx, spec, bytes.NewReader(chunk), int64(len(chunk)), sha256Hex, http.StatusOK)
	if err != nil {
		return "", fmt.Errorf("upload part %d: %w", partNumber, err)
	}
	defer drainClose(resp)

	etag := trimETag(resp.Header.Get("ETag"))
	if etag == "" {
		return "", fmt.Errorf("upload part %d: server returned no etag", partNumber)
	}
	return etag, nil
}

// completeMultipartUpload posts the ordered part manifest and returns the
// final object ETag.
func (c *Client) completeMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []completePart) (string, error) {
	body, err := xml.Marshal(completeMultipartUpload{XMLNS: s3XMLNamespace, Parts: parts})
	if err != nil {
		return "", fmt.Errorf("marshal complete manifest: %w", err)
	}

	q := url.Values{}
	q.Set("uploadId", uploadID)
	spec := requestSpec{
		method: http.MethodPost,
		bucket: bucket,
		object: object,
		query:  q.Encode(),
	}

	resp, err := c.executeBuffered(ctx, spec, body, http.StatusOK)
	if err != nil {
		return "", err
	}
	defer drainClose(resp)

	var result completeMultipartUploadResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode complete result: %w", err)
	}
	return trimETag(result.ETag), nil
}
