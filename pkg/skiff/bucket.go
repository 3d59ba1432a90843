package skiff

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// MakeBucket creates a bucket with the given canned ACL in the given region.
// An empty region means us-east-1, which is also the only region that omits
// the CreateBucketConfiguration body. The request is signed against the
// requested region since the bucket cannot be resolved before it exists.
func (c *Client) MakeBucket(ctx context.Context, bucket, acl, region string) error {
	if err := checkBucketName(bucket); err != nil {
		return err
	}
	if acl == "" {
		acl = ACLPrivate
	}
	if err := checkACL(acl); err != nil {
		return err
	}
	if region == "" {
		region = DefaultRegion
	}
	if !knownRegions[region] {
		return InvalidArgumentError{Message: "unknown region " + region}
	}

	spec := requestSpec{
		method:  http.MethodPut,
		bucket:  bucket,
		headers: map[string]string{"x-amz-acl": acl},
	}

	var payload []byte
	if region != DefaultRegion {
		body, err := xml.Marshal(createBucketConfiguration{XMLNS: s3XMLNamespace, Location: region})
		if err != nil {
			return fmt.Errorf("marshal bucket configuration: %w", err)
		}
		payload = body
	}

	resp, err := c.executeBufferedInRegion(ctx, spec, payload, http.StatusOK, region)
	if err != nil {
		return err
	}
	drainClose(resp)

	c.regions.set(bucket, region)
	return nil
}

// ListBuckets returns all buckets owned by the caller.
func (c *Client) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	resp, err := c.execute(ctx, requestSpec{method: http.MethodGet}, nil, -1, "", http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)

	var result listAllMyBucketsResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode bucket list: %w", err)
	}

	buckets := make([]BucketInfo, 0, len(result.Buckets))
	for _, b := range result.Buckets {
		buckets = append(buckets, BucketInfo{Name: b.Name, CreationDate: b.CreationDate})
	}
	return buckets, nil
}

// BucketExists reports whether the bucket exists and is reachable with the
// client's credentials.
func (c *Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if err := checkBucketName(bucket); err != nil {
		return false, err
	}

	resp, err := c.execute(ctx, requestSpec{method: http.MethodHead, bucket: bucket}, nil, -1, "", http.StatusOK)
	if err != nil {
		var errResp ErrorResponse
		if errors.As(err, &errResp) && errResp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	drainClose(resp)
	return true, nil
}

// RemoveBucket deletes an empty bucket and forgets its cached region.
func (c *Client) RemoveBucket(ctx context.Context, bucket string) error {
	if err := checkBucketName(bucket); err != nil {
		return err
	}

	resp, err := c.execute(ctx, requestSpec{method: http.MethodDelete, bucket: bucket}, nil, -1, "", http.StatusNoContent)
	if err != nil {
		return err
	}
	drainClose(resp)

	c.regions.delete(bucket)
	return nil
}

// SetBucketACL replaces the bucket's ACL with a canned one.
func (c *Client) SetBucketACL(ctx context.Context, bucket, acl string) error {
	if err := checkBucketName(bucket); err != nil {
		return err
	}
	if err := checkACL(acl); err != nil {
		return err
	}

	spec := requestSpec{
		method:  http.MethodPut,
		bucket:  bucket,
		query:   "acl",
		headers: map[string]string{"x-amz-acl": acl},
	}
	resp, err := c.execute(ctx, spec, nil, -1, "", http.StatusOK)
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

const (
	allUsersURI           = "http://acs.amazonaws.com/groups/global/AllUsers"
	authenticatedUsersURI = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
)

// GetBucketACL fetches the bucket's grant list and reduces it to a canned ACL
// name. Grant combinations with no canned equivalent come back as
// "unsupported-acl".
func (c *Client) GetBucketACL(ctx context.Context, bucket string) (string, error) {
	if err := checkBucketName(bucket); err != nil {
		return "", err
	}

	resp, err := c.execute(ctx, requestSpec{method: http.MethodGet, bucket: bucket, query: "acl"}, nil, -1, "", http.StatusOK)
	if err != nil {
		return "", err
	}
	defer drainClose(resp)

	var policy accessControlPolicy
	if err := xml.NewDecoder(resp.Body).Decode(&policy); err != nil {
		return "", fmt.Errorf("decode access control policy: %w", err)
	}

	var publicRead, publicWrite, authRead, authWrite bool
	for _, g := range policy.GrantList {
		switch g.Grantee.URI {
		case allUsersURI:
			switch g.Permission {
			case "READ":
				publicRead = true
			case "WRITE":
				publicWrite = true
			}
		case authenticatedUsersURI:
			switch g.Permission {
			case "READ":
				authRead = true
			case "WRITE":
				authWrite = true
			}
		}
	}

	switch {
	case publicRead && publicWrite && !authRead && !authWrite:
		return ACLPublicReadWrite, nil
	case publicRead && !publicWrite && !authRead && !authWrite:
		return ACLPublicRead, nil
	case !publicRead && !publicWrite && authRead && !authWrite:
		return ACLAuthenticatedRead, nil
	case !publicRead && !publicWrite && !authRead && !authWrite:
		return ACLPrivate, nil
	}
	return "unsupported-acl", nil
}

// ListObjects streams the objects under prefix. With recursive set the
// listing descends into every key; otherwise keys are rolled up at "/" and
// common prefixes are emitted as zero-size records. The channel closes when
// the listing is exhausted, the context is canceled, or an error record has
// been delivered.
func (c *Client) ListObjects(ctx context.Context, bucket, prefix string, recursive bool) <-chan ObjectInfo {
	out := make(chan ObjectInfo, 100)

	go func() {
		defer close(out)

		if err := checkBucketName(bucket); err != nil {
			out <- ObjectInfo{Err: err}
			return
		}
		if err := checkPrefix(prefix); err != nil {
			out <- ObjectInfo{Err: err}
			return
		}

		delimiter := "/"
		if recursive {
			delimiter = ""
		}

		marker := ""
		for {
			page, err := c.listObjectsPage(ctx, bucket, prefix, marker, delimiter, 1000)
			if err != nil {
				out <- ObjectInfo{Err: err}
				return
			}

			for _, entry := range page.Contents {
				info := ObjectInfo{
					Key:          entry.Key,
					Size:         entry.Size,
					ETag:         trimETag(entry.ETag),
					LastModified: entry.LastModified,
				}
				select {
				case out <- info:
				case <-ctx.Done():
					return
				}
				marker = entry.Key
			}
			for _, cp := range page.CommonPrefixes {
				select {
				case out <- ObjectInfo{Key: cp.Prefix}:
				case <-ctx.Done():
					return
				}
			}

			if !page.IsTruncated {
				return
			}
			if page.NextMarker != "" {
				marker = page.NextMarker
			}
		}
	}()

	return out
}

func (c *Client) listObjectsPage(ctx context.Context, bucket, prefix, marker, delimiter string, maxKeys int) (*listBucketResult, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if marker != "" {
		q.Set("marker", marker)
	}
	if delimiter != "" {
		q.Set("delimiter", delimiter)
	}
	q.Set("max-keys", strconv.Itoa(maxKeys))

	resp, err := c.execute(ctx, requestSpec{method: http.MethodGet, bucket: bucket, query: q.Encode()}, nil, -1, "", http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)

	var page listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode object list: %w", err)
	}
	return &page, nil
}

// ListIncompleteUploads streams the incomplete multipart uploads under
// prefix.
func (c *Client) ListIncompleteUploads(ctx context.Context, bucket, prefix string) <-chan UploadInfo {
	out := make(chan UploadInfo, 100)

	go func() {
		defer close(out)

		if err := checkBucketName(bucket); err != nil {
			out <- UploadInfo{Err: err}
			return
		}
		if err := checkPrefix(prefix); err != nil {
			out <- UploadInfo{Err: err}
			return
		}

		keyMarker, uploadIDMarker := "", ""
		for {
			page, err := c.listIncompleteUploadsPage(ctx, bucket, prefix, keyMarker, uploadIDMarker, 1000)
			if err != nil {
				out <- UploadInfo{Err: err}
				return
			}

			for _, u := range page.Uploads {
				select {
				case out <- UploadInfo{Key: u.Key, UploadID: u.UploadID, Initiated: u.Initiated}:
				case <-ctx.Done():
					return
				}
			}

			if !page.IsTruncated {
				return
			}
			keyMarker = page.NextKeyMarker
			uploadIDMarker = page.NextUploadIDMarker
		}
	}()

	return out
}

func (c *Client) listIncompleteUploadsPage(ctx context.Context, bucket, prefix, keyMarker, uploadIDMarker string, maxUploads int) (*listMultipartUploadsResult, error) {
	q := url.Values{}
	q.Set("uploads", "")
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if keyMarker != "" {
		q.Set("key-marker", keyMarker)
	}
	if uploadIDMarker != "" {
		q.Set("upload-id-marker", uploadIDMarker)
	}
	q.Set("max-uploads", strconv.Itoa(maxUploads))

	resp, err := c.execute(ctx, requestSpec{method: http.MethodGet, bucket: bucket, query: q.Encode()}, nil, -1, "", http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)

	var page listMultipartUploadsResult
	if err := xml.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode upload list: %w", err)
	}
	return &page, nil
}
