package skiff

import (
	"context"
	"net/http"

	"skiff/pkg/sigv4"
)

// PresignedGetObject returns a URL that allows a plain HTTP client to GET the
// object until expiresSeconds have passed. Refused for anonymous clients.
func (c *Client) PresignedGetObject(ctx context.Context, bucket, object string, expiresSeconds int64) (string, error) {
	return c.presign(ctx, http.MethodGet, bucket, object, expiresSeconds)
}

// PresignedPutObject returns a URL that allows a plain HTTP client to PUT the
// object until expiresSeconds have passed. Refused for anonymous clients.
func (c *Client) PresignedPutObject(ctx context.Context, bucket, object string, expiresSeconds int64) (string, error) {
	return c.presign(ctx, http.MethodPut, bucket, object, expiresSeconds)
}

func (c *Client) presign(ctx context.Context, method, bucket, object string, expiresSeconds int64) (string, error) {
	if c.anonymous() {
		return "", ErrAnonymousRequest
	}
	if err := checkBucketName(bucket); err != nil {
		return "", err
	}
	if err := checkObjectName(object); err != nil {
		return "", err
	}
	if expiresSeconds <= 0 || expiresSeconds > 7*24*3600 {
		return "", InvalidArgumentError{Message: "expiry must be between 1 second and 7 days"}
	}

	region, err := c.resolveRegion(ctx, bucket)
	if err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, requestSpec{method: method, bucket: bucket, object: object}, nil, -1)
	if err != nil {
		return "", err
	}

	u := sigv4.Presign(req, c.cfg.AccessKey, c.cfg.SecretKey, region, c.now(), expiresSeconds)
	return u.String(), nil
}
