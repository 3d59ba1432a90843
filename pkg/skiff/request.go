package skiff

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"skiff/pkg/sigv4"
)

// requestSpec describes one S3 request before host selection, escaping, and
// signing are applied.
type requestSpec struct {
	method  string
	bucket  string
	object  string
	query   string // raw query string, already encoded
	headers map[string]string
}

// targetURL selects between virtual-host-style and path-style addressing and
// escapes the object key as a path.
func (c *Client) targetURL(spec requestSpec) (*url.URL, error) {
	host := c.hostAddr()
	var path string

	if c.isAmazonEndpoint() && spec.bucket != "" {
		// Virtual-host style: the bucket becomes a subdomain.
		if c.cfg.Port != 0 {
			host = fmt.Sprintf("%s.%s", spec.bucket, host)
		} else {
			host = spec.bucket + "." + c.cfg.Endpoint
		}
		path = "/"
		if spec.object != "" {
			path += sigv4.EncodePath(spec.object)
		}
	} else {
		path = "/"
		if spec.bucket != "" {
			path += spec.bucket
			if spec.object != "" {
				path += "/" + sigv4.EncodePath(spec.object)
			}
		}
	}

	raw := fmt.Sprintf("%s://%s%s", c.scheme(), host, path)
	if spec.query != "" {
		raw += "?" + spec.query
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("build request URL: %w", err)
	}
	return u, nil
}

// newRequest builds the HTTP request skeleton for spec: host and path
// selected, caller headers set, User-Agent stamped. Header names are stored
// in Go's canonical form, not lower-cased; the signer lower-cases them when
// canonicalizing. Signing is left to the executor.
func (c *Client) newRequest(ctx context.Context, spec requestSpec, body io.Reader, size int64) (*http.Request, error) {
	u, err := c.targetURL(spec)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, spec.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", spec.method, err)
	}
	if size >= 0 {
		req.ContentLength = size
	}

	// Header casing on the wire does not matter; the signer lower-cases
	// every name when canonicalizing.
	for k, v := range spec.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", c.userAgent)

	return req, nil
}
