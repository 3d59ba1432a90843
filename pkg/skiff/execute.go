package skiff

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"

	"skiff/pkg/sigv4"
)

// execute runs the request pipeline: resolve the bucket's region, build the
// request, sign it, stream the body out, and check the response status. On a
// match the response is handed to the caller with its body unread; on a
// mismatch the bucket's region cache entry is evicted and the decoded S3
// error is returned. Transport failures surface verbatim; nothing is retried.
func (c *Client) execute(ctx context.Context, spec requestSpec, body io.Reader, size int64, payloadSHA256 string, expect int) (*http.Response, error) {
	region, err := c.resolveRegion(ctx, spec.bucket)
	if err != nil {
		return nil, err
	}
	return c.executeInRegion(ctx, spec, body, size, payloadSHA256, expect, region)
}

// executeInRegion is execute with region resolution already done. MakeBucket
// uses it directly: the bucket does not exist yet, so there is nothing to
// resolve.
func (c *Client) executeInRegion(ctx context.Context, spec requestSpec, body io.Reader, size int64, payloadSHA256 string, expect int, region string) (*http.Response, error) {
	req, err := c.newRequest(ctx, spec, body, size)
	if err != nil {
		return nil, err
	}

	if !c.anonymous() {
		if payloadSHA256 == "" {
			payloadSHA256 = sigv4.EmptyPayloadHash
		}
		req.Header.Set("X-Amz-Content-Sha256", payloadSHA256)
		sigv4.Sign(req, c.cfg.AccessKey, c.cfg.SecretKey, region, c.now())
	}

	c.traceRequest(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", spec.method, req.URL.Path, err)
	}
	c.traceResponse(resp)

	if resp.StatusCode != expect {
		// Unexpected status may mean the bucket moved; drop the cached
		// region so the next attempt re-discovers it.
		if spec.bucket != "" {
			c.regions.delete(spec.bucket)
		}
		err := errorFromResponse(resp, spec.bucket, spec.object)
		resp.Body.Close()
		c.traceError(err)
		return nil, err
	}

	return resp, nil
}

// executeBuffered signs and sends an in-memory payload, computing its SHA-256
// and delegating to the streaming form.
func (c *Client) executeBuffered(ctx context.Context, spec requestSpec, payload []byte, expect int) (*http.Response, error) {
	sum := sha256.Sum256(payload)
	return c.execute(ctx, spec, bytes.NewReader(payload), int64(len(payload)), hex.EncodeToString(sum[:]), expect)
}

// executeBufferedInRegion is executeBuffered for requests that carry their
// own region, bypassing cache resolution.
func (c *Client) executeBufferedInRegion(ctx context.Context, spec requestSpec, payload []byte, expect int, region string) (*http.Response, error) {
	sum := sha256.Sum256(payload)
	return c.executeInRegion(ctx, spec, bytes.NewReader(payload), int64(len(payload)), hex.EncodeToString(sum[:]), expect, region)
}

// drainClose discards up to 1 MiB of what remains of a response body and
// closes it, so the underlying connection can be reused when nothing is left
// unread.
func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}

var signatureValuePattern = regexp.MustCompile(`Signature=[0-9a-f]+`)

func (c *Client) traceWriter() io.Writer {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	return c.traceOut
}

func (c *Client) traceRequest(req *http.Request) {
	w := c.traceWriter()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "REQUEST %s %s\n", req.Method, req.URL.RequestURI())
	fmt.Fprintf(w, "Host: %s\n", req.Host)
	traceHeaders(w, req.Header)
	fmt.Fprintln(w)
}

func (c *Client) traceResponse(resp *http.Response) {
	w := c.traceWriter()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "RESPONSE %d\n", resp.StatusCode)
	traceHeaders(w, resp.Header)
	fmt.Fprintln(w)
}

func (c *Client) traceError(err error) {
	w := c.traceWriter()
	if w == nil {
		return
	}
	dump, jsonErr := json.Marshal(err)
	if jsonErr != nil {
		fmt.Fprintf(w, "ERROR %v\n\n", err)
		return
	}
	fmt.Fprintf(w, "ERROR %s\n\n", dump)
}

func traceHeaders(w io.Writer, h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			if k == "Authorization" {
				v = signatureValuePattern.ReplaceAllString(v, "Signature=**REDACTED**")
			}
			fmt.Fprintf(w, "%s: %s\n", k, v)
		}
	}
}
