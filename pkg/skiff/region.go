package skiff

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"skiff/pkg/sigv4"
)

// DefaultRegion is assumed whenever no bucket is involved or the service
// reports no location constraint.
const DefaultRegion = "us-east-1"

// Regions accepted by MakeBucket.
var knownRegions = map[string]bool{
	"us-east-1":      true,
	"us-west-1":      true,
	"us-west-2":      true,
	"eu-west-1":      true,
	"eu-central-1":   true,
	"ap-southeast-1": true,
	"ap-southeast-2": true,
	"ap-northeast-1": true,
	"sa-east-1":      true,
}

// regionCache maps bucket names to the region hosting them. Entries are
// inserted after a successful location lookup and evicted whenever a request
// for the bucket comes back with an unexpected status, so a stale entry costs
// one extra miss at most.
type regionCache struct {
	mu sync.RWMutex
	m  map[string]string
}

func newRegionCache() *regionCache {
	return &regionCache{m: make(map[string]string)}
}

func (rc *regionCache) get(bucket string) (string, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	region, ok := rc.m[bucket]
	return region, ok
}

func (rc *regionCache) set(bucket, region string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.m[bucket] = region
}

func (rc *regionCache) delete(bucket string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.m, bucket)
}

type locationConstraint struct {
	XMLName  xml.Name `xml:"LocationConstraint"`
	Location string   `xml:",chardata"`
}

// resolveRegion returns the region for bucket, issuing a GET ?location on a
// cache miss. Bucket-less requests resolve to DefaultRegion.
func (c *Client) resolveRegion(ctx context.Context, bucket string) (string, error) {
	if bucket == "" {
		return DefaultRegion, nil
	}
	if region, ok := c.regions.get(bucket); ok {
		return region, nil
	}

	region, err := c.getBucketLocation(ctx, bucket)
	if err != nil {
		return "", err
	}
	c.regions.set(bucket, region)
	return region, nil
}

// getBucketLocation fetches the bucket's location constraint. The request is
// always path-style and signed against us-east-1: it is the one request that
// must work before the region is known.
func (c *Client) getBucketLocation(ctx context.Context, bucket string) (string, error) {
	u := fmt.Sprintf("%s://%s/%s?location", c.scheme(), c.hostAddr(), bucket)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build location request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	if !c.anonymous() {
		req.Header.Set("X-Amz-Content-Sha256", sigv4.EmptyPayloadHash)
		sigv4.Sign(req, c.cfg.AccessKey, c.cfg.SecretKey, DefaultRegion, c.now())
	}

	c.traceRequest(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get bucket location: %w", err)
	}
	defer resp.Body.Close()
	c.traceResponse(resp)

	if resp.StatusCode != http.StatusOK {
		err := errorFromResponse(resp, bucket, "")
		c.traceError(err)
		return "", err
	}

	// An absent or empty body means the default region.
	var lc locationConstraint
	if err := xml.NewDecoder(resp.Body).Decode(&lc); err != nil {
		if errors.Is(err, io.EOF) {
			return DefaultRegion, nil
		}
		return "", fmt.Errorf("decode location constraint: %w", err)
	}
	if lc.Location == "" {
		return DefaultRegion, nil
	}
	return lc.Location, nil
}
