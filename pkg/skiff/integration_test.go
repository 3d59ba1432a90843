package skiff

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"skiff/internal/s3mem"

	"github.com/stretchr/testify/require"
)

// newTestClient starts an in-memory S3 server and returns a client pointed at
// it.
func newTestClient(t *testing.T, region string) (*Client, *s3mem.Server) {
	t.Helper()

	srv := s3mem.NewServer(region)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	u, err := url.Parse(httpSrv.URL)
	require.NoError(t, err, "parsing test server URL")
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err, "splitting test server host")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err, "parsing test server port")

	client, err := New(Config{
		Endpoint:  host,
		Port:      port,
		AccessKey: "skiffadmin",
		SecretKey: "skiffsecret",
	})
	require.NoError(t, err, "creating client")

	return client, srv
}

// payload returns deterministic test bytes.
func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i>>11)
	}
	return b
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestMakeBucketAndList(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	for _, b := range []string{"bucket1", "bucket2"} {
		require.NoError(t, client.MakeBucket(ctx, b, "", ""))
	}

	buckets, err := client.ListBuckets(ctx)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, b := range buckets {
		names[b.Name] = true
	}
	require.True(t, names["bucket1"])
	require.True(t, names["bucket2"])
}

func TestMakeBucketValidation(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	require.Error(t, client.MakeBucket(ctx, "Bad_Bucket", "", ""))
	require.Error(t, client.MakeBucket(ctx, "bucket", "no-such-acl", ""))
	require.Error(t, client.MakeBucket(ctx, "bucket", "", "mars-north-1"))
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t, "")
	ctx := context.Background()

	data := payload(3 * 1024 * 1024)
	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))

	etag, err := client.PutObject(ctx, "bucket", "blob.bin", data, "application/octet-stream")
	require.NoError(t, err)
	require.Equal(t, md5Hex(data), etag, "single-shot etag is the payload MD5")
	require.Zero(t, srv.PartPuts(), "3 MiB must not go through multipart")

	body, err := client.GetObject(ctx, "bucket", "blob.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.Equal(t, data, got)

	stat, err := client.StatObject(ctx, "bucket", "blob.bin")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), stat.Size)
	require.Equal(t, etag, stat.ETag)
	require.Equal(t, "application/octet-stream", stat.ContentType)
	require.NotEmpty(t, stat.LastModified)
}

func TestZeroByteObject(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))

	etag, err := client.PutObject(ctx, "bucket", "empty", nil, "")
	require.NoError(t, err)
	require.Equal(t, md5Hex(nil), etag)

	stat, err := client.StatObject(ctx, "bucket", "empty")
	require.NoError(t, err)
	require.Zero(t, stat.Size)

	body, err := client.GetObject(ctx, "bucket", "empty")
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.Empty(t, got)
}

func TestGetPartialObject(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	data := []byte("The quick brown fox jumps over the lazy dog")
	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))
	_, err := client.PutObject(ctx, "bucket", "pangram.txt", data, "text/plain")
	require.NoError(t, err)

	body, err := client.GetPartialObject(ctx, "bucket", "pangram.txt", 10, 20)
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.Equal(t, data[10:30], got)

	// Open-ended read from an offset.
	body, err = client.GetPartialObject(ctx, "bucket", "pangram.txt", 35, 0)
	require.NoError(t, err)
	got, err = io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.Equal(t, data[35:], got)
}

func TestMultipartUpload(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t, "")
	ctx := context.Background()

	data := payload(11 * 1024 * 1024)
	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))

	etag, err := client.PutObjectStream(ctx, "bucket", "large.bin", bytes.NewReader(data), int64(len(data)), "")
	require.NoError(t, err)

	// 11 MiB at a 5 MiB part size is three parts.
	require.Equal(t, int64(3), srv.PartPuts())
	require.True(t, strings.HasSuffix(etag, "-3"), "multipart etag carries the part count, got %q", etag)
	require.Equal(t, data, srv.Object("bucket", "large.bin"))
}

func TestMultipartResume(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t, "")
	ctx := context.Background()

	data := payload(11 * 1024 * 1024)
	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))

	// A previous attempt already uploaded part 1.
	srv.SeedUpload("bucket", "large.bin", map[int][]byte{
		1: data[:5*1024*1024],
	})

	_, err := client.PutObjectStream(ctx, "bucket", "large.bin", bytes.NewReader(data), int64(len(data)), "")
	require.NoError(t, err)

	// Only parts 2 and 3 went over the wire.
	require.Equal(t, int64(2), srv.PartPuts())
	require.Equal(t, data, srv.Object("bucket", "large.bin"))
}

func TestMultipartResumeDigestMismatch(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t, "")
	ctx := context.Background()

	data := payload(11 * 1024 * 1024)
	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))

	// The pending part holds different bytes, so it must be re-uploaded.
	stale := bytes.Repeat([]byte{0xEE}, 5*1024*1024)
	srv.SeedUpload("bucket", "large.bin", map[int][]byte{1: stale})

	_, err := client.PutObjectStream(ctx, "bucket", "large.bin", bytes.NewReader(data), int64(len(data)), "")
	require.NoError(t, err)

	require.Equal(t, int64(3), srv.PartPuts())
	require.Equal(t, data, srv.Object("bucket", "large.bin"))
}

func TestPutStreamSizeMismatch(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))

	t.Run("short source single shot", func(t *testing.T) {
		_, err := client.PutObjectStream(ctx, "bucket", "obj", strings.NewReader("ab"), 4, "")
		var smErr SizeMismatchError
		require.ErrorAs(t, err, &smErr)
	})

	t.Run("long source single shot", func(t *testing.T) {
		_, err := client.PutObjectStream(ctx, "bucket", "obj", strings.NewReader("abcdef"), 4, "")
		var smErr SizeMismatchError
		require.ErrorAs(t, err, &smErr)
	})

	t.Run("short source multipart", func(t *testing.T) {
		_, err := client.PutObjectStream(ctx, "bucket", "obj", bytes.NewReader(payload(6*1024*1024)), 8*1024*1024, "")
		var smErr SizeMismatchError
		require.ErrorAs(t, err, &smErr)
	})
}

func TestRegionCache(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t, "eu-west-1")
	ctx := context.Background()

	srv.CreateBucket("bucket")

	// First operation discovers the region.
	exists, err := client.BucketExists(ctx, "bucket")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, int64(1), srv.LocationCalls())

	region, ok := client.regions.get("bucket")
	require.True(t, ok)
	require.Equal(t, "eu-west-1", region)

	// Subsequent operations hit the cache.
	_, err = client.BucketExists(ctx, "bucket")
	require.NoError(t, err)
	require.Equal(t, int64(1), srv.LocationCalls())

	// An unexpected status evicts the entry...
	_, err = client.StatObject(ctx, "bucket", "no-such-object")
	require.Error(t, err)
	_, ok = client.regions.get("bucket")
	require.False(t, ok)

	// ...so the next operation re-discovers it.
	_, err = client.BucketExists(ctx, "bucket")
	require.NoError(t, err)
	require.Equal(t, int64(2), srv.LocationCalls())
}

func TestRemoveBucketEvictsRegion(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))
	_, ok := client.regions.get("bucket")
	require.True(t, ok)

	require.NoError(t, client.RemoveBucket(ctx, "bucket"))
	_, ok = client.regions.get("bucket")
	require.False(t, ok)

	exists, err := client.BucketExists(ctx, "bucket")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRemoveObject(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))
	_, err := client.PutObject(ctx, "bucket", "obj", []byte("x"), "")
	require.NoError(t, err)

	require.NoError(t, client.RemoveObject(ctx, "bucket", "obj"))

	_, err = client.StatObject(ctx, "bucket", "obj")
	var errResp ErrorResponse
	require.ErrorAs(t, err, &errResp)
	require.Equal(t, http.StatusNotFound, errResp.StatusCode)
	require.Equal(t, "NoSuchKey", errResp.Code)
}

func TestServerErrorDecoding(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))

	_, err := client.GetObject(ctx, "bucket", "missing")
	var errResp ErrorResponse
	require.ErrorAs(t, err, &errResp)
	require.Equal(t, "NoSuchKey", errResp.Code)
	require.NotEmpty(t, errResp.Message)
	require.NotEmpty(t, errResp.RequestID)
	require.Equal(t, http.StatusNotFound, errResp.StatusCode)
}

func TestBucketACL(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))

	acl, err := client.GetBucketACL(ctx, "bucket")
	require.NoError(t, err)
	require.Equal(t, ACLPrivate, acl)

	for _, want := range []string{ACLPublicRead, ACLPublicReadWrite, ACLAuthenticatedRead, ACLPrivate} {
		require.NoError(t, client.SetBucketACL(ctx, "bucket", want))
		acl, err := client.GetBucketACL(ctx, "bucket")
		require.NoError(t, err)
		require.Equal(t, want, acl)
	}
}

func TestListObjects(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))
	for _, key := range []string{"a/1.txt", "a/2.txt", "top.txt"} {
		_, err := client.PutObject(ctx, "bucket", key, []byte(key), "text/plain")
		require.NoError(t, err)
	}

	var recursive []string
	for info := range client.ListObjects(ctx, "bucket", "", true) {
		require.NoError(t, info.Err)
		require.NotEmpty(t, info.Key)
		require.GreaterOrEqual(t, info.Size, int64(0))
		recursive = append(recursive, info.Key)
	}
	require.Equal(t, []string{"a/1.txt", "a/2.txt", "top.txt"}, recursive)

	var shallow []string
	for info := range client.ListObjects(ctx, "bucket", "", false) {
		require.NoError(t, info.Err)
		shallow = append(shallow, info.Key)
	}
	require.ElementsMatch(t, []string{"a/", "top.txt"}, shallow)
}

func TestIncompleteUploads(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))
	uploadID := srv.SeedUpload("bucket", "pending.bin", map[int][]byte{1: []byte("data")})

	var uploads []UploadInfo
	for u := range client.ListIncompleteUploads(ctx, "bucket", "") {
		require.NoError(t, u.Err)
		uploads = append(uploads, u)
	}
	require.Len(t, uploads, 1)
	require.Equal(t, "pending.bin", uploads[0].Key)
	require.Equal(t, uploadID, uploads[0].UploadID)

	require.NoError(t, client.RemoveIncompleteUpload(ctx, "bucket", "pending.bin"))

	count := 0
	for u := range client.ListIncompleteUploads(ctx, "bucket", "") {
		require.NoError(t, u.Err)
		count++
	}
	require.Zero(t, count)

	// Removing again is a no-op.
	require.NoError(t, client.RemoveIncompleteUpload(ctx, "bucket", "pending.bin"))
}

func TestFPutFGet(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))

	data := payload(1024 * 1024)
	srcPath := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(srcPath, data, 0o644))

	etag, err := client.FPutObject(ctx, "bucket", "file.bin", srcPath, "")
	require.NoError(t, err)
	require.Equal(t, md5Hex(data), etag)

	dstPath := filepath.Join(t.TempDir(), "downloaded.bin")
	require.NoError(t, client.FGetObject(ctx, "bucket", "file.bin", dstPath))

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// The part artifact must be gone after the rename.
	_, err = os.Stat(fmt.Sprintf("%s.%s.part", dstPath, etag))
	require.True(t, os.IsNotExist(err))
}

func TestFGetResume(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))

	data := payload(256 * 1024)
	_, err := client.PutObject(ctx, "bucket", "file.bin", data, "")
	require.NoError(t, err)

	dstPath := filepath.Join(t.TempDir(), "resumed.bin")
	partPath := fmt.Sprintf("%s.%s.part", dstPath, md5Hex(data))

	// A previous attempt left the first 100 KiB behind.
	require.NoError(t, os.WriteFile(partPath, data[:100*1024], 0o644))

	require.NoError(t, client.FGetObject(ctx, "bucket", "file.bin", dstPath))

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPresignedGetObject(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	data := []byte("presigned content")
	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))
	_, err := client.PutObject(ctx, "bucket", "obj.txt", data, "text/plain")
	require.NoError(t, err)

	presigned, err := client.PresignedGetObject(ctx, "bucket", "obj.txt", 3600)
	require.NoError(t, err)
	require.Contains(t, presigned, "X-Amz-Signature=")

	resp, err := http.Get(presigned)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPresignedAnonymousRefused(t *testing.T) {
	t.Parallel()

	client, err := New(Config{Endpoint: "play.example.net"})
	require.NoError(t, err)

	_, err = client.PresignedGetObject(context.Background(), "bucket", "obj", 3600)
	require.ErrorIs(t, err, ErrAnonymousRequest)

	_, err = client.PresignedPutObject(context.Background(), "bucket", "obj", 3600)
	require.ErrorIs(t, err, ErrAnonymousRequest)

	policy := NewPostPolicy()
	require.NoError(t, policy.SetBucket("bucket"))
	require.NoError(t, policy.SetKey("obj"))
	require.NoError(t, policy.SetExpires(time.Now().Add(time.Hour)))
	_, err = client.PresignedPostPolicy(context.Background(), policy)
	require.ErrorIs(t, err, ErrAnonymousRequest)
}

func TestPresignedPostPolicy(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))

	policy := NewPostPolicy()
	require.NoError(t, policy.SetBucket("bucket"))
	require.NoError(t, policy.SetKey("uploads/report.pdf"))
	require.NoError(t, policy.SetContentType("application/pdf"))
	require.NoError(t, policy.SetContentLengthRange(1, 10*1024*1024))
	require.NoError(t, policy.SetExpires(time.Now().Add(time.Hour)))

	formData, err := client.PresignedPostPolicy(ctx, policy)
	require.NoError(t, err)

	require.Equal(t, "bucket", formData["bucket"])
	require.Equal(t, "uploads/report.pdf", formData["key"])
	require.Equal(t, "application/pdf", formData["Content-Type"])
	require.Equal(t, "AWS4-HMAC-SHA256", formData["x-amz-algorithm"])
	require.Contains(t, formData["x-amz-credential"], "skiffadmin/")
	require.NotEmpty(t, formData["policy"])
	require.Regexp(t, `^[0-9a-f]{64}$`, formData["x-amz-signature"])
}

func TestPostPolicyValidation(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	// Unsigned policies must name a bucket and an expiry.
	policy := NewPostPolicy()
	_, err := client.PresignedPostPolicy(ctx, policy)
	require.Error(t, err)

	require.NoError(t, policy.SetBucket("bucket"))
	_, err = client.PresignedPostPolicy(ctx, policy)
	require.Error(t, err)

	require.Error(t, policy.SetContentLengthRange(10, 1))
	require.Error(t, policy.SetKey(""))
}

func TestTrace(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	var buf bytes.Buffer
	client.TraceOn(&buf)

	_, err := client.ListBuckets(ctx)
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, "REQUEST GET /")
	require.Contains(t, out, "RESPONSE 200")
	require.Contains(t, out, "Signature=**REDACTED**")
	require.NotContains(t, strings.ReplaceAll(out, "Signature=**REDACTED**", ""), "Signature=")

	client.TraceOff()
	buf.Reset()
	_, err = client.ListBuckets(ctx)
	require.NoError(t, err)
	require.Empty(t, buf.String())
}

func TestConcurrentOperations(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, "")
	ctx := context.Background()

	require.NoError(t, client.MakeBucket(ctx, "bucket", "", ""))

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			key := fmt.Sprintf("obj-%d", i)
			if _, err := client.PutObject(ctx, "bucket", key, []byte(key), ""); err != nil {
				errs <- err
				return
			}
			body, err := client.GetObject(ctx, "bucket", key)
			if err != nil {
				errs <- err
				return
			}
			got, err := io.ReadAll(body)
			body.Close()
			if err != nil {
				errs <- err
				return
			}
			if string(got) != key {
				errs <- errors.New("payload mismatch for " + key)
				return
			}
			errs <- nil
		}(i)
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, <-errs)
	}
}
