// Package sigv4 implements the client side of AWS Signature Version 4 for the
// S3 service: Authorization headers, presigned URL query signatures, and
// POST-policy signatures.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	Algorithm = "AWS4-HMAC-SHA256"

	ServiceName = "s3"

	// UnsignedPayload is the x-amz-content-sha256 value for requests whose
	// payload hash is not computed up front (presigned uploads).
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// EmptyPayloadHash is the SHA-256 of zero bytes.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	amzDateFormat   = "20060102T150405Z"
	dateStampLayout = "20060102"
)

// Headers never included in the signed-headers set. Content-Length is signed
// implicitly through the payload hash; Authorization cannot sign itself.
var ignoredHeaders = map[string]bool{
	"authorization":  true,
	"content-length": true,
	"content-type":   true,
	"user-agent":     true,
}

// EncodePath escapes a URI path the way SigV4 canonicalization requires:
// unreserved characters are left alone, '/' is kept as a separator, and
// everything else becomes uppercase percent escapes.
func EncodePath(s string) string {
	return awsURLEncode(s, false)
}

func awsURLEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}

	values := u.Query()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			encodedKey := awsURLEncode(k, true)
			encodedVal := awsURLEncode(v, true)
			parts = append(parts, encodedKey+"="+encodedVal)
		}
	}

	return strings.Join(parts, "&")
}

func canonicalHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	fields := strings.Fields(v)
	return strings.Join(fields, " ")
}

// SignedHeaderNames returns the sorted, lower-cased names of the headers that
// participate in the signature: host plus every request header not in the
// ignored set.
func SignedHeaderNames(r *http.Request) []string {
	names := []string{"host"}
	for name := range r.Header {
		lower := strings.ToLower(name)
		if ignoredHeaders[lower] {
			continue
		}
		names = append(names, lower)
	}
	sort.Strings(names)
	return names
}

// BuildCanonicalRequest assembles the SigV4 canonical request for r over the
// given signed header names and payload hash.
func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string) string {
	canonicalURI := awsURLEncode(r.URL.Path, false)
	canonicalQS := canonicalQueryString(r.URL)

	lowerNames := make([]string, len(signedHeaderNames))
	for i, h := range signedHeaderNames {
		lowerNames[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var hdrBuilder strings.Builder
	for _, name := range lowerNames {
		if name == "" {
			continue
		}
		var value string
		if name == "host" {
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		} else {
			value = r.Header.Get(name)
		}
		value = canonicalHeaderValue(value)
		hdrBuilder.WriteString(name)
		hdrBuilder.WriteString(":")
		hdrBuilder.WriteString(value)
		hdrBuilder.WriteString("\n")
	}
	canonicalHeaders := hdrBuilder.String()
	canonicalSignedHeaders := strings.Join(lowerNames, ";")

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString("\n")
	b.WriteString(canonicalURI)
	b.WriteString("\n")
	b.WriteString(canonicalQS)
	b.WriteString("\n")
	b.WriteString(canonicalHeaders)
	b.WriteString("\n")
	b.WriteString(canonicalSignedHeaders)
	b.WriteString("\n")
	b.WriteString(payloadHash)

	return b.String()
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// SigningKey derives the per-day signing key from the secret through the
// kSecret -> kDate -> kRegion -> kService -> kSigning HMAC chain.
func SigningKey(secretKey, region string, t time.Time) []byte {
	kSecret := []byte("AWS4" + secretKey)
	kDate := HmacSHA256(kSecret, t.UTC().Format(dateStampLayout))
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, ServiceName)
	return HmacSHA256(kService, "aws4_request")
}

// CredentialScope returns "{YYYYMMDD}/{region}/s3/aws4_request" for t.
func CredentialScope(region string, t time.Time) string {
	return strings.Join([]string{t.UTC().Format(dateStampLayout), region, ServiceName, "aws4_request"}, "/")
}

// AmzDate formats t as the x-amz-date header value.
func AmzDate(t time.Time) string {
	return t.UTC().Format(amzDateFormat)
}

func stringToSign(amzDate, scope, canonicalRequest string) string {
	crHash := sha256.Sum256([]byte(canonicalRequest))

	var b strings.Builder
	b.WriteString(Algorithm)
	b.WriteString("\n")
	b.WriteString(amzDate)
	b.WriteString("\n")
	b.WriteString(scope)
	b.WriteString("\n")
	b.WriteString(hex.EncodeToString(crHash[:]))
	return b.String()
}

// Sign computes the SigV4 Authorization header for r and sets it, along with
// X-Amz-Date. The caller must have set X-Amz-Content-Sha256 beforehand; its
// value is used as the payload hash.
func Sign(r *http.Request, accessKey, secretKey, region string, t time.Time) {
	amzDate := AmzDate(t)
	r.Header.Set("X-Amz-Date", amzDate)

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = UnsignedPayload
	}

	signedNames := SignedHeaderNames(r)
	canonicalReq := BuildCanonicalRequest(r, signedNames, payloadHash)

	scope := CredentialScope(region, t)
	sts := stringToSign(amzDate, scope, canonicalReq)

	signature := hex.EncodeToString(HmacSHA256(SigningKey(secretKey, region, t), sts))

	var auth strings.Builder
	auth.WriteString(Algorithm)
	auth.WriteString(" Credential=")
	auth.WriteString(accessKey)
	auth.WriteString("/")
	auth.WriteString(scope)
	auth.WriteString(", SignedHeaders=")
	auth.WriteString(strings.Join(signedNames, ";"))
	auth.WriteString(", Signature=")
	auth.WriteString(signature)

	r.Header.Set("Authorization", auth.String())
}

// Presign places the SigV4 credential, date, expiry, and signature into r's
// query string instead of the Authorization header and returns the resulting
// URL. The payload is left unsigned, which is what lets an unauthenticated
// HTTP client replay the URL.
func Presign(r *http.Request, accessKey, secretKey, region string, t time.Time, expiresSeconds int64) *url.URL {
	amzDate := AmzDate(t)
	scope := CredentialScope(region, t)

	signedNames := SignedHeaderNames(r)

	q := r.URL.Query()
	q.Set("X-Amz-Algorithm", Algorithm)
	q.Set("X-Amz-Credential", accessKey+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", strconv.FormatInt(expiresSeconds, 10))
	q.Set("X-Amz-SignedHeaders", strings.Join(signedNames, ";"))
	r.URL.RawQuery = q.Encode()

	canonicalReq := BuildCanonicalRequest(r, signedNames, UnsignedPayload)
	sts := stringToSign(amzDate, scope, canonicalReq)
	signature := hex.EncodeToString(HmacSHA256(SigningKey(secretKey, region, t), sts))

	r.URL.RawQuery += "&X-Amz-Signature=" + signature
	return r.URL
}

// PostPolicySignature signs a base64-encoded POST policy document with the
// signing key for (region, t).
func PostPolicySignature(policyBase64, secretKey, region string, t time.Time) string {
	return hex.EncodeToString(HmacSHA256(SigningKey(secretKey, region, t), policyBase64))
}
