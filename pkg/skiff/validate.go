package skiff

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)

// checkBucketName enforces the S3 bucket naming rules: 3-63 characters,
// lowercase letters, digits, dots and dashes, no leading or trailing
// separator, no adjacent dots, and not an IP-address shape.
func checkBucketName(bucket string) error {
	if len(bucket) < 3 || len(bucket) > 63 {
		return InvalidBucketNameError{Bucket: bucket, Message: "must be between 3 and 63 characters"}
	}
	if !bucketNamePattern.MatchString(bucket) {
		return InvalidBucketNameError{Bucket: bucket, Message: "must contain only lowercase letters, digits, dots, and dashes"}
	}
	if strings.Contains(bucket, "..") {
		return InvalidBucketNameError{Bucket: bucket, Message: "must not contain adjacent dots"}
	}
	if ipAddressPattern.MatchString(bucket) {
		return InvalidBucketNameError{Bucket: bucket, Message: "must not be formatted as an IP address"}
	}
	return nil
}

var ipAddressPattern = regexp.MustCompile(`^(\d+\.){3}\d+$`)

// checkObjectName enforces the object key rules: non-empty, at most 1024
// bytes, valid UTF-8, no leading slash.
func checkObjectName(object string) error {
	if object == "" {
		return InvalidObjectNameError{Object: object, Message: "must not be empty"}
	}
	if len(object) > 1024 {
		return InvalidObjectNameError{Object: object, Message: "must be at most 1024 bytes"}
	}
	if !utf8.ValidString(object) {
		return InvalidObjectNameError{Object: object, Message: "must be valid UTF-8"}
	}
	if strings.HasPrefix(object, "/") {
		return InvalidObjectNameError{Object: object, Message: "must not begin with a slash"}
	}
	return nil
}

// checkPrefix applies the object key rules to a listing prefix, which may
// additionally be empty.
func checkPrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	if err := checkObjectName(prefix); err != nil {
		return InvalidArgumentError{Message: "invalid prefix: " + err.Error()}
	}
	return nil
}

// Canned ACL vocabulary accepted by MakeBucket and SetBucketACL.
const (
	ACLPrivate           = "private"
	ACLPublicRead        = "public-read"
	ACLPublicReadWrite   = "public-read-write"
	ACLAuthenticatedRead = "authenticated-read"
)

func checkACL(acl string) error {
	switch acl {
	case ACLPrivate, ACLPublicRead, ACLPublicReadWrite, ACLAuthenticatedRead:
		return nil
	}
	return InvalidArgumentError{Message: "unknown canned ACL " + acl}
}
