package skiff

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"skiff/pkg/sigv4"
)

// PostPolicy declares the constraints of a browser-based POST upload: which
// bucket and key, what content type, how large, and until when. Build it with
// the setters, then hand it to PresignedPostPolicy.
type PostPolicy struct {
	expiration time.Time

	conditions []policyCondition

	// contentLengthRange is kept out of conditions because it is the one
	// condition with no formData companion.
	lengthRangeMin int64
	lengthRangeMax int64
	lengthRangeSet bool

	formData map[string]string
}

type policyCondition struct {
	matchType string
	condition string
	value     string
}

// NewPostPolicy returns an empty policy.
func NewPostPolicy() *PostPolicy {
	return &PostPolicy{formData: make(map[string]string)}
}

// SetExpires sets the time the policy stops being accepted.
func (p *PostPolicy) SetExpires(t time.Time) error {
	if t.IsZero() {
		return InvalidArgumentError{Message: "expiration time must be set"}
	}
	p.expiration = t
	return nil
}

// SetKey restricts uploads to exactly this object key.
func (p *PostPolicy) SetKey(key string) error {
	if err := checkObjectName(key); err != nil {
		return err
	}
	p.appendCondition("eq", "$key", key)
	p.formData["key"] = key
	return nil
}

// SetKeyStartsWith restricts uploads to keys under the given prefix.
func (p *PostPolicy) SetKeyStartsWith(prefix string) error {
	if err := checkPrefix(prefix); err != nil {
		return err
	}
	p.appendCondition("starts-with", "$key", prefix)
	p.formData["key"] = prefix
	return nil
}

// SetBucket pins the policy to a bucket.
func (p *PostPolicy) SetBucket(bucket string) error {
	if err := checkBucketName(bucket); err != nil {
		return err
	}
	p.appendCondition("eq", "$bucket", bucket)
	p.formData["bucket"] = bucket
	return nil
}

// SetContentType restricts the uploaded content type.
func (p *PostPolicy) SetContentType(contentType string) error {
	if contentType == "" {
		return InvalidArgumentError{Message: "content type must not be empty"}
	}
	p.appendCondition("eq", "$Content-Type", contentType)
	p.formData["Content-Type"] = contentType
	return nil
}

// SetContentLengthRange bounds the size of the uploaded payload.
func (p *PostPolicy) SetContentLengthRange(min, max int64) error {
	if min < 0 || max < min {
		return InvalidArgumentError{Message: "content length range must satisfy 0 <= min <= max"}
	}
	p.lengthRangeMin = min
	p.lengthRangeMax = max
	p.lengthRangeSet = true
	return nil
}

func (p *PostPolicy) appendCondition(matchType, condition, value string) {
	// A later setter for the same condition replaces the earlier one.
	for i, c := range p.conditions {
		if c.condition == condition {
			p.conditions[i] = policyCondition{matchType: matchType, condition: condition, value: value}
			return
		}
	}
	p.conditions = append(p.conditions, policyCondition{matchType: matchType, condition: condition, value: value})
}

func (p *PostPolicy) bucket() string {
	return p.formData["bucket"]
}

// marshalJSON renders the policy document.
func (p *PostPolicy) marshalJSON() []byte {
	expiration := `"expiration":"` + p.expiration.UTC().Format(time.RFC3339) + `"`

	var conditions []string
	for _, c := range p.conditions {
		conditions = append(conditions, fmt.Sprintf(`["%s","%s","%s"]`, c.matchType, c.condition, c.value))
	}
	if p.lengthRangeSet {
		conditions = append(conditions, fmt.Sprintf(`["content-length-range",%d,%d]`, p.lengthRangeMin, p.lengthRangeMax))
	}

	return []byte("{" + expiration + `,"conditions":[` + strings.Join(conditions, ",") + "]}")
}

// PresignedPostPolicy finalizes and signs the policy, returning the form
// fields a browser form needs to POST an upload. The client does not submit
// anything itself. Refused for anonymous clients.
func (c *Client) PresignedPostPolicy(ctx context.Context, p *PostPolicy) (map[string]string, error) {
	if c.anonymous() {
		return nil, ErrAnonymousRequest
	}
	if p.expiration.IsZero() {
		return nil, InvalidArgumentError{Message: "policy expiration must be set before signing"}
	}
	if p.bucket() == "" {
		return nil, InvalidArgumentError{Message: "policy bucket must be set before signing"}
	}

	region, err := c.resolveRegion(ctx, p.bucket())
	if err != nil {
		return nil, err
	}

	t := c.now()
	credential := c.cfg.AccessKey + "/" + sigv4.CredentialScope(region, t)

	p.appendCondition("eq", "$x-amz-date", sigv4.AmzDate(t))
	p.appendCondition("eq", "$x-amz-algorithm", sigv4.Algorithm)
	p.appendCondition("eq", "$x-amz-credential", credential)

	policyBase64 := base64.StdEncoding.EncodeToString(p.marshalJSON())
	signature := sigv4.PostPolicySignature(policyBase64, c.cfg.SecretKey, region, t)

	formData := map[string]string{
		"policy":           policyBase64,
		"x-amz-date":       sigv4.AmzDate(t),
		"x-amz-algorithm":  sigv4.Algorithm,
		"x-amz-credential": credential,
		"x-amz-signature":  signature,
	}
	for k, v := range p.formData {
		formData[k] = v
	}

	return formData, nil
}
