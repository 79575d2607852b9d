// Package sigv4 presigns WebSocket connection URLs for the Kinesis Video
// Streams signaling service using AWS Signature Version 4 query-string
// authentication.
//
// The AWS SDKs only presign HTTP requests, and the signaling service needs the
// session token inside the canonical request, so the scheme is implemented
// directly here.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	Algorithm      = "AWS4-HMAC-SHA256"
	DefaultService = "kinesisvideo"
	// DefaultExpires is the presigned URL lifetime in seconds.
	DefaultExpires = "299"

	secureWebSocketPrefix = "wss://"
	requestType           = "aws4_request"
	signedHeaders         = "host"
	method                = "GET"

	dateTimeFormat = "20060102T150405Z"
	dateFormat     = "20060102"
)

// Query parameter names used by the presigned URL.
const (
	ParamAlgorithm     = "X-Amz-Algorithm"
	ParamCredential    = "X-Amz-Credential"
	ParamDate          = "X-Amz-Date"
	ParamExpires       = "X-Amz-Expires"
	ParamSecurityToken = "X-Amz-Security-Token"
	ParamSignature     = "X-Amz-Signature"
	ParamSignedHeaders = "X-Amz-SignedHeaders"
)

var (
	ErrInsecureEndpoint = errors.New("sigv4: endpoint is not a secure websocket endpoint")
	ErrEndpointHasQuery = errors.New("sigv4: endpoint must not contain query parameters")
)

// Credentials are the long-term or temporary AWS credentials used for signing.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Signer produces presigned URLs. It holds no mutable state and is safe for
// concurrent use.
type Signer struct {
	region  string
	creds   Credentials
	service string
	newHash func() hash.Hash
}

type Option func(*Signer)

// WithService overrides the signing service name.
func WithService(service string) Option {
	return func(s *Signer) {
		s.service = service
	}
}

func NewSigner(region string, creds Credentials, opts ...Option) *Signer {
	s := &Signer{
		region:  region,
		creds:   creds,
		service: DefaultService,
		newHash: sha256.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetSignedURL returns endpoint with queryParams and the SigV4 authentication
// parameters appended, signed for date.
//
// endpoint must start with wss:// and must not carry a query string; both
// are checked before any hashing happens.
func (s *Signer) GetSignedURL(endpoint string, queryParams map[string]string, date time.Time) (string, error) {
	if !strings.HasPrefix(endpoint, secureWebSocketPrefix) {
		return "", fmt.Errorf("%w: %q should start with %q", ErrInsecureEndpoint, endpoint, secureWebSocketPrefix)
	}
	if strings.Contains(endpoint, "?") {
		return "", fmt.Errorf("%w: %q", ErrEndpointHasQuery, endpoint)
	}

	host, path := splitEndpoint(endpoint)

	date = date.UTC()
	dateTime := date.Format(dateTimeFormat)
	dateStamp := date.Format(dateFormat)
	scope := s.credentialScope(dateStamp)

	params := make(map[string]string, len(queryParams)+7)
	for k, v := range queryParams {
		params[k] = v
	}
	params[ParamAlgorithm] = Algorithm
	params[ParamCredential] = s.creds.AccessKeyID + "/" + scope
	params[ParamDate] = dateTime
	params[ParamExpires] = DefaultExpires
	params[ParamSignedHeaders] = signedHeaders
	if s.creds.SessionToken != "" {
		params[ParamSecurityToken] = s.creds.SessionToken
	}

	canonicalQuery := CanonicalQueryString(params)
	canonicalHeaders := "host:" + host + "\n"

	canonicalRequest := strings.Join([]string{
		method,
		path,
		canonicalQuery,
		canonicalHeaders,
		signedHeaders,
		s.hexHash(""),
	}, "\n")

	stringToSign := strings.Join([]string{
		Algorithm,
		dateTime,
		scope,
		s.hexHash(canonicalRequest),
	}, "\n")

	signingKey := s.signingKey(dateStamp)
	signature := hex.EncodeToString(s.hmac(signingKey, stringToSign))

	params[ParamSignature] = signature
	return secureWebSocketPrefix + host + path + "?" + CanonicalQueryString(params), nil
}

func (s *Signer) credentialScope(dateStamp string) string {
	return strings.Join([]string{dateStamp, s.region, s.service, requestType}, "/")
}

// signingKey chains HMACs over the scope components, each output keying the
// next step.
func (s *Signer) signingKey(dateStamp string) []byte {
	key := []byte("AWS4" + s.creds.SecretAccessKey)
	for _, part := range []string{dateStamp, s.region, s.service, requestType} {
		key = s.hmac(key, part)
	}
	return key
}

func (s *Signer) hmac(key []byte, msg string) []byte {
	mac := hmac.New(s.newHash, key)
	_, _ = mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func (s *Signer) hexHash(msg string) string {
	h := s.newHash()
	_, _ = h.Write([]byte(msg))
	return hex.EncodeToString(h.Sum(nil))
}

func splitEndpoint(endpoint string) (host, path string) {
	rest := strings.TrimPrefix(endpoint, secureWebSocketPrefix)
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return rest, "/"
	}
	return rest[:idx], rest[idx:]
}

// CanonicalQueryString renders params sorted by key with RFC 3986 encoded
// values. The verifying service re-derives this string byte for byte.
func CanonicalQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(uriEncode(params[k]))
	}
	return b.String()
}

// uriEncode escapes everything outside the RFC 3986 unreserved set.
func uriEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
