// Package skiff is a client for S3-compatible object storage services. It
// covers bucket and object management, streaming uploads and downloads with
// multipart resume, presigned URLs, and POST policies.
package skiff

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Version is reported in the User-Agent of every request.
const Version = "0.1.0"

// Config carries everything needed to construct a Client. It is copied at
// construction time and never mutated afterwards.
type Config struct {
	// Endpoint is the host name or IP of the service, without scheme or port.
	Endpoint string

	// Port overrides the protocol default (80 for http, 443 for https)
	// when non-zero.
	Port int

	// Secure selects https.
	Secure bool

	// AccessKey and SecretKey authenticate requests. Leaving either empty
	// makes the client anonymous: requests are unsigned and presign
	// operations are refused.
	AccessKey string
	SecretKey string

	// Transport overrides the HTTP transport used for all requests.
	Transport http.RoundTripper

	// AppName and AppVersion, when set, are appended to the User-Agent.
	AppName    string
	AppVersion string
}

// Client is a handle to one endpoint. It is safe for concurrent use; the
// bucket-region cache and the trace writer are its only mutable state.
type Client struct {
	cfg        Config
	httpClient *http.Client
	regions    *regionCache
	userAgent  string

	traceMu  sync.Mutex
	traceOut io.Writer
}

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*$`)

func isValidEndpoint(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return hostnamePattern.MatchString(host)
}

// New validates cfg and returns a Client. No network I/O happens here.
func New(cfg Config) (*Client, error) {
	if !isValidEndpoint(cfg.Endpoint) {
		return nil, InvalidEndpointError{Endpoint: cfg.Endpoint, Message: "endpoint must be a host name or IP address without scheme or port"}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, InvalidArgumentError{Message: fmt.Sprintf("port %d out of range", cfg.Port)}
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	ua := fmt.Sprintf("Skiff (%s; %s) skiff/%s", runtime.GOOS, runtime.GOARCH, Version)
	if cfg.AppName != "" && cfg.AppVersion != "" {
		ua += " " + cfg.AppName + "/" + cfg.AppVersion
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		regions:    newRegionCache(),
		userAgent:  ua,
	}, nil
}

// anonymous reports whether the client has no usable credentials.
func (c *Client) anonymous() bool {
	return c.cfg.AccessKey == "" || c.cfg.SecretKey == ""
}

// scheme returns the URL scheme for this client.
func (c *Client) scheme() string {
	if c.cfg.Secure {
		return "https"
	}
	return "http"
}

// hostAddr returns "host" or "host:port", eliding the port when it matches
// the protocol default.
func (c *Client) hostAddr() string {
	port := c.cfg.Port
	if port == 0 {
		return c.cfg.Endpoint
	}
	if c.cfg.Secure && port == 443 {
		return c.cfg.Endpoint
	}
	if !c.cfg.Secure && port == 80 {
		return c.cfg.Endpoint
	}
	return fmt.Sprintf("%s:%d", c.cfg.Endpoint, port)
}

// isAmazonEndpoint reports whether the configured endpoint is an AWS S3 host,
// which is what selects virtual-host-style addressing.
func (c *Client) isAmazonEndpoint() bool {
	host := strings.ToLower(c.cfg.Endpoint)
	return host == "s3.amazonaws.com" || strings.HasSuffix(host, ".amazonaws.com")
}

// TraceOn writes a human-readable dump of every request and response to w.
// Signature values in Authorization headers are redacted.
func (c *Client) TraceOn(w io.Writer) {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	c.traceOut = w
}

// TraceOff disables tracing.
func (c *Client) TraceOff() {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	c.traceOut = nil
}

func (c *Client) now() time.Time {
	return time.Now().UTC()
}
