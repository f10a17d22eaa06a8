// Package upstream talks to the frpc admin API on behalf of the proxy.
//
// Every call is signed with the internal credential pair, whatever the
// inbound caller authenticated with. Failures never surface as Go errors to
// the caller's request path: they come back as a Result whose Err is set and
// whose Body is an error-shaped JSON payload, so call sites decide whether to
// relay, log, or ignore them.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"

	"frpc-authproxy/pkg/model"
)

const (
	ConfigPath = "/api/config"
	ReloadPath = "/api/reload"
	StatusPath = "/api/status"

	DefaultTimeout = 10 * time.Second
	ReloadTimeout  = 5 * time.Second

	maxResponseBytes = 16 << 20
)

// CredentialSource yields the pair used to sign upstream requests.
type CredentialSource interface {
	Internal() model.Credentials
}

// Result is the outcome of one upstream call.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
	Err         error
}

// OK reports whether the call reached the upstream and got a 2xx answer.
func (r Result) OK() bool { return r.Err == nil }

// ErrorShaped reports whether the body cannot be frpc config text: the call
// failed, the body is empty, or it is a JSON object.
func (r Result) ErrorShaped() bool {
	if r.Err != nil {
		return true
	}
	trimmed := bytes.TrimLeft(r.Body, " \t\r\n")
	return len(trimmed) == 0 || trimmed[0] == '{'
}

func failed(status int, err error) Result {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	return Result{Status: status, ContentType: "application/json", Body: body, Err: err}
}

// Client issues Basic-auth signed requests to the frpc admin API.
type Client struct {
	base   string
	creds  CredentialSource
	http   *http.Client
	logger hclog.Logger

	Timeout       time.Duration
	ReloadTimeout time.Duration
}

func NewClient(baseURL string, creds CredentialSource, logger hclog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream url %q: missing host", baseURL)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{
		base:          strings.TrimRight(u.String(), "/"),
		creds:         creds,
		http:          cleanhttp.DefaultPooledClient(),
		logger:        logger,
		Timeout:       DefaultTimeout,
		ReloadTimeout: ReloadTimeout,
	}, nil
}

// Call sends method to path (which may carry a query string) with an
// optional body and the generic timeout.
func (c *Client) Call(ctx context.Context, method, path string, body []byte) Result {
	return c.do(ctx, c.Timeout, method, path, body)
}

// Reload asks frpc to reload its configuration.
func (c *Client) Reload(ctx context.Context) Result {
	return c.do(ctx, c.ReloadTimeout, http.MethodGet, ReloadPath, nil)
}

// Probe reports whether frpc answers its status endpoint.
func (c *Client) Probe(ctx context.Context) error {
	return c.do(ctx, c.ReloadTimeout, http.MethodGet, StatusPath, nil).Err
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body []byte) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return failed(0, fmt.Errorf("build request: %w", err))
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "text/plain")
	}
	internal := c.creds.Internal()
	req.SetBasicAuth(internal.Username, internal.Password)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("upstream call failed", "method", method, "path", path, "error", err)
		return failed(0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failed(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	c.logger.Debug("upstream call", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(resp.StatusCode, fmt.Errorf("upstream returned %s", resp.Status))
	}
	return Result{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}
}
