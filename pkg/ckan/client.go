package ckan

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pose-ckan/catalog-import/pkg/pipeline/redact"
)

// Client calls the CKAN action API (<base>/api/action/<name>).
//
// Note: one call per Action; no batching and no retry. Pacing and retries
// belong to the caller.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	http       *http.Client
	logger     *log.Logger
	userAgent  string
	structured map[string]struct{}
}

// File is a local file attached to an action call as the "upload" part.
type File struct {
	// Name is the filename reported to CKAN. Defaults to the base name of Path.
	Name string
	Path string
}

// Response is the decoded action envelope plus the raw body.
type Response struct {
	StatusCode int
	Success    bool
	Result     json.RawMessage
	Raw        []byte
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests, custom transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger echoes every parsed response body to logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = strings.TrimSpace(ua)
	}
}

// WithStructuredFields replaces the table of fields sent as JSON values in JSON mode.
func WithStructuredFields(names ...string) Option {
	return func(c *Client) {
		c.structured = make(map[string]struct{}, len(names))
		for _, n := range names {
			c.structured[strings.TrimSpace(n)] = struct{}{}
		}
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// NewClient constructs a client for a CKAN site (for example, "https://catalog.example.org").
//
// defaultCAPath is optional and, when provided, will be used as the trust store for TLS.
func NewClient(baseURL, apiKey, defaultCAPath string, opts ...Option) (*Client, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	hc, err := newHTTPClient(defaultCAPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL: base,
		apiKey:  strings.TrimSpace(apiKey),
		http:    hc,
	}
	WithStructuredFields(DefaultStructuredFields...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("ckan base URL is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ckan base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ckan base URL must include a host (got %q)", raw)
	}
	// Ensure the base path ends with a slash so ResolveReference treats it as a directory.
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func newHTTPClient(defaultCAPath string) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if strings.TrimSpace(defaultCAPath) != "" {
		b, err := os.ReadFile(strings.TrimSpace(defaultCAPath))
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("parse CA bundle PEM: no certs found")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{
		Transport: tr,
		Timeout:   60 * time.Second,
	}, nil
}

// Action POSTs fields to the named action.
//
// With file == nil the body is JSON: structured fields (see WithStructuredFields)
// are sent as JSON values and every other field as a string. With a file the
// body is multipart/form-data carrying every field as text plus the file content.
//
// A non-2xx status or a success=false envelope returns the decoded response
// together with a *HTTPError.
func (c *Client) Action(ctx context.Context, name string, fields Fields, file *File) (*Response, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("action name is required")
	}

	var (
		body        io.Reader
		contentType string
	)
	if file != nil {
		b, ct, err := multipartBody(fields, *file)
		if err != nil {
			return nil, fmt.Errorf("%s: build multipart body: %w", name, err)
		}
		body, contentType = bytes.NewReader(b), ct
	} else {
		m, err := jsonBody(fields, c.structured)
		if err != nil {
			return nil, fmt.Errorf("%s: build json body: %w", name, err)
		}
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("%s: encode json body: %w", name, err)
		}
		body, contentType = bytes.NewReader(b), "application/json"
	}

	u := c.resolve("api/action/" + url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &Response{StatusCode: resp.StatusCode, Raw: rb}
	var env actionEnvelope
	if json.Unmarshal(rb, &env) == nil {
		out.Success = env.Success != nil && *env.Success
		out.Result = env.Result
	}
	c.echo(name, out)

	if resp.StatusCode/100 != 2 || !out.Success {
		return out, newHTTPError(name, resp, rb)
	}
	return out, nil
}

// OrganizationExists looks the organization up with organization_show.
func (c *Client) OrganizationExists(ctx context.Context, slug string) (bool, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return false, fmt.Errorf("organization slug is required")
	}
	fields := Fields{}
	fields.SetScalar("id", slug)
	_, err := c.Action(ctx, "organization_show", fields, nil)
	if err == nil {
		return true, nil
	}
	var he *HTTPError
	if errors.As(err, &he) && he.NotFound() {
		return false, nil
	}
	return false, err
}

func (c *Client) echo(action string, resp *Response) {
	if c.logger == nil || resp == nil {
		return
	}
	var compact bytes.Buffer
	text := string(resp.Raw)
	if json.Compact(&compact, resp.Raw) == nil {
		text = compact.String()
	}
	c.logger.Printf("action=%s status=%d response=%s", action, resp.StatusCode, redact.Secrets(text))
}

func (c *Client) resolve(relPath string) *url.URL {
	relPath = strings.TrimPrefix(relPath, "/")
	rel := &url.URL{Path: relPath}
	return c.baseURL.ResolveReference(rel)
}

func multipartBody(fields Fields, file File) ([]byte, string, error) {
	path := strings.TrimSpace(file.Path)
	if path == "" {
		return nil, "", fmt.Errorf("file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = f.Close()
	}()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, k := range fields.Keys() {
		if k == "upload" {
			continue
		}
		v, err := stringValue(fields[k])
		if err != nil {
			return nil, "", fmt.Errorf("field %q: %w", k, err)
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	name := strings.TrimSpace(file.Name)
	if name == "" {
		name = filepath.Base(abs)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="upload"; filename=%q`, name))
	h.Set("Content-Type", "application/octet-stream")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
