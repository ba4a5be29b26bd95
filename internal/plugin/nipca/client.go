// Package nipca integrates IP cameras speaking the NIPCA text CGI
// protocol (D-Link and compatible devices). Cameras expose a handful of
// fixed CGI endpoints returning key=value lines plus a long-lived
// notify stream for motion events.
package nipca

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/icholy/digest"
)

// CGI endpoint paths, relative to the camera's presentation URL
const (
	commonInfoPath   = "/common/info.cgi"
	streamInfoPath   = "/config/stream_info.cgi"
	snapshotPath     = "/image/jpeg.cgi"
	notifyStreamPath = "/config/notify_stream.cgi"
)

// motionInfoPaths is the probe order for the motion configuration
// endpoint. Some D-Link firmwares only answer on the short path.
var motionInfoPaths = []string{
	"/config/motion.cgi",
	"/motion.cgi",
}

// AuthType selects the HTTP authentication scheme
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthDigest AuthType = "digest"
)

const requestTimeout = 10 * time.Second

// Client talks to a single NIPCA camera
type Client struct {
	baseURL  string
	username string
	password string
	authType AuthType

	http   *http.Client // short-lived attribute requests
	stream *http.Client // notify stream, no overall timeout
	logger *slog.Logger
}

// NewClient creates a client for the camera at baseURL
func NewClient(baseURL, username, password string, authType AuthType) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")

	var transport http.RoundTripper = http.DefaultTransport
	if authType == AuthDigest && username != "" {
		transport = &digest.Transport{
			Username: username,
			Password: password,
		}
	}

	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		authType: authType,
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
		stream: &http.Client{
			Transport: transport,
		},
		logger: slog.Default().With("component", "nipca_client", "camera", baseURL),
	}
}

// BaseURL returns the camera's base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// endpoint joins a CGI path onto the base URL
func (c *Client) endpoint(path string) string {
	return c.baseURL + path
}

// SnapshotURL returns the still image URL
func (c *Client) SnapshotURL() string {
	return c.endpoint(snapshotPath)
}

// NotifyStreamURL returns the notify stream URL
func (c *Client) NotifyStreamURL() string {
	return c.endpoint(notifyStreamPath)
}

// FetchAttributes performs a GET against the given CGI path and parses
// the key=value response body into a flat attribute map.
func (c *Client) FetchAttributes(ctx context.Context, path string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("camera returned %s for %s", resp.Status, path)
	}

	return c.parseAttributes(resp.Body, path), nil
}

// parseAttributes reads key=value lines from r. Keys are lowercased and
// later lines overwrite earlier ones. Lines without '=' are skipped.
func (c *Client) parseAttributes(r io.Reader, path string) map[string]string {
	result := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			c.logger.Debug("Skipping unparseable line", "path", path, "line", line)
			continue
		}
		result[strings.ToLower(key)] = value
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("Attribute read ended early", "path", path, "error", err)
	}

	return result
}

// FetchSnapshot requests a still image from the camera. The caller
// owns the returned body and must close it.
func (c *Client) FetchSnapshot(ctx context.Context) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.SnapshotURL(), nil)
	if err != nil {
		return nil, "", err
	}
	c.setAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("snapshot request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, "", fmt.Errorf("camera returned %s for snapshot", resp.Status)
	}

	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// OpenNotifyStream opens the long-lived notify stream. The caller owns
// the returned stream and must close it.
func (c *Client) OpenNotifyStream(ctx context.Context) (*NotifyStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.NotifyStreamURL(), nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notify stream request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("camera returned %s for notify stream", resp.Status)
	}

	return newNotifyStream(resp.Body), nil
}

// setAuth applies basic credentials to a request. Digest auth is
// handled by the transport and needs nothing here.
func (c *Client) setAuth(req *http.Request) {
	if c.authType == AuthBasic && c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}
