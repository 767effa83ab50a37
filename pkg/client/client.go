package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Client talks to the botvisor management API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Token    string // admin bearer token
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// APIError is returned for non-success responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a new API client with TLS support
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.System(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) List(ctx context.Context) ([]WorkerStatus, error) {
	var out []WorkerStatus
	return out, c.getJSON(ctx, "/workers", nil, &out)
}

func (c *Client) Status(ctx context.Context, id string) (WorkerDetail, error) {
	var out WorkerDetail
	return out, c.getJSON(ctx, workerPath(id, ""), nil, &out)
}

// Deploy uploads body as req.Filename.
func (c *Client) Deploy(ctx context.Context, req DeployRequest, body io.Reader) (DeployResult, error) {
	c.logger.Debug("Deploying worker", "file", req.Filename, "name", req.Name)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", req.Filename)
	if err != nil {
		return DeployResult{}, err
	}
	if _, err := io.Copy(fw, body); err != nil {
		return DeployResult{}, fmt.Errorf("read upload: %w", err)
	}
	fields := map[string]string{"name": req.Name, "token": req.Token, "start": strconv.FormatBool(!req.NoStart)}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return DeployResult{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return DeployResult{}, err
	}
	var out DeployResult
	err = c.do(ctx, http.MethodPost, "/workers", nil, &buf, mw.FormDataContentType(), &out, http.StatusCreated)
	return out, err
}

// DeployFile uploads a local file.
func (c *Client) DeployFile(ctx context.Context, path string, req DeployRequest) (DeployResult, error) {
	f, err := os.Open(path) // #nosec G304 -- user supplied upload
	if err != nil {
		return DeployResult{}, err
	}
	defer func() { _ = f.Close() }()
	if req.Filename == "" {
		req.Filename = filepath.Base(f.Name())
	}
	return c.Deploy(ctx, req, f)
}

func (c *Client) Start(ctx context.Context, id string) (Result, error) {
	return c.lifecycle(ctx, id, "start")
}

func (c *Client) Stop(ctx context.Context, id string) (Result, error) {
	return c.lifecycle(ctx, id, "stop")
}

func (c *Client) Restart(ctx context.Context, id string) (Result, error) {
	return c.lifecycle(ctx, id, "restart")
}

// lifecycle decodes the result for both success and conflict answers; the
// caller inspects Result.OK and Result.Code.
func (c *Client) lifecycle(ctx context.Context, id, op string) (Result, error) {
	c.logger.Debug("Worker lifecycle", "id", id, "op", op)
	var out Result
	err := c.do(ctx, http.MethodPost, workerPath(id, "/"+op), nil, nil, "", &out, http.StatusOK, http.StatusConflict)
	return out, err
}

func (c *Client) SetAutoRestart(ctx context.Context, id string, on bool) (WorkerStatus, error) {
	body, err := json.Marshal(map[string]bool{"auto_restart": on})
	if err != nil {
		return WorkerStatus{}, fmt.Errorf("marshal request: %w", err)
	}
	var out WorkerStatus
	err = c.do(ctx, http.MethodPatch, workerPath(id, ""), nil, bytes.NewReader(body), "application/json", &out, http.StatusOK)
	return out, err
}

// Delete decommissions a worker, removing its directory and record.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, workerPath(id, ""), nil, nil, "", nil, http.StatusOK)
}

func (c *Client) Logs(ctx context.Context, id string, limit int) (Logs, error) {
	var out Logs
	return out, c.getJSON(ctx, workerPath(id, "/logs"), limitQuery(limit), &out)
}

// Backup snapshots the worker directory and returns the backup path.
func (c *Client) Backup(ctx context.Context, id string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	err := c.do(ctx, http.MethodPost, workerPath(id, "/backup"), nil, nil, "", &out, http.StatusCreated)
	return out.Path, err
}

func (c *Client) Backups(ctx context.Context, limit int) ([]Backup, error) {
	var out []Backup
	return out, c.getJSON(ctx, "/backups", limitQuery(limit), &out)
}

func (c *Client) System(ctx context.Context) (System, error) {
	var out System
	return out, c.getJSON(ctx, "/system", nil, &out)
}

func (c *Client) ListFiles(ctx context.Context, id, rel string) ([]FileEntry, error) {
	var out []FileEntry
	return out, c.getJSON(ctx, workerPath(id, "/files"), pathQuery(rel), &out)
}

// Download copies the content of a worker file into w.
func (c *Client) Download(ctx context.Context, id, rel string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, workerPath(id, "/files/content"), pathQuery(rel), nil, "")
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, c.handleErrorResponse(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) WriteFile(ctx context.Context, id, rel string, r io.Reader) error {
	return c.do(ctx, http.MethodPut, workerPath(id, "/files"), pathQuery(rel), r, "application/octet-stream", nil, http.StatusOK)
}

func (c *Client) RemoveFile(ctx context.Context, id, rel string) error {
	return c.do(ctx, http.MethodDelete, workerPath(id, "/files"), pathQuery(rel), nil, "", nil, http.StatusOK)
}

func (c *Client) Mkdir(ctx context.Context, id, rel string) error {
	return c.do(ctx, http.MethodPost, workerPath(id, "/dirs"), pathQuery(rel), nil, "", nil, http.StatusCreated)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, nil, "", out, http.StatusOK)
}

// do sends a request and decodes the body into out when the status is one of ok.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string, out any, ok ...int) error {
	resp, err := c.send(ctx, method, path, q, body, contentType)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	for _, code := range ok {
		if resp.StatusCode != code {
			continue
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return c.handleErrorResponse(resp)
}

func (c *Client) send(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}

func workerPath(id, suffix string) string {
	return "/workers/" + url.PathEscape(id) + suffix
}

func pathQuery(rel string) url.Values {
	return url.Values{"path": {rel}}
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}
