package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaseURL is the production control plane.
	DefaultBaseURL = "https://app.gamelauncher.cloud"

	// DefaultTimeout bounds every control-plane call. Transfers are not
	// bounded by it.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a control-plane response is read.
	maxResponseBytes = 8 << 20
)

const (
	pathLogin       = "/api/cli/build/login-interactive"
	pathListApps    = "/api/cli/build/list-apps"
	pathCanUpload   = "/api/cli/build/can-upload"
	pathStartUpload = "/api/cli/build/start-upload"
	pathFileReady   = "/api/cli/build/file-ready"
	pathStatus      = "/api/cli/build/status/"
	pathCancelBuild = "/api/AppBuild/cancelByBuildId/"
)

// Client talks to the control-plane HTTP API and streams artifacts to
// presigned storage URLs.
type Client interface {
	// SetToken installs a bearer token, e.g. one persisted by an earlier
	// session.
	SetToken(token string)
	// Token returns the current bearer token.
	Token() string
	// IsAuthenticated reports whether a token is set.
	IsAuthenticated() bool
	// Logout clears the token.
	Logout()

	Login(ctx context.Context, apiKey string) (*LoginResult, error)
	ListApps(ctx context.Context) ([]AppDescriptor, error)
	CheckUploadQuota(ctx context.Context, fileSize, uncompressedSize, appID int64) (*UploadQuotaCheck, error)
	StartUpload(ctx context.Context, req StartUploadRequest) (*UploadTicket, error)

	// UploadFile PUTs the file at localPath to presignedURL. progress
	// receives non-terminal updates while bytes are sent and exactly one
	// terminal update. The returned error is nil on success, or an *Error
	// of KindTransferAborted or KindTransferFailed.
	UploadFile(ctx context.Context, presignedURL, localPath string, progress ProgressFunc) error

	// NotifyFileReady confirms a completed transfer. Only call it after
	// UploadFile succeeded.
	NotifyFileReady(ctx context.Context, appBuildID int64, storageKey string) error
	GetBuildStatus(ctx context.Context, appBuildID int64) (*BuildRecord, error)

	// CancelBuild requests server-side cancellation of a submitted build.
	CancelBuild(ctx context.Context, appBuildID int64) error

	// CancelActiveUpload aborts the in-flight transfer, if any. It is a
	// no-op when nothing is active.
	CancelActiveUpload()
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Token     string
	UserAgent string
	// Timeout bounds control-plane calls. Zero means DefaultTimeout.
	Timeout time.Duration
	// HTTPClient overrides the client used for control-plane calls.
	HTTPClient *http.Client
	// TransferClient overrides the client used for presigned PUTs.
	TransferClient *http.Client
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log            logrus.FieldLogger
	baseURL        string
	userAgent      string
	httpClient     *http.Client
	transferClient *http.Client

	mu    sync.RWMutex
	token string

	transferMu     sync.Mutex
	activeTransfer *transfer
}

// NewClient creates a new API client.
func NewClient(log logrus.FieldLogger, opts Options) Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	transferClient := opts.TransferClient
	if transferClient == nil {
		transferClient = &http.Client{}
	}

	return &client{
		log:            log.WithField("component", "api-client"),
		baseURL:        baseURL,
		userAgent:      opts.UserAgent,
		httpClient:     httpClient,
		transferClient: transferClient,
		token:          opts.Token,
	}
}

func (c *client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = token
}

func (c *client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token
}

func (c *client) IsAuthenticated() bool {
	return c.Token() != ""
}

func (c *client) Logout() {
	c.SetToken("")
}

// Login exchanges an API key for a bearer token. An empty token in an
// otherwise successful response is a login failure.
func (c *client) Login(ctx context.Context, apiKey string) (*LoginResult, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, newError(KindAuth, "Please enter an API key", nil)
	}

	c.log.WithField("api_key", maskKey(apiKey)).Debug("Logging in")

	resp, err := c.do(ctx, http.MethodPost, pathLogin, nil,
		map[string]string{"apiKey": apiKey}, false)
	if err != nil {
		return nil, err
	}

	if !resp.ok() {
		statusErr := resp.statusError()
		statusErr.Kind = KindAuth

		return nil, statusErr
	}

	result, err := ExtractResult(resp.body)
	if err != nil {
		return nil, asAuthError(err)
	}

	login := loginResultFromFields(result)
	if login.Token == "" {
		return nil, newError(KindAuth, "Login response missing token", nil)
	}

	c.SetToken(login.Token)

	c.log.WithField("email", login.Email).Info("Login successful")

	return login, nil
}

func (c *client) ListApps(ctx context.Context) ([]AppDescriptor, error) {
	result, err := c.call(ctx, http.MethodGet, pathListApps, nil, nil)
	if err != nil {
		return nil, err
	}

	items := result.Objects("apps")
	apps := make([]AppDescriptor, 0, len(items))

	for _, item := range items {
		apps = append(apps, appFromFields(item))
	}

	c.log.WithField("apps", len(apps)).Debug("Retrieved apps")

	return apps, nil
}

func (c *client) CheckUploadQuota(
	ctx context.Context,
	fileSize, uncompressedSize, appID int64,
) (*UploadQuotaCheck, error) {
	query := url.Values{
		"fileSizeBytes":         {strconv.FormatInt(fileSize, 10)},
		"uncompressedSizeBytes": {strconv.FormatInt(uncompressedSize, 10)},
		"appId":                 {strconv.FormatInt(appID, 10)},
	}

	result, err := c.call(ctx, http.MethodGet, pathCanUpload, query, nil)
	if err != nil {
		return nil, err
	}

	return quotaFromFields(result), nil
}

func (c *client) StartUpload(ctx context.Context, req StartUploadRequest) (*UploadTicket, error) {
	body := map[string]any{
		"appId":                req.AppID,
		"fileName":             req.FileName,
		"fileSize":             req.FileSize,
		"uncompressedFileSize": req.UncompressedSize,
		"buildNotes":           req.Notes,
	}

	result, err := c.call(ctx, http.MethodPost, pathStartUpload, nil, body)
	if err != nil {
		return nil, err
	}

	ticket := ticketFromFields(result)

	c.log.WithFields(logrus.Fields{
		"app_build_id": ticket.AppBuildID,
		"file":         req.FileName,
		"size":         req.FileSize,
	}).Info("Upload started")

	return ticket, nil
}

func (c *client) NotifyFileReady(ctx context.Context, appBuildID int64, storageKey string) error {
	body := map[string]any{
		"appBuildId": appBuildID,
		"key":        storageKey,
	}

	if err := c.command(ctx, pathFileReady, body); err != nil {
		return err
	}

	c.log.WithField("app_build_id", appBuildID).Info("File ready notification sent")

	return nil
}

func (c *client) GetBuildStatus(ctx context.Context, appBuildID int64) (*BuildRecord, error) {
	path := pathStatus + strconv.FormatInt(appBuildID, 10)

	result, err := c.call(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}

	record := buildRecordFromFields(result)
	if record.AppBuildID == 0 {
		record.AppBuildID = appBuildID
	}

	return record, nil
}

func (c *client) CancelBuild(ctx context.Context, appBuildID int64) error {
	path := pathCancelBuild + strconv.FormatInt(appBuildID, 10)

	if err := c.command(ctx, path, nil); err != nil {
		return err
	}

	c.log.WithField("app_build_id", appBuildID).Info("Build cancellation requested")

	return nil
}

// call performs an authenticated request and extracts the envelope result.
func (c *client) call(
	ctx context.Context,
	method, path string,
	query url.Values,
	body any,
) (Fields, error) {
	resp, err := c.do(ctx, method, path, query, body, true)
	if err != nil {
		return nil, err
	}

	if !resp.ok() {
		return nil, resp.statusError()
	}

	return ExtractResult(resp.body)
}

// command performs an authenticated POST whose success is the HTTP status.
// A body that explicitly reports failure still fails the call.
func (c *client) command(ctx context.Context, path string, body any) error {
	resp, err := c.do(ctx, http.MethodPost, path, nil, body, true)
	if err != nil {
		return err
	}

	if !resp.ok() {
		return resp.statusError()
	}

	if len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}

	// Non-JSON 2xx bodies are accepted.
	if env, err := ParseEnvelope(resp.body); err == nil && env.HasSuccessFlag && !env.Success {
		return newError(KindRejected, env.FirstError("Request failed"), nil)
	}

	return nil
}

type response struct {
	status int
	body   []byte
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// statusError builds "HTTP {code}", upgraded to the first server-supplied
// message when the body carries one.
func (r *response) statusError() *Error {
	msg := fmt.Sprintf("HTTP %d", r.status)

	if env, err := ParseEnvelope(r.body); err == nil {
		msg = env.FirstError(msg)
	}

	return &Error{Kind: KindHTTPStatus, StatusCode: r.status, Message: msg}
}

func (c *client) do(
	ctx context.Context,
	method, path string,
	query url.Values,
	body any,
	auth bool,
) (*response, error) {
	token := c.Token()
	if auth && token == "" {
		return nil, newError(KindNotAuthenticated, "Not authenticated", nil)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, newError(KindTransport, "Connection error", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil || method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"method": method,
			"path":   path,
		}).Warn("Request failed")

		return nil, newError(KindTransport, "Connection error", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, newError(KindTransport, "Connection error", err)
	}

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("Request completed")

	return &response{status: resp.StatusCode, body: data}, nil
}

func asAuthError(err error) error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:       KindAuth,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Err:        apiErr.Err,
		}
	}

	return newError(KindAuth, "Login failed", err)
}

// maskKey keeps the first four characters of a secret for log lines.
func maskKey(key string) string {
	if len(key) <= 4 {
		return "..."
	}

	return key[:4] + "..."
}

// DashboardURL returns the web dashboard for the given control plane.
func DashboardURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/dashboard"
}

// AppURL returns the dashboard page of an app.
func AppURL(baseURL string, appID int64) string {
	return fmt.Sprintf("%s/apps/%d", DashboardURL(baseURL), appID)
}
