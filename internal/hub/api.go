package hub

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// HTTP header names used by the hub.
const (
	headerUsername   = "X-Username"
	headerCredential = "X-Credential"
	headerToken      = "X-Session-Token"
)

// HTTP paths relative to the hub base URL.
const (
	pathLogin   = "/api/login"
	pathDevices = "/api/devices"
)

// maxResponseBytes bounds HTTP response bodies read from the hub.
const maxResponseBytes = 4 << 20

// DeviceSummary is one entry of the device list.
type DeviceSummary struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Name     string `json:"name"`
}

// DeviceList is the response of ListDevices.
type DeviceList struct {
	Devices []DeviceSummary `json:"devices"`
	// Season is a global scalar maintained by the hub ("heating", "cooling").
	Season string `json:"season"`
}

// DeviceDetail is the raw property set of one device.
type DeviceDetail struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// APIConfig configures the HTTP client.
type APIConfig struct {
	BaseURL  string
	Username string
	Secret   string

	// LoginTimeout bounds the login request. Default: 10 seconds.
	LoginTimeout time.Duration

	// RequestTimeout bounds each list/detail request. Default: 10 seconds.
	RequestTimeout time.Duration

	// HTTPClient defaults to a plain client without a global timeout.
	HTTPClient *http.Client
}

// API is the HTTP client for full-state fetches. It logs in on demand and
// re-authenticates once when a request is rejected with 401.
//
// Thread Safety: all methods are safe for concurrent use.
type API struct {
	base       *url.URL
	username   string
	secret     string
	loginTO    time.Duration
	requestTO  time.Duration
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// NewAPI validates cfg and returns an API client.
func NewAPI(cfg APIConfig) (*API, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", ErrTransport, cfg.BaseURL)
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &API{
		base:       base,
		username:   cfg.Username,
		secret:     cfg.Secret,
		loginTO:    cfg.LoginTimeout,
		requestTO:  cfg.RequestTimeout,
		httpClient: cfg.HTTPClient,
	}, nil
}

// Credential derives the login credential: base64(sha512(username+secret)).
func Credential(username, secret string) string {
	sum := sha512.Sum512([]byte(username + secret))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Login authenticates and stores the returned session token.
func (a *API) Login(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.loginTO)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(pathLogin), http.NoBody)
	if err != nil {
		return "", fmt.Errorf("%w: building login request: %w", ErrTransport, err)
	}
	req.Header.Set(headerUsername, a.username)
	req.Header.Set(headerCredential, Credential(a.username, a.secret))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: login: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes)) //nolint:errcheck // drain for reuse

	if err := statusError("login", resp.StatusCode); err != nil {
		return "", err
	}
	token := resp.Header.Get(headerToken)
	if token == "" {
		return "", fmt.Errorf("%w: login response has no session token", ErrAuthentication)
	}

	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	return token, nil
}

// InvalidateToken forgets the session token; the next request logs in again.
func (a *API) InvalidateToken() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

// Token returns the current session token, or "" when not logged in.
func (a *API) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// ListDevices fetches the device list and global scalars.
func (a *API) ListDevices(ctx context.Context) (DeviceList, error) {
	var list DeviceList
	if err := a.getJSON(ctx, pathDevices, &list); err != nil {
		return DeviceList{}, err
	}
	return list, nil
}

// DeviceDetail fetches the raw properties of one device.
func (a *API) DeviceDetail(ctx context.Context, deviceID string) (DeviceDetail, error) {
	var detail DeviceDetail
	if err := a.getJSON(ctx, pathDevices+"/"+url.PathEscape(deviceID), &detail); err != nil {
		return DeviceDetail{}, err
	}
	if detail.ID == "" {
		detail.ID = deviceID
	}
	return detail, nil
}

func (a *API) getJSON(ctx context.Context, path string, out any) error {
	err := a.doGet(ctx, path, out)
	if errors.Is(err, errUnauthorized) {
		a.InvalidateToken()
		err = a.doGet(ctx, path, out)
	}
	if errors.Is(err, errUnauthorized) {
		return fmt.Errorf("%w: GET %s", ErrAuthentication, path)
	}
	return err
}

var errUnauthorized = errors.New("hub: unauthorized")

func (a *API) doGet(ctx context.Context, path string, out any) error {
	token := a.Token()
	if token == "" {
		var err error
		if token, err = a.Login(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.requestTO)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint(path), http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: building request: %w", ErrTransport, err)
	}
	req.Header.Set(headerToken, token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %w", ErrTransport, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if err := statusError("GET "+path, resp.StatusCode); err != nil {
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", ErrTransport, path, err)
	}
	return nil
}

func (a *API) endpoint(path string) string {
	return a.base.String() + path
}

// statusError maps non-2xx status codes onto the error taxonomy.
func statusError(op string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s: status %d", ErrAuthentication, op, code)
	default:
		return fmt.Errorf("%w: %s: status %d", ErrTransport, op, code)
	}
}
