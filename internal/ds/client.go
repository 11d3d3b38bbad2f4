package ds

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/dsbridge/internal/metrics"
)

// AuthMode selects how requests are authenticated.
type AuthMode string

const (
	// AuthBearer sends a static bearer token. A 401 is final.
	AuthBearer AuthMode = "bearer"
	// AuthLegacy exchanges an application token for a short-lived session
	// token that is passed as a query parameter.
	AuthLegacy AuthMode = "legacy"
)

const (
	DefaultAPIPort          = 8080
	DefaultRequestTimeout   = 10 * time.Second
	DefaultCommandRateLimit = 10.0

	apartmentPath       = "/api/v1/apartment"
	apartmentStatusPath = "/api/v1/apartment/status"
	scenarioPathFormat  = "/api/v1/apartment/dsDevices/%s/scenarios/%s"
	loginPath           = "/json/system/loginApplication"

	scenarioOn  = "on"
	scenarioOff = "off"

	maxResponseSize = 16 << 20
)

// Messages the legacy API uses in place of an HTTP 401.
var legacyAuthFailures = []string{
	"not logged in",
	"authentication failed",
	"application-authentication",
	"invalid token",
}

// ClientConfig configures a controller client.
type ClientConfig struct {
	Host  string
	Port  int
	Token string // bearer token or legacy application token
	Auth  AuthMode

	Timeout          time.Duration
	CommandRateLimit float64 // commands per second

	// TrustAnchor pins TLS to the validated certificate. Nil means
	// validation was explicitly disabled.
	TrustAnchor *TrustAnchor

	// Now overrides the clock used for session expiry.
	Now func() time.Time
}

// Request is a fully specified controller request. Retries reuse it as is.
type Request struct {
	Method string
	Path   string
	Body   any
	Query  url.Values
}

// Client talks to the controller's HTTPS API. It exclusively owns the session.
type Client struct {
	cfg        ClientConfig
	baseURL    string
	httpClient *http.Client
	session    *Session
	limiter    *rate.Limiter
}

// NewClient creates a new controller client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Port == 0 {
		cfg.Port = DefaultAPIPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.CommandRateLimit == 0 {
		cfg.CommandRateLimit = DefaultCommandRateLimit
	}
	if cfg.Auth == "" {
		cfg.Auth = AuthBearer
	}

	burst := int(cfg.CommandRateLimit)
	if burst < 1 {
		burst = 1
	}

	transport := &http.Transport{
		TLSClientConfig:     TLSConfigFor(cfg.TrustAnchor),
		TLSHandshakeTimeout: cfg.Timeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		cfg:     cfg,
		baseURL: "https://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		session: newSession(cfg.Now),
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandRateLimit), burst),
	}
}

// TLSConfigFor returns the pinned config for anchor, or an unverified one
// when validation is disabled.
func TLSConfigFor(anchor *TrustAnchor) *tls.Config {
	if anchor != nil {
		return anchor.TLSConfig()
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, //nolint:gosec // operator disabled certificate validation
	}
}

// Host returns the controller host
func (c *Client) Host() string {
	return c.cfg.Host
}

// Session exposes the session for inspection.
func (c *Client) Session() *Session {
	return c.session
}

// Close closes idle connections
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Do performs req and returns the response's data member (nil for 204).
// In legacy mode an authentication failure triggers exactly one
// re-login and retry of the same request.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	data, err := c.do(ctx, req)
	if c.cfg.Auth != AuthLegacy || !errors.Is(err, ErrUnauthorized) {
		return data, err
	}

	// A rejected login is final, only a rejected session earns another one
	var loginErr *loginError
	if errors.As(err, &loginErr) {
		return nil, err
	}

	log.Debug().Err(err).Str("path", req.Path).Msg("Session rejected, logging in again")

	if err := c.login(ctx); err != nil {
		return nil, err
	}
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req Request) (json.RawMessage, error) {
	query := url.Values{}
	for k, v := range req.Query {
		query[k] = append([]string(nil), v...)
	}

	if c.cfg.Auth == AuthLegacy {
		token, err := c.sessionToken(ctx)
		if err != nil {
			return nil, err
		}
		query.Set("token", token)
	}

	resp, err := c.send(ctx, req.Method, req.Path, query, req.Body)
	if err != nil {
		return nil, err
	}
	return c.interpret(resp)
}

// sessionToken returns a valid session token, logging in first if needed.
func (c *Client) sessionToken(ctx context.Context) (string, error) {
	if token, ok := c.session.Token(); ok {
		return token, nil
	}
	if err := c.login(ctx); err != nil {
		return "", err
	}
	token, ok := c.session.Token()
	if !ok {
		return "", &loginError{err: fmt.Errorf("%w: session expired immediately", ErrUnauthorized)}
	}
	return token, nil
}

// loginError marks a failure of the login call itself.
type loginError struct {
	err error
}

func (e *loginError) Error() string { return "login: " + e.err.Error() }
func (e *loginError) Unwrap() error { return e.err }

func (c *Client) login(ctx context.Context) error {
	if err := c.loginOnce(ctx); err != nil {
		return &loginError{err: err}
	}
	return nil
}

func (c *Client) loginOnce(ctx context.Context) error {
	query := url.Values{"loginToken": {c.cfg.Token}}
	resp, err := c.send(ctx, http.MethodGet, loginPath, query, nil)
	if err != nil {
		return err
	}

	switch {
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.body)
	case resp.status != http.StatusOK:
		return &StatusError{StatusCode: resp.status, Body: string(resp.body)}
	}

	var result loginResponse
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if result.Result.Token == "" {
		return fmt.Errorf("%w: %s", ErrUnauthorized, result.Message)
	}

	c.session.set(result.Result.Token)
	metrics.Logins.Inc()

	log.Debug().Time("expires_at", c.session.ExpiresAt()).Msg("Logged in to controller")
	return nil
}

type rawResponse struct {
	status int
	body   []byte
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*rawResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Auth == AuthBearer {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = classifyTransportError(err)
		metrics.ObserveRequest(method, err, time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		err = classifyTransportError(err)
		metrics.ObserveRequest(method, err, time.Since(start))
		return nil, err
	}
	metrics.ObserveRequest(method, nil, time.Since(start))

	log.Trace().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Controller request")

	return &rawResponse{status: resp.StatusCode, body: payload}, nil
}

func (c *Client) interpret(resp *rawResponse) (json.RawMessage, error) {
	if c.cfg.Auth == AuthLegacy && isLegacyAuthFailure(resp.body) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.body)
	}

	switch {
	case resp.status == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.body)
	case resp.status == http.StatusNoContent:
		return nil, nil
	case resp.status < 200 || resp.status >= 300:
		return nil, &StatusError{StatusCode: resp.status, Body: string(resp.body)}
	}

	if len(bytes.TrimSpace(resp.body)) == 0 {
		return nil, nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return envelope.Data, nil
}

func isLegacyAuthFailure(body []byte) bool {
	var result legacyResult
	if err := json.Unmarshal(body, &result); err != nil {
		return false
	}
	if result.OK == nil || *result.OK {
		return false
	}

	message := strings.ToLower(result.Message)
	for _, needle := range legacyAuthFailures {
		if strings.Contains(message, needle) {
			return true
		}
	}
	return false
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

// GetApartment returns the device topology.
func (c *Client) GetApartment(ctx context.Context) (*Apartment, error) {
	var apartment Apartment
	if err := c.get(ctx, apartmentPath, &apartment); err != nil {
		return nil, fmt.Errorf("get apartment: %w", err)
	}
	return &apartment, nil
}

// GetApartmentStatus returns a fresh live state snapshot.
func (c *Client) GetApartmentStatus(ctx context.Context) (*ApartmentStatus, error) {
	var status ApartmentStatus
	if err := c.get(ctx, apartmentStatusPath, &status); err != nil {
		return nil, fmt.Errorf("get apartment status: %w", err)
	}
	return &status, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	data, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   path,
		Query:  url.Values{"includeAll": {"true"}},
	})
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: response carried no data", ErrServer)
	}
	return json.Unmarshal(data, out)
}

// TurnOn invokes the "on" scenario of a device. Failures are logged;
// the next status cycle is the confirmation.
func (c *Client) TurnOn(ctx context.Context, deviceID string) bool {
	return c.invokeScenario(ctx, deviceID, scenarioOn)
}

// TurnOff invokes the "off" scenario of a device.
func (c *Client) TurnOff(ctx context.Context, deviceID string) bool {
	return c.invokeScenario(ctx, deviceID, scenarioOff)
}

func (c *Client) invokeScenario(ctx context.Context, deviceID, scenario string) bool {
	path := fmt.Sprintf(scenarioPathFormat, url.PathEscape(deviceID), url.PathEscape(scenario))
	return c.command(ctx, Request{Method: http.MethodPost, Path: path})
}

// SetOutput sets the value of one output of a device.
func (c *Client) SetOutput(ctx context.Context, deviceID, outputID string, value float64) bool {
	ops := []patchOperation{{
		Op:    "replace",
		Path:  fmt.Sprintf("/functionBlocks/%s/outputs/%s/value", deviceID, outputID),
		Value: value,
	}}
	return c.command(ctx, Request{Method: http.MethodPatch, Path: apartmentStatusPath, Body: ops})
}

func (c *Client) command(ctx context.Context, req Request) bool {
	if err := c.limiter.Wait(ctx); err != nil {
		log.Debug().Err(err).Str("path", req.Path).Msg("Controller command dropped")
		return false
	}

	if _, err := c.Do(ctx, req); err != nil {
		level := zerolog.WarnLevel
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork) {
			level = zerolog.DebugLevel
		}
		log.WithLevel(level).
			Err(err).
			Str("method", req.Method).
			Str("path", req.Path).
			Msg("Controller command failed")
		return false
	}
	return true
}

// EventAuth returns the credentials for the event channel handshake.
func (c *Client) EventAuth(ctx context.Context) (http.Header, url.Values, error) {
	if c.cfg.Auth == AuthBearer {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+c.cfg.Token)
		return header, nil, nil
	}

	token, err := c.sessionToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	return nil, url.Values{"token": {token}}, nil
}
