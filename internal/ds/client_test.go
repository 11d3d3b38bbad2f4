package ds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusBody = `{"data":{"included":{"dsDevices":[
	{"id":"dev1","attributes":{"functionBlocks":[{"id":"fb1","outputs":[
		{"id":"brightness","value":42,"targetValue":42,"status":"idle"}
	]}]}}
]}}}`

func TestClient_BearerGetApartmentStatus(t *testing.T) {
	seen := make(chan *http.Request, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Clone(context.Background())
		w.Write([]byte(statusBody))
	})

	c := newTestClient(t, handler, ClientConfig{Token: "secret", Auth: AuthBearer})

	status, err := c.GetApartmentStatus(context.Background())
	require.NoError(t, err)

	r := <-seen
	assert.Equal(t, apartmentStatusPath, r.URL.Path)
	assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
	assert.Equal(t, "true", r.URL.Query().Get("includeAll"))
	assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

	device, ok := status.Device("dev1")
	require.True(t, ok)
	out, ok := device.Output("brightness")
	require.True(t, ok)
	assert.Equal(t, 42.0, out.Value)
}

func TestClient_BearerUnauthorizedIsFinal(t *testing.T) {
	var requests atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := newTestClient(t, handler, ClientConfig{Token: "wrong", Auth: AuthBearer})

	_, err := c.GetApartment(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), requests.Load())
}

func TestClient_NoContent(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, handler, ClientConfig{Token: "t"})

	data, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/anything"})
	require.NoError(t, err)
	assert.Nil(t, data)

	// Reads need a body
	_, err = c.GetApartment(context.Background())
	assert.ErrorIs(t, err, ErrServer)
}

func TestClient_ServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	c := newTestClient(t, handler, ClientConfig{Token: "t"})

	_, err := c.GetApartmentStatus(context.Background())
	require.ErrorIs(t, err, ErrServer)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "boom")
}

func TestClient_Timeout(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	c := newTestClient(t, handler, ClientConfig{Token: "t", Timeout: 100 * time.Millisecond})

	_, err := c.GetApartmentStatus(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	host, port := hostPort(t, srv.URL)
	srv.Close()

	c := NewClient(ClientConfig{Host: host, Port: port, Token: "t"})
	defer c.Close()

	_, err := c.GetApartmentStatus(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}

// legacyController mimics the legacy API: a login endpoint issuing session
// tokens and auth failures reported in the body.
type legacyController struct {
	logins   atomic.Int32
	requests atomic.Int32
	reject   atomic.Int32 // upcoming requests to reject

	mu     sync.Mutex
	tokens []string
}

func (l *legacyController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case loginPath:
		n := l.logins.Add(1)
		if r.URL.Query().Get("loginToken") != "app-token" {
			w.Write([]byte(`{"ok":false,"message":"Application-Authentication failed"}`))
			return
		}
		fmt.Fprintf(w, `{"ok":true,"result":{"token":"session-%d"}}`, n)
	case apartmentStatusPath:
		l.requests.Add(1)
		if l.reject.Load() > 0 {
			l.reject.Add(-1)
			w.Write([]byte(`{"ok":false,"message":"not logged in"}`))
			return
		}
		l.mu.Lock()
		l.tokens = append(l.tokens, r.URL.Query().Get("token"))
		l.mu.Unlock()
		w.Write([]byte(statusBody))
	default:
		http.NotFound(w, r)
	}
}

func (l *legacyController) seenTokens() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.tokens...)
}

func TestClient_LegacyLogsInBeforeFirstRequest(t *testing.T) {
	controller := &legacyController{}
	c := newTestClient(t, controller, ClientConfig{Token: "app-token", Auth: AuthLegacy})

	_, err := c.GetApartmentStatus(context.Background())
	require.NoError(t, err)
	_, err = c.GetApartmentStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), controller.logins.Load())
	assert.Equal(t, []string{"session-1", "session-1"}, controller.seenTokens())
	assert.True(t, c.Session().HasValidToken())
}

func TestClient_LegacyRetriesOnceAfterAuthFailure(t *testing.T) {
	controller := &legacyController{}
	c := newTestClient(t, controller, ClientConfig{Token: "app-token", Auth: AuthLegacy})

	_, err := c.GetApartmentStatus(context.Background())
	require.NoError(t, err)

	controller.reject.Store(1)
	_, err = c.GetApartmentStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), controller.logins.Load())
	assert.Equal(t, int32(3), controller.requests.Load())
	assert.Equal(t, []string{"session-1", "session-2"}, controller.seenTokens())
}

func TestClient_LegacySecondAuthFailureSurfaces(t *testing.T) {
	controller := &legacyController{}
	controller.reject.Store(2)
	c := newTestClient(t, controller, ClientConfig{Token: "app-token", Auth: AuthLegacy})

	_, err := c.GetApartmentStatus(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(2), controller.logins.Load())
	assert.Equal(t, int32(2), controller.requests.Load())
}

func TestClient_LegacyExpiredSessionLogsInAgain(t *testing.T) {
	clock := newFakeClock()
	controller := &legacyController{}
	c := newTestClient(t, controller, ClientConfig{Token: "app-token", Auth: AuthLegacy, Now: clock.Now})

	_, err := c.GetApartmentStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(SessionLifetime), c.Session().ExpiresAt())

	clock.Advance(SessionLifetime - time.Second)
	_, err = c.GetApartmentStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), controller.logins.Load())

	clock.Advance(2 * time.Second)
	assert.False(t, c.Session().HasValidToken())
	_, err = c.GetApartmentStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), controller.logins.Load())
	assert.Equal(t, []string{"session-1", "session-1", "session-2"}, controller.seenTokens())
}

func TestClient_LegacyBadApplicationToken(t *testing.T) {
	controller := &legacyController{}
	c := newTestClient(t, controller, ClientConfig{Token: "revoked", Auth: AuthLegacy})

	_, err := c.GetApartmentStatus(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), controller.logins.Load())
	assert.Equal(t, int32(0), controller.requests.Load())

	// Every call gets exactly one login attempt
	_, err = c.GetApartmentStatus(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(2), controller.logins.Load())
}

func TestClient_Commands(t *testing.T) {
	type call struct {
		method string
		path   string
		body   []byte
	}
	var (
		mu    sync.Mutex
		calls []call
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, call{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, handler, ClientConfig{Token: "t"})
	ctx := context.Background()

	assert.True(t, c.TurnOn(ctx, "dev1"))
	assert.True(t, c.TurnOff(ctx, "dev1"))
	assert.True(t, c.SetOutput(ctx, "dev1", "brightness", 55))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)
	assert.Equal(t, http.MethodPost, calls[0].method)
	assert.Equal(t, "/api/v1/apartment/dsDevices/dev1/scenarios/on", calls[0].path)
	assert.Equal(t, "/api/v1/apartment/dsDevices/dev1/scenarios/off", calls[1].path)

	assert.Equal(t, http.MethodPatch, calls[2].method)
	assert.Equal(t, apartmentStatusPath, calls[2].path)
	var ops []patchOperation
	require.NoError(t, json.Unmarshal(calls[2].body, &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "replace", ops[0].Op)
	assert.Equal(t, "/functionBlocks/dev1/outputs/brightness/value", ops[0].Path)
	assert.Equal(t, 55.0, ops[0].Value)
}

func TestClient_CommandFailureIsNotPropagated(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, handler, ClientConfig{Token: "t"})

	assert.False(t, c.TurnOn(context.Background(), "dev1"))
}

func TestClient_EventAuth(t *testing.T) {
	bearer := NewClient(ClientConfig{Host: "127.0.0.1", Token: "secret", Auth: AuthBearer})
	header, query, err := bearer.EventAuth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", header.Get("Authorization"))
	assert.Empty(t, query)

	controller := &legacyController{}
	legacy := newTestClient(t, controller, ClientConfig{Token: "app-token", Auth: AuthLegacy})
	header, query, err = legacy.EventAuth(context.Background())
	require.NoError(t, err)
	assert.Empty(t, header)
	assert.Equal(t, "session-1", query.Get("token"))
}
