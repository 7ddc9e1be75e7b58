package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netsync/internal/core/netcode"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/transport"
)

func get(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHTTP_TokenEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	srv := NewHTTPServer("", h.server, nil, log.NewNop())

	rec := get(t, srv, http.MethodGet, "/token?client_id=42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	token, err := netcode.ParseConnectTokenString(rec.Body.String())
	require.NoError(t, err)
	assert.Equal(t, []string{"server"}, token.ServerAddresses)
	assert.Equal(t, h.cfg.Netcode.ProtocolID, token.ProtocolID)
	assert.Equal(t, h.clock.Now().Add(h.cfg.Netcode.TokenExpiry).Unix(), token.ExpireTimestamp)
}

func TestHTTP_TokenConnects(t *testing.T) {
	h := newHarness(t, nil)
	srv := NewHTTPServer("", h.server, nil, log.NewNop())

	rec := get(t, srv, http.MethodGet, "/token?client_id=11")
	require.Equal(t, http.StatusOK, rec.Code)
	token, err := netcode.ParseConnectTokenString(rec.Body.String())
	require.NoError(t, err)

	conn, err := h.network.Listen("", h.cfg.Transport.MTU, transport.Options{})
	require.NoError(t, err)
	c := &rawClient{nc: netcode.NewClient(conn, netcode.DefaultClientConfig(), h.clock, log.NewNop()), conn: conn}
	require.NoError(t, c.nc.Connect(token))
	h.clients = append(h.clients, c)
	h.run(4)

	assert.True(t, h.server.IsConnected(11))
}

func TestHTTP_TokenRandomClientID(t *testing.T) {
	h := newHarness(t, nil)
	srv := NewHTTPServer("", h.server, nil, log.NewNop())

	a := get(t, srv, http.MethodGet, "/token")
	b := get(t, srv, http.MethodGet, "/token")
	require.Equal(t, http.StatusOK, a.Code)
	require.Equal(t, http.StatusOK, b.Code)
	assert.NotEqual(t, a.Body.String(), b.Body.String())
}

func TestHTTP_TokenRejectsBadRequests(t *testing.T) {
	h := newHarness(t, nil)
	srv := NewHTTPServer("", h.server, nil, log.NewNop())

	assert.Equal(t, http.StatusBadRequest, get(t, srv, http.MethodGet, "/token?client_id=abc").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, get(t, srv, http.MethodPost, "/token").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, http.MethodGet, "/metrics").Code)
}

func TestHTTP_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Rollbacks.Inc()

	srv := NewHTTPServer("", nil, reg, log.NewNop())
	rec := get(t, srv, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "netsync_prediction_rollbacks_total 1")
}

func TestHTTP_ServeStopsWithContext(t *testing.T) {
	h := newHarness(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewHTTPServer(ln.Addr().String(), h.server, nil, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/token?client_id=1")
		return err == nil
	}, time.Second, 10*time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.NotEmpty(t, strings.TrimSpace(string(body)))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
