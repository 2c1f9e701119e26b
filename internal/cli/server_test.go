package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garden-co/cojson/internal/config"
	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/engine"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/node"
	"github.com/garden-co/cojson/internal/transport"
)

func newTestNode(t *testing.T) *node.Node {
	t.Helper()
	p := crypto.NewDefault()
	secret, err := crypto.NewAgentSecret(p)
	require.NoError(t, err)
	n, err := node.New(p, secret, node.WithLoadRetries(5, 20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func newTestServer(t *testing.T, metrics bool) (*syncServer, *node.Node) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	n := newTestNode(t)
	return &syncServer{
		node:    n,
		ws:      transport.WebSocketConfig{PingInterval: time.Second},
		metrics: metrics,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, n
}

func TestHealthz(t *testing.T) {
	srv, n := newTestServer(t, false)
	_, err := n.CreateMap(nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, HealthResponse{
		Status:  "ok",
		Agent:   string(n.Agent()),
		Session: string(n.Session()),
		Values:  1,
	}, health)
}

func TestMetricsRoute(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    int
	}{
		{"enabled", true, http.StatusOK},
		{"disabled", false, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.enabled)
			w := httptest.NewRecorder()
			srv.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			assert.Equal(t, tt.want, w.Code)
			if tt.enabled {
				assert.Contains(t, w.Body.String(), "cojson_sync_transactions_applied_total")
			}
		})
	}
}

func TestSyncOverWebSocket(t *testing.T) {
	srv, server := newTestServer(t, false)
	hs := httptest.NewServer(srv.router())
	t.Cleanup(hs.Close)

	client := newTestNode(t)
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/sync"
	conn, err := transport.Dial(context.Background(), url, transport.WebSocketConfig{})
	require.NoError(t, err)
	require.NoError(t, client.AddPeer(engine.Peer{ID: "upstream", Role: engine.RoleServer, Conn: conn}))

	m, err := client.CreateMap(nil)
	require.NoError(t, err)
	require.NoError(t, m.Set("k", ir.Int(7)))

	require.Eventually(t, func() bool {
		relayed, err := server.Map(context.Background(), m.ID())
		if err != nil {
			return false
		}
		v, ok := relayed.Get("k")
		return ok && ir.Equal(v, ir.Int(7))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDialPeerRunsUntilCancelled(t *testing.T) {
	srv, server := newTestServer(t, false)
	hs := httptest.NewServer(srv.router())
	t.Cleanup(hs.Close)

	client, _ := newTestServer(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.dialPeer(ctx, config.PeerConfig{URL: "ws" + strings.TrimPrefix(hs.URL, "http") + "/sync", Role: "server"})
	}()

	m, err := client.node.CreateMap(nil)
	require.NoError(t, err)
	require.NoError(t, m.Set("k", ir.String("v")))
	require.Eventually(t, func() bool {
		_, ok := server.Manager().Core(m.ID())
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dialPeer did not stop after cancel")
	}
}

func TestServeCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text"},
		Listen:      "127.0.0.1:0",
		Ready:       func(addr string) { ready <- addr },
	}
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	result := make(chan error, 1)
	go func() { result <- runServe(cmd, opts) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-result:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not become ready")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
