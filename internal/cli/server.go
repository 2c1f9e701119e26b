package cli

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/garden-co/cojson/internal/config"
	"github.com/garden-co/cojson/internal/engine"
	"github.com/garden-co/cojson/internal/node"
	"github.com/garden-co/cojson/internal/transport"
)

// syncServer exposes a node over HTTP: WebSocket sync, health and
// metrics.
type syncServer struct {
	node    *node.Node
	ws      transport.WebSocketConfig
	metrics bool
	logger  *slog.Logger
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Agent   string `json:"agent"`
	Session string `json:"session"`
	Values  int    `json:"values"`
}

func (s *syncServer) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/sync", s.handleSync)
	r.GET("/healthz", s.handleHealth)
	if s.metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return r
}

// handleSync upgrades to a WebSocket and registers the caller as a client
// peer. Each connection gets its own peer id so a device reconnecting
// before its old socket times out is not confused with it.
func (s *syncServer) handleSync(c *gin.Context) {
	conn, err := transport.Upgrade(c.Writer, c.Request, s.ws)
	if err != nil {
		s.logger.Warn("sync upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}
	id := "client-" + uuid.NewString()
	if err := s.node.AddPeer(engine.Peer{ID: id, Role: engine.RoleClient, Conn: conn}); err != nil {
		s.logger.Warn("sync peer rejected", "peer", id, "error", err)
		_ = conn.Close()
		return
	}
	s.logger.Info("client connected", "peer", id, "remote", conn.RemoteAddr())
}

func (s *syncServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Agent:   string(s.node.Agent()),
		Session: string(s.node.Session()),
		Values:  len(s.node.Manager().IDs()),
	})
}

const (
	minRedial = 500 * time.Millisecond
	maxRedial = 30 * time.Second
)

// dialPeer keeps one upstream connection alive until ctx is done,
// redialing with exponential backoff. Every new connection is a fresh
// peer, so the manager resyncs everything on reconnect.
func (s *syncServer) dialPeer(ctx context.Context, peer config.PeerConfig) {
	delay := minRedial
	for attempt := 1; ; attempt++ {
		conn, err := transport.Dial(ctx, peer.URL, s.ws)
		if err == nil {
			id := peer.URL + "#" + uuid.NewString()
			err = s.node.AddPeer(engine.Peer{ID: id, Role: engine.Role(peer.Role), Conn: conn})
			if err != nil {
				_ = conn.Close()
				s.logger.Warn("peer rejected", "url", peer.URL, "error", err)
				return
			}
			s.logger.Info("peer connected", "url", peer.URL, "role", peer.Role, "attempt", attempt)
			delay, attempt = minRedial, 0
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				s.logger.Info("peer disconnected", "url", peer.URL)
			}
		} else {
			s.logger.Debug("dial failed", "url", peer.URL, "attempt", attempt, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRedial)
	}
}
