// Package api exposes the agent's local control surface: a gin HTTP API
// for status and peer configuration, JWT-protected, plus a websocket
// event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unicornultrafoundation/veilgo/internal/store"
	"github.com/unicornultrafoundation/veilgo/internal/tunnel"
)

// Config carries the API server settings.
type Config struct {
	Listen    string
	JWTSecret string
	Username  string
	Password  string // bcrypt hash, or plaintext to be hashed at startup
}

// PeerRequest is the payload for adding or updating a peer.
type PeerRequest struct {
	PublicKey           string   `json:"public_key" binding:"required"`
	PresharedKey        string   `json:"preshared_key"`
	Endpoint            string   `json:"endpoint"`
	AllowedIPs          []string `json:"allowed_ips" binding:"required"`
	PersistentKeepalive int      `json:"persistent_keepalive"`
}

// PeerStatus is the live view of one peer.
type PeerStatus struct {
	PublicKey     string    `json:"public_key"`
	Endpoint      string    `json:"endpoint,omitempty"`
	AllowedIPs    []string  `json:"allowed_ips"`
	LastHandshake time.Time `json:"last_handshake"`
	TxBytes       uint64    `json:"tx_bytes"`
	RxBytes       uint64    `json:"rx_bytes"`
}

// PeerManager is implemented by the agent: it applies configuration to
// the device and the persistent store together.
type PeerManager interface {
	ApplyPeer(peer store.Peer) error
	RemovePeer(publicKey string) error
}

// Server is the control API server.
type Server struct {
	config Config
	device *tunnel.Device
	peers  PeerManager
	events *EventHub
	http   *http.Server
	log    *slog.Logger
}

// New creates the API server. The password in cfg is hashed if it does
// not already look like a bcrypt hash.
func New(cfg Config, device *tunnel.Device, peers PeerManager, events *EventHub, log *slog.Logger) (*Server, error) {
	if len(cfg.Password) > 0 && cfg.Password[0] != '$' {
		hash, err := HashPassword(cfg.Password)
		if err != nil {
			return nil, err
		}
		cfg.Password = hash
	}
	return &Server{
		config: cfg,
		device: device,
		peers:  peers,
		events: events,
		log:    log.With("component", "api"),
	}, nil
}

// Start runs the HTTP server in the background.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/v1/auth/login", s.handleLogin)

	authed := r.Group("/api/v1")
	authed.Use(AuthMiddleware(s.config.JWTSecret))
	{
		authed.GET("/status", s.handleStatus)
		authed.GET("/peers", s.listPeers)
		authed.POST("/peers", s.putPeer)
		authed.DELETE("/peers/:pubkey", s.deletePeer)
		authed.GET("/events", s.events.HandleSubscribe)
	}

	s.http = &http.Server{Addr: s.config.Listen, Handler: r}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server failed", "err", err)
		}
	}()
	s.log.Info("api listening", "addr", s.config.Listen)
	return nil
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Username != s.config.Username || !CheckPassword(req.Password, s.config.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, expiresAt, err := GenerateToken(req.Username, s.config.JWTSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}
	c.JSON(http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleStatus(c *gin.Context) {
	pk := s.device.PublicKey()
	c.JSON(http.StatusOK, gin.H{
		"public_key": pk.String(),
		"peers":      s.peerStatuses(),
	})
}

func (s *Server) peerStatuses() []PeerStatus {
	var statuses []PeerStatus
	s.device.ForEachPeer(func(peer *tunnel.Peer) {
		status := PeerStatus{
			PublicKey: peer.PublicKey().String(),
		}
		if ep := peer.Endpoint(); ep != nil {
			status.Endpoint = ep.String()
		}
		s.device.Whitelist().EntriesForPeer(peer, func(prefix netip.Prefix) bool {
			status.AllowedIPs = append(status.AllowedIPs, prefix.String())
			return true
		})
		if nano := peer.LastHandshakeNano(); nano != 0 {
			status.LastHandshake = time.Unix(0, nano)
		}
		status.TxBytes, status.RxBytes = peer.TrafficStats()
		statuses = append(statuses, status)
	})
	return statuses
}

func (s *Server) listPeers(c *gin.Context) {
	c.JSON(http.StatusOK, s.peerStatuses())
}

func (s *Server) putPeer(c *gin.Context) {
	var req PeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	peer := store.Peer{
		PublicKey:           req.PublicKey,
		PresharedKey:        req.PresharedKey,
		Endpoint:            req.Endpoint,
		PersistentKeepalive: req.PersistentKeepalive,
	}
	for _, cidr := range req.AllowedIPs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid allowed_ip: " + cidr})
			return
		}
		peer.AllowedIPs = append(peer.AllowedIPs, store.AllowedIP{CIDR: cidr})
	}

	if err := s.peers.ApplyPeer(peer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.events.Publish(Event{Type: "peer_updated", Peer: req.PublicKey})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) deletePeer(c *gin.Context) {
	pubkey := c.Param("pubkey")
	if err := s.peers.RemovePeer(pubkey); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.events.Publish(Event{Type: "peer_removed", Peer: pubkey})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
