// Package relay runs the optional STUN/TURN rendezvous server that lets
// NAT-blocked peers learn their reflexive addresses and, when enabled,
// relay traffic.
package relay

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/turn/v3"

	"github.com/unicornultrafoundation/veilgo/internal/config"
)

// Server runs STUN and TURN services for NAT traversal.
type Server struct {
	config     *config.RelayConfig
	turnServer *turn.Server
	log        *slog.Logger
}

// New creates a new relay server.
func New(cfg *config.RelayConfig, log *slog.Logger) *Server {
	return &Server{
		config: cfg,
		log:    log.With("component", "relay"),
	}
}

// Start starts the STUN/TURN server.
func (s *Server) Start() error {
	udpListener, err := net.ListenPacket("udp4", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}

	publicIP := s.config.PublicIP
	if publicIP == "" {
		publicIP = "0.0.0.0"
	}

	turnConfig := turn.ServerConfig{
		Realm: s.config.Realm,
		AuthHandler: func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
			if !s.config.TURNEnabled {
				return nil, false
			}
			password, ok := s.config.Credentials[username]
			if !ok {
				return nil, false
			}
			return turn.GenerateAuthKey(username, realm, password), true
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: net.ParseIP(publicIP),
					Address:      "0.0.0.0",
				},
			},
		},
	}

	turnServer, err := turn.NewServer(turnConfig)
	if err != nil {
		udpListener.Close()
		return fmt.Errorf("create TURN server: %w", err)
	}
	s.turnServer = turnServer

	s.log.Info("relay server started",
		"listen", s.config.Listen,
		"stun", s.config.STUNEnabled,
		"turn", s.config.TURNEnabled,
		"realm", s.config.Realm,
	)
	return nil
}

// Stop shuts down the relay server.
func (s *Server) Stop() error {
	if s.turnServer != nil {
		return s.turnServer.Close()
	}
	return nil
}
