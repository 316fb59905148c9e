// Package nat discovers the agent's public endpoint so it can be handed
// to remote peers, using STUN first and ICE candidate gathering where a
// single binding request is not enough.
package nat

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
)

// TURNServer holds TURN server credentials.
type TURNServer struct {
	URL      string
	Username string
	Password string
}

// Discovery resolves the public address of the local tunnel socket.
type Discovery struct {
	stunServers []string
	turnServers []TURNServer
	log         *slog.Logger
}

// NewDiscovery creates an endpoint discovery helper.
func NewDiscovery(stunServers []string, turnServers []TURNServer, log *slog.Logger) *Discovery {
	return &Discovery{
		stunServers: stunServers,
		turnServers: turnServers,
		log:         log.With("component", "nat"),
	}
}

// PublicAddr uses STUN to discover a public IP:port mapping, trying each
// configured server in turn. The binding request is sent from an
// ephemeral socket, not from localPort, so the port returned is that
// socket's mapping; localPort is not used.
func (d *Discovery) PublicAddr(localPort int) (*net.UDPAddr, error) {
	if len(d.stunServers) == 0 {
		return nil, fmt.Errorf("no STUN servers configured")
	}
	for _, server := range d.stunServers {
		addr, err := stunDiscover(server, localPort)
		if err != nil {
			d.log.Debug("STUN discovery failed", "server", server, "err", err)
			continue
		}
		d.log.Info("STUN discovered public address", "addr", addr, "server", server)
		return addr, nil
	}
	return nil, fmt.Errorf("all STUN servers failed")
}

// NewICEAgent builds a pion/ice agent configured with the discovery's
// STUN and TURN servers, for gathering candidates when direct STUN fails.
func (d *Discovery) NewICEAgent() (*ice.Agent, error) {
	urls := make([]*stun.URI, 0, len(d.stunServers)+len(d.turnServers))
	for _, s := range d.stunServers {
		u, err := stun.ParseURI(s)
		if err != nil {
			d.log.Debug("parse STUN URI", "uri", s, "err", err)
			continue
		}
		urls = append(urls, u)
	}
	for _, t := range d.turnServers {
		u, err := stun.ParseURI(t.URL)
		if err != nil {
			d.log.Debug("parse TURN URI", "uri", t.URL, "err", err)
			continue
		}
		u.Username = t.Username
		u.Password = t.Password
		urls = append(urls, u)
	}

	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:                urls,
		NetworkTypes:        []ice.NetworkType{ice.NetworkTypeUDP4},
		CandidateTypes:      []ice.CandidateType{ice.CandidateTypeHost, ice.CandidateTypeServerReflexive, ice.CandidateTypeRelay},
		DisconnectedTimeout: ptrDuration(10 * time.Second),
		FailedTimeout:       ptrDuration(30 * time.Second),
		KeepaliveInterval:   ptrDuration(2 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("create ICE agent: %w", err)
	}
	return agent, nil
}

func ptrDuration(d time.Duration) *time.Duration {
	return &d
}

// stunDiscover performs a single STUN binding request from an ephemeral
// socket and reads back the mapped address.
func stunDiscover(serverAddr string, localPort int) (*net.UDPAddr, error) {
	conn, err := net.DialTimeout("udp", serverAddr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(msg.Raw); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}

	resp := new(stun.Message)
	resp.Raw = buf[:n]
	if err := resp.Decode(); err != nil {
		return nil, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err != nil {
		var mappedAddr stun.MappedAddress
		if err := mappedAddr.GetFrom(resp); err != nil {
			return nil, fmt.Errorf("no mapped address in STUN response")
		}
		return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}
	return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
}
