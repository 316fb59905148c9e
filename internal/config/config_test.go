package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAgentConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	data := `
identity_path: /tmp/test-identity.key
listen_port: 51821
tun_name: veil1
peers:
  - public_key: 0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20
    endpoint: 192.0.2.1:51820
    allowed_ips:
      - 10.20.0.0/16
      - fd00::/64
    persistent_keepalive: 25
api:
  enabled: true
  listen: 127.0.0.1:9999
  jwt_secret: secret
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenPort != 51821 {
		t.Errorf("listen_port = %d, want 51821", cfg.ListenPort)
	}
	if cfg.TunName != "veil1" {
		t.Errorf("tun_name = %q, want veil1", cfg.TunName)
	}
	if cfg.MTU != 1420 {
		t.Errorf("default mtu = %d, want 1420", cfg.MTU)
	}
	if len(cfg.Peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(cfg.Peers))
	}
	peer := cfg.Peers[0]
	if len(peer.AllowedIPs) != 2 {
		t.Errorf("got %d allowed_ips, want 2", len(peer.AllowedIPs))
	}
	if peer.PersistentKeepalive != 25 {
		t.Errorf("persistent_keepalive = %d, want 25", peer.PersistentKeepalive)
	}
	if !cfg.API.Enabled || cfg.API.Listen != "127.0.0.1:9999" {
		t.Errorf("api config not applied: %+v", cfg.API)
	}
}

func TestLoadAgentConfigMissingFile(t *testing.T) {
	if _, err := LoadAgentConfig("/nonexistent/agent.yaml"); err == nil {
		t.Fatal("missing file did not error")
	}
}
