// Package store persists peer configuration so the tunnel survives agent
// restarts without re-reading the full YAML config or losing peers added
// at runtime through the API.
package store

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Peer is a persisted remote endpoint.
type Peer struct {
	PublicKey           string      `gorm:"primarykey" json:"public_key"`
	PresharedKey        string      `json:"-"`
	Endpoint            string      `json:"endpoint,omitempty"`
	PersistentKeepalive int         `json:"persistent_keepalive,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	AllowedIPs          []AllowedIP `gorm:"foreignKey:PeerPublicKey;constraint:OnDelete:CASCADE" json:"allowed_ips,omitempty"`
}

// AllowedIP is one CIDR a peer may use.
type AllowedIP struct {
	ID            uint   `gorm:"primarykey" json:"-"`
	PeerPublicKey string `gorm:"index" json:"-"`
	CIDR          string `gorm:"not null" json:"cidr"`
}

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open initialises the database and runs migrations. DSN formats:
// "sqlite:///var/lib/veilgo/agent.db" or a bare file path.
func Open(dsn string) (*Store, error) {
	path := strings.TrimPrefix(dsn, "sqlite://")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Peer{}, &AllowedIP{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// SavePeer inserts or replaces a peer and its allowed IPs.
func (s *Store) SavePeer(peer *Peer) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("peer_public_key = ?", peer.PublicKey).Delete(&AllowedIP{}).Error; err != nil {
			return err
		}
		return tx.Save(peer).Error
	})
}

// ListPeers returns all persisted peers with their allowed IPs.
func (s *Store) ListPeers() ([]Peer, error) {
	var peers []Peer
	if err := s.db.Preload("AllowedIPs").Find(&peers).Error; err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return peers, nil
}

// DeletePeer removes a peer and its allowed IPs.
func (s *Store) DeletePeer(publicKey string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("peer_public_key = ?", publicKey).Delete(&AllowedIP{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Peer{PublicKey: publicKey}).Error
	})
}
