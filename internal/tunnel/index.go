package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// The session index table maps the 32-bit locally-generated index carried
// in wire messages to the live handshake or keypair it belongs to.
// Indices come from a non-predictable source and are unique across both
// populations for the whole device.

type IndexTableEntry struct {
	peer      *Peer
	handshake *Handshake
	keypair   *Keypair
}

type IndexTable struct {
	sync.RWMutex
	table map[uint32]IndexTableEntry
}

func randUint32() (uint32, error) {
	var integer [4]byte
	_, err := rand.Read(integer[:])
	return binary.LittleEndian.Uint32(integer[:]), err
}

func (table *IndexTable) Init() {
	table.Lock()
	defer table.Unlock()
	table.table = make(map[uint32]IndexTableEntry)
}

func (table *IndexTable) Delete(index uint32) {
	table.Lock()
	defer table.Unlock()
	if entry, ok := table.table[index]; ok {
		if entry.keypair != nil {
			entry.keypair.put()
		}
		delete(table.table, index)
	}
}

// SwapIndexForKeypair replaces the handshake entry at index with the
// freshly derived keypair, taking a reference on it.
func (table *IndexTable) SwapIndexForKeypair(index uint32, keypair *Keypair) {
	table.Lock()
	defer table.Unlock()
	entry, ok := table.table[index]
	if !ok {
		return
	}
	table.table[index] = IndexTableEntry{
		peer:      entry.peer,
		keypair:   keypair.get(),
		handshake: nil,
	}
}

// NewIndexForHandshake allocates a fresh unique index for the handshake
// and registers it.
func (table *IndexTable) NewIndexForHandshake(peer *Peer, handshake *Handshake) (uint32, error) {
	for {
		index, err := randUint32()
		if err != nil {
			return index, err
		}
		table.Lock()
		_, ok := table.table[index]
		if ok {
			table.Unlock()
			continue
		}
		table.table[index] = IndexTableEntry{
			peer:      peer,
			handshake: handshake,
			keypair:   nil,
		}
		table.Unlock()
		return index, nil
	}
}

func (table *IndexTable) Lookup(index uint32) IndexTableEntry {
	table.RLock()
	defer table.RUnlock()
	return table.table[index]
}

// LookupKeypair resolves a transport receiver index, taking a reference
// on the keypair while the table entry still guarantees liveness.
func (table *IndexTable) LookupKeypair(index uint32) (*Keypair, *Peer) {
	table.RLock()
	defer table.RUnlock()
	entry, ok := table.table[index]
	if !ok || entry.keypair == nil {
		return nil, nil
	}
	return entry.keypair.get(), entry.peer
}
