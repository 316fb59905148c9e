package tunnel

import "testing"

func TestIndexTableHandshakeToKeypair(t *testing.T) {
	var table IndexTable
	table.Init()

	peer := &Peer{}
	handshake := &Handshake{}

	index, err := table.NewIndexForHandshake(peer, handshake)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}

	entry := table.Lookup(index)
	if entry.handshake != handshake || entry.peer != peer {
		t.Fatal("handshake lookup mismatch")
	}
	if kp, _ := table.LookupKeypair(index); kp != nil {
		kp.put()
		t.Fatal("keypair lookup on handshake entry")
	}

	keypair := new(Keypair)
	keypair.refcount.Store(1)
	table.SwapIndexForKeypair(index, keypair)

	if entry := table.Lookup(index); entry.handshake != nil {
		t.Fatal("handshake still resolvable after swap")
	}
	kp, owner := table.LookupKeypair(index)
	if kp != keypair || owner != peer {
		t.Fatal("keypair lookup mismatch after swap")
	}
	kp.put()

	table.Delete(index)
	if kp, _ := table.LookupKeypair(index); kp != nil {
		kp.put()
		t.Fatal("entry survives delete")
	}
}

func TestIndexTableUniqueIndices(t *testing.T) {
	var table IndexTable
	table.Init()

	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		index, err := table.NewIndexForHandshake(nil, &Handshake{})
		if err != nil {
			t.Fatalf("new index: %v", err)
		}
		if seen[index] {
			t.Fatalf("index %d allocated twice", index)
		}
		seen[index] = true
	}
}

func TestSwapIndexForUnknownIndex(t *testing.T) {
	var table IndexTable
	table.Init()

	keypair := new(Keypair)
	keypair.refcount.Store(1)
	table.SwapIndexForKeypair(12345, keypair)
	if kp, _ := table.LookupKeypair(12345); kp != nil {
		kp.put()
		t.Fatal("swap on unknown index registered an entry")
	}
}
