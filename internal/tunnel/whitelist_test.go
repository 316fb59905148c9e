package tunnel

import (
	"io"
	"log/slog"
	"math/rand"
	"net/netip"
	"testing"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	device := NewDevice(nil, log)
	sk, err := newPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := device.SetPrivateKey(sk); err != nil {
		t.Fatalf("set private key: %v", err)
	}
	return device
}

func newTestPeer(t *testing.T, device *Device) *Peer {
	t.Helper()
	sk, err := newPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	peer, err := device.NewPeer(sk.publicKey(), NoisePresharedKey{})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	peer.Start()
	return peer
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("parse prefix %q: %v", s, err)
	}
	return prefix
}

func lookupAddr(t *testing.T, table *Whitelist, s string) *Peer {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse addr %q: %v", s, err)
	}
	var peer *Peer
	if addr.Is4() {
		ip := addr.As4()
		peer = table.lookupIP(ip[:])
	} else {
		ip := addr.As16()
		peer = table.lookupIP(ip[:])
	}
	if peer != nil {
		peer.put()
	}
	return peer
}

func TestWhitelistLongestPrefixIPv4(t *testing.T) {
	device := newTestDevice(t)
	p1 := newTestPeer(t, device)
	p2 := newTestPeer(t, device)
	table := device.Whitelist()

	if err := table.Insert(mustPrefix(t, "10.0.0.0/8"), p1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := table.Insert(mustPrefix(t, "10.1.0.0/16"), p2); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if got := lookupAddr(t, table, "10.1.2.3"); got != p2 {
		t.Errorf("10.1.2.3: got %v, want p2", got)
	}
	if got := lookupAddr(t, table, "10.2.2.3"); got != p1 {
		t.Errorf("10.2.2.3: got %v, want p1", got)
	}
	if got := lookupAddr(t, table, "11.0.0.0"); got != nil {
		t.Errorf("11.0.0.0: got %v, want none", got)
	}
}

func TestWhitelistRemoveByPeer(t *testing.T) {
	device := newTestDevice(t)
	p1 := newTestPeer(t, device)
	p2 := newTestPeer(t, device)
	table := device.Whitelist()

	table.Insert(mustPrefix(t, "10.0.0.0/8"), p1)
	table.Insert(mustPrefix(t, "10.1.0.0/16"), p2)

	table.RemoveByPeer(p2)

	if got := lookupAddr(t, table, "10.1.2.3"); got != p1 {
		t.Errorf("10.1.2.3 after removal: got %v, want p1", got)
	}
	table.EntriesForPeer(p2, func(prefix netip.Prefix) bool {
		t.Errorf("p2 still owns %v after RemoveByPeer", prefix)
		return true
	})

	table.RemoveByPeer(p1)
	if got := lookupAddr(t, table, "10.1.2.3"); got != nil {
		t.Errorf("lookup after removing all peers: got %v, want none", got)
	}
}

func TestWhitelistLongestPrefixIPv6(t *testing.T) {
	device := newTestDevice(t)
	p1 := newTestPeer(t, device)
	p2 := newTestPeer(t, device)
	table := device.Whitelist()

	table.Insert(mustPrefix(t, "fd00::/8"), p1)
	table.Insert(mustPrefix(t, "fd00:aaaa::/32"), p2)

	if got := lookupAddr(t, table, "fd00:aaaa::1"); got != p2 {
		t.Errorf("fd00:aaaa::1: got %v, want p2", got)
	}
	if got := lookupAddr(t, table, "fd00:bbbb::1"); got != p1 {
		t.Errorf("fd00:bbbb::1: got %v, want p1", got)
	}
	if got := lookupAddr(t, table, "fe80::1"); got != nil {
		t.Errorf("fe80::1: got %v, want none", got)
	}
}

func TestWhitelistInsertInvalid(t *testing.T) {
	device := newTestDevice(t)
	table := device.Whitelist()
	if err := table.Insert(mustPrefix(t, "10.0.0.0/8"), nil); err != ErrInvalidPrefix {
		t.Errorf("nil peer: got %v, want ErrInvalidPrefix", err)
	}
	if err := table.Insert(netip.Prefix{}, newTestPeer(t, device)); err != ErrInvalidPrefix {
		t.Errorf("invalid prefix: got %v, want ErrInvalidPrefix", err)
	}
}

func TestWhitelistReplaceExisting(t *testing.T) {
	device := newTestDevice(t)
	p1 := newTestPeer(t, device)
	p2 := newTestPeer(t, device)
	table := device.Whitelist()

	table.Insert(mustPrefix(t, "172.16.0.0/12"), p1)
	table.Insert(mustPrefix(t, "172.16.0.0/12"), p2)

	if got := lookupAddr(t, table, "172.16.5.5"); got != p2 {
		t.Errorf("after overwrite: got %v, want p2", got)
	}
	table.EntriesForPeer(p1, func(prefix netip.Prefix) bool {
		t.Errorf("p1 still owns %v after overwrite", prefix)
		return true
	})
}

func TestWhitelistCanonicalEntries(t *testing.T) {
	device := newTestDevice(t)
	p1 := newTestPeer(t, device)
	table := device.Whitelist()

	table.Insert(mustPrefix(t, "192.168.4.10/24"), p1)

	var entries []netip.Prefix
	table.EntriesForPeer(p1, func(prefix netip.Prefix) bool {
		entries = append(entries, prefix)
		return true
	})
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if want := mustPrefix(t, "192.168.4.0/24"); entries[0] != want {
		t.Errorf("entry = %v, want %v (host bits masked)", entries[0], want)
	}
}

// checkTrieInvariants verifies that every interior node keeps two
// children or a peer, and that decision bits strictly increase from root
// to leaf.
func checkTrieInvariants(t *testing.T, node *trieNode, minCIDR int) {
	t.Helper()
	if node == nil {
		return
	}
	children := 0
	if node.child[0] != nil {
		children++
	}
	if node.child[1] != nil {
		children++
	}
	if node.peer == nil && children < 2 {
		t.Errorf("interior node %v/%d has %d children and no peer", node.bits, node.cidr, children)
	}
	if int(node.cidr) < minCIDR {
		t.Errorf("decision bit did not increase: node %v/%d under depth %d", node.bits, node.cidr, minCIDR)
	}
	checkTrieInvariants(t, node.child[0], int(node.cidr)+1)
	checkTrieInvariants(t, node.child[1], int(node.cidr)+1)
}

func TestWhitelistStructuralInvariants(t *testing.T) {
	device := newTestDevice(t)
	table := device.Whitelist()
	rng := rand.New(rand.NewSource(1))

	peers := make([]*Peer, 8)
	for i := range peers {
		peers[i] = newTestPeer(t, device)
	}
	for i := 0; i < 200; i++ {
		addr := netip.AddrFrom4([4]byte{byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256))})
		prefix := netip.PrefixFrom(addr, rng.Intn(33))
		if err := table.Insert(prefix, peers[rng.Intn(len(peers))]); err != nil {
			t.Fatalf("insert %v: %v", prefix, err)
		}
	}
	checkTrieInvariants(t, table.root4, 0)

	// removal keeps the structure sound too
	for _, peer := range peers[:4] {
		table.RemoveByPeer(peer)
	}
	checkTrieInvariants(t, table.root4, 0)

	for _, peer := range peers[:4] {
		var queried [4]byte
		rng.Read(queried[:])
		if got := table.lookupIP(queried[:]); got != nil {
			if got == peer {
				t.Errorf("lookup returned removed peer")
			}
			got.put()
		}
	}
}

func TestWhitelistPacketDispatch(t *testing.T) {
	device := newTestDevice(t)
	p1 := newTestPeer(t, device)
	table := device.Whitelist()
	table.Insert(mustPrefix(t, "10.0.0.0/8"), p1)

	packet := make([]byte, ipv4HeaderLen)
	packet[0] = 4 << 4
	copy(packet[ipv4offsetSrc:], []byte{10, 0, 0, 1})
	copy(packet[ipv4offsetDst:], []byte{10, 9, 9, 9})

	if got := table.LookupDst(packet); got != p1 {
		t.Errorf("LookupDst: got %v, want p1", got)
	} else {
		got.put()
	}
	if got := table.LookupSrc(packet); got != p1 {
		t.Errorf("LookupSrc: got %v, want p1", got)
	} else {
		got.put()
	}
	if got := table.LookupDst(packet[:10]); got != nil {
		t.Errorf("truncated packet: got %v, want none", got)
	}
}
