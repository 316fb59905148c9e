package tunnel

import "net"

// Outer IP header field offsets, per RFC 791 and RFC 8200. The data path
// never parses the full header; cryptokey routing needs only the version
// nibble and the two addresses, read straight from the packet bytes.
// Options and fragmentation are deliberately ignored.

const (
	ipv4offsetTotalLength = 2
	ipv4offsetSrc         = 12
	ipv4offsetDst         = ipv4offsetSrc + net.IPv4len

	ipv6offsetPayloadLength = 4
	ipv6offsetSrc           = 8
	ipv6offsetDst           = ipv6offsetSrc + net.IPv6len
)

const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
)

func ipVersion(packet []byte) int {
	if len(packet) == 0 {
		return 0
	}
	return int(packet[0] >> 4)
}

func dstAddress(packet []byte) []byte {
	switch ipVersion(packet) {
	case 4:
		if len(packet) < ipv4HeaderLen {
			return nil
		}
		return packet[ipv4offsetDst : ipv4offsetDst+net.IPv4len]
	case 6:
		if len(packet) < ipv6HeaderLen {
			return nil
		}
		return packet[ipv6offsetDst : ipv6offsetDst+net.IPv6len]
	}
	return nil
}

func srcAddress(packet []byte) []byte {
	switch ipVersion(packet) {
	case 4:
		if len(packet) < ipv4HeaderLen {
			return nil
		}
		return packet[ipv4offsetSrc : ipv4offsetSrc+net.IPv4len]
	case 6:
		if len(packet) < ipv6HeaderLen {
			return nil
		}
		return packet[ipv6offsetSrc : ipv6offsetSrc+net.IPv6len]
	}
	return nil
}
