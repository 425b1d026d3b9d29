// Package core defines core types with zero external dependencies.
package core

import "net/netip"

// Direction of a flow's traffic relative to the connection initiator.
type Direction uint8

const (
	ToServer Direction = iota
	ToClient
)

// Index returns the array slot for per-direction state (0 to server, 1 to client).
func (d Direction) Index() int {
	return int(d & 1)
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == ToServer {
		return ToClient
	}
	return ToServer
}

func (d Direction) String() string {
	if d == ToServer {
		return "toserver"
	}
	return "toclient"
}

// ParseDirection converts a rule/config direction string.
// Empty means "any" and is reported with ok=false.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "to_server", "toserver", "request":
		return ToServer, true
	case "to_client", "toclient", "response":
		return ToClient, true
	}
	return ToServer, false
}

// IPHeader represents L3 IP header (IPv4/IPv6).
type IPHeader struct {
	Version  uint8
	SrcIP    netip.Addr
	DstIP    netip.Addr
	Protocol uint8 // TCP=6, UDP=17
	TTL      uint8
}

// TransportHeader represents L4 transport layer header (TCP/UDP).
type TransportHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	// TCP-specific fields (only populated for TCP)
	TCPFlags uint8
	SeqNum   uint32
}

// IP protocol numbers used by the engine.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)
