// Package core defines core data structures with zero external dependencies.
package core

import "time"

// RawPacket is a captured link-layer frame.
type RawPacket struct {
	Data       []byte
	Timestamp  time.Time
	CaptureLen uint32
	OrigLen    uint32
}

// Packet is the L3/L4 view of a RawPacket used to route it to a flow.
type Packet struct {
	Timestamp time.Time
	IP        IPHeader
	Transport TransportHeader
	Payload   []byte // Application layer payload, references RawPacket.Data
}

// IsTCP reports whether the packet carries TCP.
func (p *Packet) IsTCP() bool {
	return p.IP.Protocol == ProtoTCP
}

// IsUDP reports whether the packet carries UDP.
func (p *Packet) IsUDP() bool {
	return p.IP.Protocol == ProtoUDP
}
