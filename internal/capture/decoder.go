package capture

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/vigil/internal/core"
	"firestige.xyz/vigil/internal/metrics"
)

// Packet is a decoded packet ready for a worker. TCP and NetFlow are set for
// TCP packets and feed the stream assembler.
type Packet struct {
	core.Packet
	NetFlow gopacket.Flow
	TCP     *layers.TCP
	hash    uint64
}

// Hash is the same for both directions of a flow.
func (p *Packet) Hash() uint64 {
	return p.hash
}

// Decoder turns captured frames into Packets. It reuses its layers and is
// not safe for concurrent use; the Packets it returns do not share them.
type Decoder struct {
	parser *gopacket.DecodingLayerParser

	eth     layers.Ethernet
	sll     layers.LinuxSLL
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload

	decoded []gopacket.LayerType
}

// NewDecoder creates a decoder for frames of linkType.
func NewDecoder(linkType layers.LinkType) (*Decoder, error) {
	d := &Decoder{}
	var first gopacket.LayerType
	switch linkType {
	case layers.LinkTypeEthernet:
		first = layers.LayerTypeEthernet
	case layers.LinkTypeLinuxSLL:
		first = layers.LayerTypeLinuxSLL
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		first = layers.LayerTypeIPv4
	case layers.LinkTypeIPv6:
		first = layers.LayerTypeIPv6
	default:
		return nil, fmt.Errorf("link type %s: %w", linkType, core.ErrUnsupportedProto)
	}
	d.parser = gopacket.NewDecodingLayerParser(
		first,
		&d.eth,
		&d.sll,
		&d.dot1q,
		&d.ip4,
		&d.ip6,
		&d.tcp,
		&d.udp,
		&d.payload,
	)
	d.parser.IgnoreUnsupported = true
	return d, nil
}

// Decode decodes raw into a Packet. Non TCP/UDP traffic and IP fragments
// yield ErrUnsupportedProto.
func (d *Decoder) Decode(raw core.RawPacket) (*Packet, error) {
	d.decoded = d.decoded[:0]
	if err := d.parser.DecodeLayers(raw.Data, &d.decoded); err != nil {
		metrics.CaptureDropsTotal.WithLabelValues("decode").Inc()
		return nil, fmt.Errorf("%w: %v", core.ErrPacketTooShort, err)
	}

	p := &Packet{Packet: core.Packet{Timestamp: raw.Timestamp}}
	var (
		netFlow gopacket.Flow
		haveIP  bool
	)
	for _, layerType := range d.decoded {
		switch layerType {
		case layers.LayerTypeIPv4:
			if d.ip4.Flags&layers.IPv4MoreFragments != 0 || d.ip4.FragOffset != 0 {
				metrics.CaptureDropsTotal.WithLabelValues("fragment").Inc()
				return nil, fmt.Errorf("ipv4 fragment: %w", core.ErrUnsupportedProto)
			}
			p.IP = core.IPHeader{
				Version:  4,
				SrcIP:    addr(d.ip4.SrcIP),
				DstIP:    addr(d.ip4.DstIP),
				Protocol: uint8(d.ip4.Protocol),
				TTL:      d.ip4.TTL,
			}
			netFlow = d.ip4.NetworkFlow()
			haveIP = true
		case layers.LayerTypeIPv6:
			p.IP = core.IPHeader{
				Version:  6,
				SrcIP:    addr(d.ip6.SrcIP),
				DstIP:    addr(d.ip6.DstIP),
				Protocol: uint8(d.ip6.NextHeader),
				TTL:      d.ip6.HopLimit,
			}
			netFlow = d.ip6.NetworkFlow()
			haveIP = true
		case layers.LayerTypeTCP:
			tcp := d.tcp
			tcp.Options = nil // backed by the decoder's reused slice
			p.TCP = &tcp
			p.Transport = core.TransportHeader{
				SrcPort:  uint16(tcp.SrcPort),
				DstPort:  uint16(tcp.DstPort),
				Protocol: core.ProtoTCP,
				TCPFlags: tcpFlags(&tcp),
				SeqNum:   tcp.Seq,
			}
			p.Payload = tcp.Payload
			p.hash = netFlow.FastHash() ^ tcp.TransportFlow().FastHash()
		case layers.LayerTypeUDP:
			p.Transport = core.TransportHeader{
				SrcPort:  uint16(d.udp.SrcPort),
				DstPort:  uint16(d.udp.DstPort),
				Protocol: core.ProtoUDP,
			}
			p.Payload = d.udp.Payload
			p.hash = netFlow.FastHash() ^ d.udp.TransportFlow().FastHash()
		}
	}
	if !haveIP || p.Transport.Protocol == 0 {
		metrics.CaptureDropsTotal.WithLabelValues("unsupported").Inc()
		return nil, core.ErrUnsupportedProto
	}
	p.IP.Protocol = p.Transport.Protocol
	p.NetFlow = netFlow
	return p, nil
}

func addr(ip []byte) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	for i, set := range []bool{t.FIN, t.SYN, t.RST, t.PSH, t.ACK, t.URG, t.ECE, t.CWR} {
		if set {
			f |= 1 << i
		}
	}
	return f
}
