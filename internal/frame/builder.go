// Package frame synthesizes display frames from packet summaries and renders
// them as protocol trees.
package frame

import (
	"log/slog"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/wiretap/internal/core"
)

const (
	ethernetLen = 14
	ipv4Len     = 20
	tcpLen      = 20
	udpLen      = 8

	// MinLength is the minimum Ethernet frame length without FCS.
	MinLength = 60
	// MaxLength caps the declared length a frame is padded to.
	MaxLength = 65535
)

var (
	// DstMAC and SrcMAC are the locally administered placeholder addresses.
	DstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	SrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
)

// Headers are written exactly as set: no length fixing, no checksums.
var serializeOptions = gopacket.SerializeOptions{}

// Build returns the synthetic frame for s. The result depends only on s.
func Build(s core.PacketSummary) core.SyntheticFrame {
	total := frameLength(s.Length)

	eth := &layers.Ethernet{
		SrcMAC:       SrcMAC,
		DstMAC:       DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocol(s.Protocol.IPProtocolNumber()),
		Length:   uint16(total - ethernetLen),
		SrcIP:    address4(s.Source),
		DstIP:    address4(s.Destination),
	}

	stack := []gopacket.SerializableLayer{eth, ip}
	headers := ethernetLen + ipv4Len
	if s.SrcPort != 0 || s.DstPort != 0 {
		switch ip.Protocol {
		case layers.IPProtocolTCP:
			stack = append(stack, &layers.TCP{
				SrcPort:    layers.TCPPort(s.SrcPort),
				DstPort:    layers.TCPPort(s.DstPort),
				DataOffset: 5,
				PSH:        true,
				ACK:        true,
				Window:     65535,
			})
			headers += tcpLen
		case layers.IPProtocolUDP:
			stack = append(stack, &layers.UDP{
				SrcPort: layers.UDPPort(s.SrcPort),
				DstPort: layers.UDPPort(s.DstPort),
				Length:  uint16(total - ethernetLen - ipv4Len),
			})
			headers += udpLen
		}
	}
	stack = append(stack, gopacket.Payload(make([]byte, total-headers)))

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, stack...); err != nil {
		// Unreachable with fixed 4-byte addresses; keep the frame well formed anyway.
		slog.Error("failed to serialize synthetic frame", "seq", s.Seq, "error", err)
		return core.SyntheticFrame{Seq: s.Seq, Data: make([]byte, total)}
	}

	data := buf.Bytes()
	out := make([]byte, total)
	copy(out, data)
	return core.SyntheticFrame{Seq: s.Seq, Data: out}
}

// frameLength is max(MinLength, declared) with declared capped at MaxLength.
func frameLength(declared int) int {
	if declared > MaxLength {
		declared = MaxLength
	}
	if declared < MinLength {
		return MinLength
	}
	return declared
}

// address4 reduces a textual address to four bytes. IPv6 addresses keep the
// low byte of each of their last four groups. Unparsable text gives 0.0.0.0.
func address4(text string) net.IP {
	out := net.IP{0, 0, 0, 0}
	addr, err := netip.ParseAddr(text)
	if err != nil {
		return out
	}
	if addr.Is4() {
		b := addr.As4()
		copy(out, b[:])
		return out
	}
	b := addr.As16()
	for i := 0; i < 4; i++ {
		out[i] = b[9+2*i]
	}
	return out
}
