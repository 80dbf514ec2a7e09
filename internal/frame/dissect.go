package frame

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/wiretap/internal/core"
)

// Dissect renders f as a hex dump followed by a layer-by-layer protocol tree.
func Dissect(f core.SyntheticFrame) string {
	return decode(f).Dump()
}

// Layers returns the names of the layers decoded from f, outermost first.
func Layers(f core.SyntheticFrame) []string {
	packet := decode(f)
	names := make([]string, 0, len(packet.Layers()))
	for _, layer := range packet.Layers() {
		names = append(names, layer.LayerType().String())
	}
	return names
}

func decode(f core.SyntheticFrame) gopacket.Packet {
	return gopacket.NewPacket(f.Data, layers.LayerTypeEthernet, gopacket.DecodeOptions{NoCopy: true})
}
