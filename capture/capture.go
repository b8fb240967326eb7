// Package capture reads packets from pcap files and maps them to the
// stored packet model.
package capture

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/pktvault/pktvault/pkg/model"
)

// Capturer reads packets from a pcap/pcapng file.
type Capturer struct {
	handle     *pcap.Handle
	packetChan chan *model.Packet
	stopChan   chan struct{}
}

// NewFileCapturer opens a pcap file for reading, with an optional BPF
// filter expression.
func NewFileCapturer(filename string, filter string) (*Capturer, error) {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return nil, fmt.Errorf("open pcap file %s: %w", filename, err)
	}

	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("set BPF filter: %w", err)
		}
	}

	return &Capturer{
		handle:     handle,
		packetChan: make(chan *model.Packet, 1000),
		stopChan:   make(chan struct{}),
	}, nil
}

// Start begins reading. The returned channel closes at end of file or
// after Stop.
func (c *Capturer) Start() <-chan *model.Packet {
	go c.captureLoop()
	return c.packetChan
}

// Stop aborts the read and releases the pcap handle.
func (c *Capturer) Stop() {
	close(c.stopChan)
	c.handle.Close()
}

func (c *Capturer) captureLoop() {
	defer close(c.packetChan)

	source := gopacket.NewPacketSource(c.handle, c.handle.LinkType())
	for pkt := range source.Packets() {
		p := Convert(pkt)
		select {
		case c.packetChan <- p:
		case <-c.stopChan:
			return
		}
	}
}

// Convert maps a decoded gopacket packet onto the stored model. Link
// and application layers beyond the transport 4-tuple are not kept;
// the raw bytes carry everything else.
func Convert(pkt gopacket.Packet) *model.Packet {
	p := &model.Packet{
		Timestamp: model.TimeToFloat(pkt.Metadata().Timestamp),
		Length:    pkt.Metadata().Length,
		Protocol:  model.ProtocolOther,
		RawData:   pkt.Data(),
	}

	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		p.SrcIP = ip.SrcIP.String()
		p.DstIP = ip.DstIP.String()
		if ip.Protocol == layers.IPProtocolICMPv4 {
			p.Protocol = model.ProtocolICMP
		}
	case *layers.IPv6:
		p.SrcIP = ip.SrcIP.String()
		p.DstIP = ip.DstIP.String()
		if ip.NextHeader == layers.IPProtocolICMPv6 {
			p.Protocol = model.ProtocolICMP
		}
	}

	switch t := pkt.TransportLayer().(type) {
	case *layers.TCP:
		p.Protocol = model.ProtocolTCP
		p.SrcPort = int(t.SrcPort)
		p.DstPort = int(t.DstPort)
	case *layers.UDP:
		p.Protocol = model.ProtocolUDP
		p.SrcPort = int(t.SrcPort)
		p.DstPort = int(t.DstPort)
	}

	return p
}
