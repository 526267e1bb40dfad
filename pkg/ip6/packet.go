// Package ip6 holds the simulated IPv6 packet buffer and address helpers.
package ip6

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	HeaderLen   = 40
	MinMTU      = 1280
	ProtoICMPv6 = 58
	ProtoUDP    = 17
	ProtoNoNext = 59

	DefaultHopLimit = 64
)

// Packet is an IPv6 datagram in flight through the simulator. The payload
// starts at the upper-layer header.
type Packet struct {
	Src        netip.Addr
	Dst        netip.Addr
	NextHeader uint8
	HopLimit   uint8
	Payload    []byte

	// Created is the simulated time the packet was first built.
	Created time.Duration
}

// Len returns the on-wire length including the fixed header.
func (p *Packet) Len() int { return HeaderLen + len(p.Payload) }

// Clone returns a deep copy.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	return &c
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s -> %s nh=%d hlim=%d len=%d", p.Src, p.Dst, p.NextHeader, p.HopLimit, len(p.Payload))
}

func (p *Packet) layer() *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocol(p.NextHeader),
		HopLimit:   p.HopLimit,
		SrcIP:      ToNetIP(p.Src),
		DstIP:      ToNetIP(p.Dst),
	}
}

// Marshal renders the fixed IPv6 header followed by the payload.
func (p *Packet) Marshal() ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, p.layer(), gopacket.Payload(p.Payload)); err != nil {
		return nil, fmt.Errorf("serialize ipv6: %w", err)
	}
	return buf.Bytes(), nil
}

// MarshalFrame renders p inside an Ethernet II frame.
func (p *Packet) MarshalFrame(src, dst net.HardwareAddr) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv6,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, p.layer(), gopacket.Payload(p.Payload)); err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a raw IPv6 datagram.
func Unmarshal(data []byte) (*Packet, error) {
	var ip layers.IPv6
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("decode ipv6: %w", err)
	}
	payload := ip.Payload
	if int(ip.Length) <= len(payload) {
		payload = payload[:ip.Length]
	}
	return &Packet{
		Src:        FromNetIP(ip.SrcIP),
		Dst:        FromNetIP(ip.DstIP),
		NextHeader: uint8(ip.NextHeader),
		HopLimit:   ip.HopLimit,
		Payload:    append([]byte(nil), payload...),
	}, nil
}

// UnmarshalFrame decodes an Ethernet II frame carrying IPv6.
func UnmarshalFrame(data []byte) (src, dst net.HardwareAddr, p *Packet, err error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, nil, nil, fmt.Errorf("decode ethernet: %w", err)
	}
	if eth.EthernetType != layers.EthernetTypeIPv6 {
		return nil, nil, nil, fmt.Errorf("ethertype %v is not IPv6", eth.EthernetType)
	}
	p, err = Unmarshal(eth.Payload)
	if err != nil {
		return nil, nil, nil, err
	}
	return eth.SrcMAC, eth.DstMAC, p, nil
}
