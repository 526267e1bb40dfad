package netsim

import (
	"bytes"
	"net"
	"time"

	"github.com/psaab/ndsim/pkg/ip6"
)

// Link is a broadcast segment. Every frame reaches every other attached
// port after Delay.
type Link struct {
	Name  string
	Delay time.Duration
	MTU   uint32

	net   *Network
	up    bool
	epoch uint64
	ports []*Port

	Frames  uint64
	Dropped uint64
}

// Up reports the carrier state.
func (l *Link) Up() bool { return l.up }

// Ports returns the attached ports.
func (l *Link) Ports() []*Port { return append([]*Port(nil), l.ports...) }

// Port is one node interface attached to a link.
type Port struct {
	node    *Node
	link    *Link
	ifIndex int
	name    string
	mac     net.HardwareAddr
	up      bool
}

func (p *Port) Node() *Node { return p.node }
func (p *Port) Link() *Link { return p.link }
func (p *Port) Index() int { return p.ifIndex }
func (p *Port) Name() string { return p.name }
func (p *Port) MAC() net.HardwareAddr { return p.mac }
func (p *Port) Up() bool { return p.up }

// transmit puts pkt on the link toward dst. The frame is captured once and
// a copy is scheduled for each other port.
func (l *Link) transmit(from *Port, pkt *ip6.Packet, dst net.HardwareAddr) error {
	if !l.up {
		l.Dropped++
		return ErrLinkDown
	}
	if uint32(pkt.Len()) > l.MTU {
		l.Dropped++
		return ErrFrameSize
	}
	l.Frames++
	if tap := l.net.tap; tap != nil {
		frame, err := pkt.MarshalFrame(from.mac, dst)
		if err == nil {
			err = tap.WriteFrame(l.net.sched.Now(), l.Name, frame)
		}
		if err != nil {
			l.net.log.Warn("netsim: capture failed", "link", l.Name, "err", err)
		}
	}

	epoch := l.epoch
	src := bytes.Clone(from.mac)
	for _, p := range l.ports {
		if p == from {
			continue
		}
		rx := p
		cp := pkt.Clone()
		l.net.sched.Schedule(l.Delay, "netsim: deliver "+l.Name, func() {
			if !l.up || l.epoch != epoch {
				l.Dropped++
				return
			}
			rx.node.receive(rx, src, dst, cp)
		})
	}
	return nil
}
