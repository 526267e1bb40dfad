package ndp

import (
	"time"

	"github.com/psaab/ndsim/pkg/icmp6"
	"github.com/psaab/ndsim/pkg/ip6"
)

// maxRecency bounds each loop-suppression list.
const maxRecency = 64

type recencyEntry struct {
	key string
	at  time.Duration
}

// recencyList remembers recently relayed DAD messages, most recent first.
type recencyList struct {
	entries []recencyEntry
}

// admit reports whether key may be relayed at now and records it if so.
// A key is refused while its previous sighting is within window.
func (l *recencyList) admit(key string, now, window time.Duration) bool {
	for _, en := range l.entries {
		if en.key == key {
			if now-en.at <= window {
				return false
			}
			break
		}
	}
	l.record(key, now)
	return true
}

// record moves key to the front with timestamp now.
func (l *recencyList) record(key string, now time.Duration) {
	for i, en := range l.entries {
		if en.key == key {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			break
		}
	}
	l.entries = append([]recencyEntry{{key: key, at: now}}, l.entries...)
	if len(l.entries) > maxRecency {
		l.entries = l.entries[:maxRecency]
	}
}

func (l *recencyList) Len() int { return len(l.entries) }

func (e *Engine) relayWindow() time.Duration { return 2 * e.cfg.DADWait }

func nsKey(m *icmp6.NeighborSolicitation) string {
	t := m.Target.As16()
	return string(t[:]) + string(m.Options.Nonce())
}

func naKey(m *icmp6.NeighborAdvertisement) string {
	t := m.Target.As16()
	return string(t[:])
}

func (e *Engine) relayNS(in *Interface, pkt *ip6.Packet, m *icmp6.NeighborSolicitation) {
	e.relay(in, pkt, nsKey(m), func(ifc *Interface) *recencyList { return &ifc.ac.nsSeen })
}

func (e *Engine) relayNA(in *Interface, pkt *ip6.Packet, m *icmp6.NeighborAdvertisement) {
	e.relay(in, pkt, naKey(m), func(ifc *Interface) *recencyList { return &ifc.ac.naSeen })
}

// relay forwards a DAD message out of every other relaying interface after
// the jitter delay, unless the same message was seen within the window.
// The key is recorded on the outgoing interfaces too, so a copy coming back
// is suppressed there.
func (e *Engine) relay(in *Interface, pkt *ip6.Packet, key string, list func(*Interface) *recencyList) {
	now := e.now()
	if !list(in).admit(key, now, e.relayWindow()) {
		e.stats.DADRelaySuppressed++
		e.log.Debug("ndp: DAD relay suppressed", "iface", in.Name, "dst", pkt.Dst)
		return
	}
	for _, out := range e.ifaces {
		if out == in || !out.up || !out.cfg.DADRelay {
			continue
		}
		list(out).record(key, now)
		e.scheduleRelay(out, pkt.Clone())
	}
}

func (e *Engine) scheduleRelay(out *Interface, pkt *ip6.Packet) {
	ac := &out.ac
	ac.relaySeq++
	seq := ac.relaySeq
	slot := &timerSlot{}
	ac.relays[seq] = slot
	slot.arm(e.sched, e.cfg.RelayJitter, "dad-relay", func() {
		delete(ac.relays, seq)
		e.handleRelayTimer(out, pkt)
	})
}

// handleRelayTimer transmits a delayed DAD relay.
func (e *Engine) handleRelayTimer(out *Interface, pkt *ip6.Packet) {
	if !out.up {
		return
	}
	e.stats.DADRelayed++
	e.log.Debug("ndp: relaying DAD message", "iface", out.Name, "src", pkt.Src, "dst", pkt.Dst)
	e.Send(out.Index, pkt)
}
