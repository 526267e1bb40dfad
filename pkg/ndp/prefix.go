package ndp

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/psaab/ndsim/pkg/icmp6"
)

// ErrLifetimeOrder rejects a prefix whose preferred lifetime exceeds its
// valid lifetime.
var ErrLifetimeOrder = errors.New("ndp: preferred lifetime exceeds valid lifetime")

// PrefixID is a stable handle into a PrefixList.
type PrefixID uint32

// PrefixRecord is a prefix eligible for advertisement or autoconfiguration.
type PrefixRecord struct {
	ID                PrefixID
	Prefix            netip.Prefix
	IfIndex           int
	PrevHop           netip.Addr
	ReceivedCount     int
	Flags             icmp6.PrefixFlags
	PreferredLifetime time.Duration
	ValidLifetime     time.Duration
	AutoLearned       bool
	LastSeen          time.Duration
}

// PreferredUntil is the instant the preferred lifetime runs out.
func (r *PrefixRecord) PreferredUntil() time.Duration {
	if r.PreferredLifetime >= icmp6.InfiniteLifetime {
		return icmp6.InfiniteLifetime
	}
	return r.LastSeen + r.PreferredLifetime
}

// ValidUntil is the instant the valid lifetime runs out.
func (r *PrefixRecord) ValidUntil() time.Duration {
	if r.ValidLifetime >= icmp6.InfiniteLifetime {
		return icmp6.InfiniteLifetime
	}
	return r.LastSeen + r.ValidLifetime
}

// Autonomous reports whether the A flag is set.
func (r *PrefixRecord) Autonomous() bool { return r.Flags&icmp6.PrefixAutonomous != 0 }

// OnLink reports whether the L flag is set.
func (r *PrefixRecord) OnLink() bool { return r.Flags&icmp6.PrefixOnLink != 0 }

// PrefixList is the node's arena of prefix records. Records are addressed
// by PrefixID and iterate in insertion order.
type PrefixList struct {
	next    PrefixID
	records map[PrefixID]*PrefixRecord
	order   []PrefixID
}

func NewPrefixList() *PrefixList {
	return &PrefixList{records: make(map[PrefixID]*PrefixRecord)}
}

func checkLifetimes(preferred, valid time.Duration) error {
	if preferred > valid {
		return fmt.Errorf("%w: preferred %v, valid %v", ErrLifetimeOrder, preferred, valid)
	}
	return nil
}

// Add stores a copy of r under a new ID.
func (l *PrefixList) Add(r PrefixRecord) (PrefixID, error) {
	if err := checkLifetimes(r.PreferredLifetime, r.ValidLifetime); err != nil {
		return 0, err
	}
	l.next++
	r.ID = l.next
	r.Prefix = r.Prefix.Masked()
	l.records[r.ID] = &r
	l.order = append(l.order, r.ID)
	return r.ID, nil
}

// Get returns the record for id.
func (l *PrefixList) Get(id PrefixID) (*PrefixRecord, bool) {
	r, ok := l.records[id]
	return r, ok
}

// Find returns the record for prefix on ifIndex with the given origin.
func (l *PrefixList) Find(ifIndex int, prefix netip.Prefix, autoLearned bool) *PrefixRecord {
	prefix = prefix.Masked()
	for _, id := range l.order {
		r := l.records[id]
		if r.IfIndex == ifIndex && r.Prefix == prefix && r.AutoLearned == autoLearned {
			return r
		}
	}
	return nil
}

// Observe records an advertised prefix. A re-advertisement seen within
// window of the previous one increments ReceivedCount; otherwise the count
// restarts at one.
func (l *PrefixList) Observe(ifIndex int, pi *icmp6.PrefixInfo, prevHop netip.Addr, now, window time.Duration) (*PrefixRecord, bool, error) {
	if err := checkLifetimes(pi.PreferredLifetime, pi.ValidLifetime); err != nil {
		return nil, false, err
	}
	if r := l.Find(ifIndex, pi.Prefix, true); r != nil {
		if now-r.LastSeen <= window {
			r.ReceivedCount++
		} else {
			r.ReceivedCount = 1
		}
		r.Flags = pi.Flags
		r.PreferredLifetime = pi.PreferredLifetime
		r.ValidLifetime = pi.ValidLifetime
		r.PrevHop = prevHop
		r.LastSeen = now
		return r, false, nil
	}
	id, err := l.Add(PrefixRecord{
		Prefix:            pi.Prefix,
		IfIndex:           ifIndex,
		PrevHop:           prevHop,
		ReceivedCount:     1,
		Flags:             pi.Flags,
		PreferredLifetime: pi.PreferredLifetime,
		ValidLifetime:     pi.ValidLifetime,
		AutoLearned:       true,
		LastSeen:          now,
	})
	if err != nil {
		return nil, false, err
	}
	return l.records[id], true, nil
}

// Remove deletes the record for id.
func (l *PrefixList) Remove(id PrefixID) bool {
	if _, ok := l.records[id]; !ok {
		return false
	}
	delete(l.records, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Expire removes learned records older than maxAge or whose preferred
// lifetime has run out. Configured records never expire.
func (l *PrefixList) Expire(now, maxAge time.Duration) int {
	var stale []PrefixID
	for _, id := range l.order {
		r := l.records[id]
		if !r.AutoLearned {
			continue
		}
		if now-r.LastSeen > maxAge || now > r.PreferredUntil() {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		l.Remove(id)
	}
	return len(stale)
}

// Select expires stale records and returns the learned autonomous record
// for ifIndex with the latest preferred expiry whose ReceivedCount reaches
// minCount. The first record found wins ties.
func (l *PrefixList) Select(ifIndex int, now, maxAge time.Duration, minCount int) *PrefixRecord {
	l.Expire(now, maxAge)
	var best *PrefixRecord
	for _, id := range l.order {
		r := l.records[id]
		if r.IfIndex != ifIndex || !r.AutoLearned || !r.Autonomous() || r.ReceivedCount < minCount {
			continue
		}
		if r.Prefix.Bits() != 64 || r.PreferredUntil() <= now {
			continue
		}
		if best == nil || r.PreferredUntil() > best.PreferredUntil() {
			best = r
		}
	}
	return best
}

// ForInterface returns the live records for ifIndex in insertion order.
func (l *PrefixList) ForInterface(ifIndex int) []*PrefixRecord {
	var out []*PrefixRecord
	for _, id := range l.order {
		if r := l.records[id]; r.IfIndex == ifIndex {
			out = append(out, r)
		}
	}
	return out
}

// All returns copies of every record in insertion order.
func (l *PrefixList) All() []PrefixRecord {
	out := make([]PrefixRecord, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.records[id])
	}
	return out
}

// Len returns the number of records.
func (l *PrefixList) Len() int { return len(l.order) }
