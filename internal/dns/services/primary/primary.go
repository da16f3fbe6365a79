// Package primary implements the primary side of zone replication:
// NOTIFY fan-out with retransmission, and the TCP SOA subscriber list.
// The state is a pure machine: Timer consumes now and emits the packets
// to send; network delivery is the caller's concern.
package primary

import (
	"net/netip"
	"time"

	"github.com/haukened/dnscore/internal/dns/common/clock"
	"github.com/haukened/dnscore/internal/dns/common/log"
	"github.com/haukened/dnscore/internal/dns/common/rng"
	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/repos/zonetree"
	"github.com/haukened/dnscore/internal/dns/services/auth"
)

// retransmitDelays are the gaps between NOTIFY attempts, each measured
// from the previous send. After the last gap passes unanswered the entry
// is dropped.
var retransmitDelays = []time.Duration{
	5 * time.Second,
	12 * time.Second,
	25 * time.Second,
	40 * time.Second,
	60 * time.Second,
}

// Subscriber is a TCP SOA subscriber recorded from a signed AXFR.
type Subscriber struct {
	Zone domain.Name
	Peer netip.AddrPort
}

// Envelope is one packet to emit, addressed to its peer.
type Envelope struct {
	Peer netip.AddrPort
	Msg  *domain.Message
}

// pending is one outstanding notification awaiting acknowledgement.
type pending struct {
	enqueued time.Time
	lastSent time.Time
	sends    int
	peer     netip.AddrPort
	key      domain.Name // non-empty: responses must be signed by this key
	hasKey   bool
	msg      *domain.Message
}

// State is the primary replication state machine.
type State struct {
	subs    []Subscriber
	pending []*pending
	lastNow time.Time
	rng     rng.Source
	logger  log.Logger
}

// New returns an empty primary state.
func New(source rng.Source, logger log.Logger) *State {
	return &State{rng: source, logger: logger}
}

// Subscribe records a TCP SOA subscriber for the zone. Duplicate
// subscriptions collapse.
func (s *State) Subscribe(zone domain.Name, peer netip.AddrPort) {
	for _, sub := range s.subs {
		if sub.Zone.Equal(zone) && sub.Peer == peer {
			return
		}
	}
	s.subs = append(s.subs, Subscriber{Zone: zone, Peer: peer})
}

// Subscribers returns the current subscriber list.
func (s *State) Subscribers() []Subscriber {
	return s.subs
}

// Notify enqueues pending notifications for every replication peer of
// zone: the addresses of its NS records (except the primary's own name
// server), the secondary peers named by transfer keys, and the current
// TCP subscribers. Packets go out on the next Timer tick.
func (s *State) Notify(now time.Time, zone domain.Name, soa domain.SOA, data *zonetree.Tree, keys *auth.Store) {
	type dest struct {
		peer   netip.AddrPort
		key    domain.Name
		hasKey bool
	}
	var dests []dest
	seen := map[netip.AddrPort]struct{}{}
	add := func(d dest) {
		if _, dup := seen[d.peer]; dup {
			return
		}
		seen[d.peer] = struct{}{}
		dests = append(dests, d)
	}

	if m, ok := data.Get(zone); ok {
		if set, ok := m.NS(); ok {
			if ns, ok := set.Data.(domain.NSData); ok {
				for _, server := range ns.Names {
					if server.Equal(soa.MName) {
						continue
					}
					if am, ok := data.Get(server); ok {
						if aset, ok := am[domain.RRTypeA]; ok {
							if a, ok := aset.Data.(domain.AData); ok {
								for _, addr := range a.Addrs {
									add(dest{peer: netip.AddrPortFrom(addr, 53)})
								}
							}
						}
					}
				}
			}
		}
	}

	key, hasKey := keys.TransferKeyFor(zone)
	for _, peer := range keys.Secondaries(zone) {
		add(dest{peer: peer.AddrPort(), key: key, hasKey: hasKey})
	}

	for _, sub := range s.subs {
		if sub.Zone.Equal(zone) {
			add(dest{peer: sub.Peer})
		}
	}

	for _, d := range dests {
		s.pending = append(s.pending, &pending{
			enqueued: now,
			peer:     d.peer,
			key:      d.key,
			hasKey:   d.hasKey,
			msg: &domain.Message{
				Header: domain.Header{
					ID:            s.rng.ID(),
					Opcode:        domain.OpcodeNotify,
					Authoritative: true,
				},
				Question: &domain.Question{Name: zone, Type: domain.RRTypeSOA, Class: domain.RRClassIN},
				Answers: []domain.Record{{
					Name: zone,
					Set:  domain.RRSet{TTL: 0, Data: domain.SOAData{Record: soa}},
				}},
			},
		})
	}
}

// Pending returns the number of outstanding notifications.
func (s *State) Pending() int {
	return len(s.pending)
}

// Timer advances the retransmission schedule and returns the packets due
// now. A non-monotonic now is clamped to the last observed tick.
func (s *State) Timer(now time.Time) []Envelope {
	now = clock.Monotone(now, s.lastNow)
	s.lastNow = now

	var out []Envelope
	kept := s.pending[:0]
	for _, p := range s.pending {
		switch {
		case p.sends == 0:
			out = append(out, Envelope{Peer: p.peer, Msg: p.msg})
			p.sends = 1
			p.lastSent = now
			kept = append(kept, p)
		case p.sends <= len(retransmitDelays) && !now.Before(p.lastSent.Add(retransmitDelays[p.sends-1])):
			out = append(out, Envelope{Peer: p.peer, Msg: p.msg})
			p.sends++
			p.lastSent = now
			kept = append(kept, p)
		case p.sends > len(retransmitDelays) && !now.Before(p.lastSent.Add(retransmitDelays[len(retransmitDelays)-1])):
			s.logger.Warn(map[string]any{
				"peer": p.peer.String(),
				"id":   p.msg.Header.ID,
			}, "NOTIFY unacknowledged after final retransmit; dropping")
		default:
			kept = append(kept, p)
		}
	}
	s.pending = kept
	return out
}

// HandleResponse clears pending notifications matching the responding
// peer address and query id. When the pending entry was sent to a
// transfer-key secondary, the response must carry that key's TSIG;
// unsigned matches from such peers are ignored.
func (s *State) HandleResponse(src netip.Addr, msg *domain.Message) bool {
	cleared := false
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.peer.Addr() == src && p.msg.Header.ID == msg.Header.ID {
			if !p.hasKey || msg.SignedBy(p.key) {
				cleared = true
				continue
			}
			s.logger.Warn(map[string]any{
				"peer": p.peer.String(),
				"id":   msg.Header.ID,
			}, "NOTIFY response without required TSIG; ignoring")
		}
		kept = append(kept, p)
	}
	s.pending = kept
	return cleared
}
