// Package secondary implements the secondary side of zone replication:
// the per-zone SOA/AXFR schedule and transfer application. Like the
// primary state it is a pure machine: Timer and the Handle entry points
// consume now and return the packets to emit.
package secondary

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/haukened/dnscore/internal/dns/common/clock"
	"github.com/haukened/dnscore/internal/dns/common/log"
	"github.com/haukened/dnscore/internal/dns/common/rng"
	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/repos/zonetree"
)

// bootstrapRetry is the SOA re-request interval used before the zone has
// ever transferred (no SOA to take timers from), and the AXFR re-request
// interval.
const bootstrapRetry = 5 * time.Second

var (
	// ErrUnknownZone means no secondary state exists for the zone.
	ErrUnknownZone = errors.New("zone not configured for transfer")
	// ErrUnexpectedAnswer means the answer does not match the outstanding
	// request (wrong phase, id, or missing TSIG).
	ErrUnexpectedAnswer = errors.New("answer does not match outstanding request")
	// ErrStaleSerial means the transferred SOA is not newer than the
	// local zone.
	ErrStaleSerial = errors.New("transferred serial not newer than local zone")
)

// Envelope is one packet to emit. TCP marks transfers that must not go
// over UDP; Key names the TSIG key the external signer must apply.
type Envelope struct {
	Peer netip.AddrPort
	Msg  *domain.Message
	TCP  bool
	Key  domain.Name
}

// SnapshotSink persists a successfully transferred zone so a restarted
// secondary can serve stale data until the next refresh.
type SnapshotSink interface {
	SaveZone(zone domain.Name, soa domain.SOA, entries []zonetree.Entry) error
}

type phase uint8

const (
	phaseTransferred phase = iota
	phaseRequestedSOA
	phaseRequestedAXFR
)

// zoneState is the replication state of one zone.
type zoneState struct {
	zone  domain.Name
	peer  netip.AddrPort
	key   domain.Name
	phase phase
	ts    time.Time // phase entry time; zero at bootstrap so the first poll is immediately due
	sent  time.Time // last send time, for the constant bootstrap resend interval
	id    uint16    // outstanding query id
	retry uint32
}

// State is the secondary replication state machine.
type State struct {
	zones   map[string]*zoneState
	lastNow time.Time
	rng     rng.Source
	logger  log.Logger
	sink    SnapshotSink
}

// New returns an empty secondary state. sink may be nil.
func New(source rng.Source, logger log.Logger, sink SnapshotSink) *State {
	return &State{zones: make(map[string]*zoneState), rng: source, logger: logger, sink: sink}
}

// AddZone starts replication of zone from the given primary peer, signed
// with the given transfer key. The initial state is an immediately due
// SOA request.
func (s *State) AddZone(zone domain.Name, peer netip.AddrPort, key domain.Name) {
	s.zones[zone.String()] = &zoneState{
		zone:  zone,
		peer:  peer,
		key:   key,
		phase: phaseRequestedSOA,
	}
}

// RemoveZone stops replication of zone.
func (s *State) RemoveZone(zone domain.Name) {
	delete(s.zones, zone.String())
}

// Zones returns the zones under replication.
func (s *State) Zones() []domain.Name {
	out := make([]domain.Name, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, z.zone)
	}
	return out
}

// Timer advances every zone's schedule against the tree and returns the
// queries due now. A non-monotonic now is clamped.
func (s *State) Timer(now time.Time, tree *zonetree.Tree) []Envelope {
	now = clock.Monotone(now, s.lastNow)
	s.lastNow = now

	var out []Envelope
	for _, z := range s.zones {
		soa, haveSOA := tree.SOA(z.zone)
		switch z.phase {
		case phaseTransferred:
			if haveSOA && !now.Before(z.ts.Add(time.Duration(soa.Refresh)*time.Second)) {
				out = append(out, s.sendSOAQuery(z, now, 1))
			}
		case phaseRequestedSOA:
			if haveSOA && !z.ts.IsZero() && !now.Before(z.ts.Add(time.Duration(soa.Expire)*time.Second)) {
				s.logger.Warn(map[string]any{
					"zone": z.zone.String(),
				}, "Zone expired without contact from primary; dropping")
				tree.RemoveZone(z.zone)
				z.retry = 0
				z.ts = now
				continue
			}
			due := false
			if haveSOA {
				due = !now.Before(z.ts.Add(time.Duration(z.retry) * time.Duration(soa.Retry) * time.Second))
			} else {
				// No SOA yet means no zone timers to escalate with; the
				// poll repeats a constant 5s after the previous send.
				due = z.retry == 0 || !now.Before(z.sent.Add(bootstrapRetry))
			}
			if due {
				out = append(out, s.sendSOAQuery(z, now, z.retry+1))
			}
		case phaseRequestedAXFR:
			if !now.Before(z.ts.Add(bootstrapRetry)) {
				out = append(out, s.sendAXFRQuery(z, now))
			}
		}
	}
	return out
}

// sendSOAQuery emits an SOA poll for the zone and moves it into the
// RequestedSOA phase. The phase entry time is preserved across resends so
// retry and expiry measure from the first poll.
func (s *State) sendSOAQuery(z *zoneState, now time.Time, retry uint32) Envelope {
	z.id = s.rng.ID()
	if z.phase != phaseRequestedSOA || retry <= 1 {
		z.ts = now
	}
	z.phase = phaseRequestedSOA
	z.sent = now
	z.retry = retry
	return Envelope{
		Peer: z.peer,
		Key:  z.key,
		Msg: &domain.Message{
			Header:   domain.Header{ID: z.id, Opcode: domain.OpcodeQuery},
			Question: &domain.Question{Name: z.zone, Type: domain.RRTypeSOA, Class: domain.RRClassIN},
		},
	}
}

// sendAXFRQuery emits a transfer request and moves the zone into the
// RequestedAXFR phase.
func (s *State) sendAXFRQuery(z *zoneState, now time.Time) Envelope {
	z.id = s.rng.ID()
	z.ts = now
	z.sent = now
	z.phase = phaseRequestedAXFR
	z.retry = 0
	return Envelope{
		Peer: z.peer,
		TCP:  true,
		Key:  z.key,
		Msg: &domain.Message{
			Header:   domain.Header{ID: z.id, Opcode: domain.OpcodeQuery},
			Question: &domain.Question{Name: z.zone, Type: domain.RRTypeAXFR, Class: domain.RRClassIN},
		},
	}
}

// authorized checks that the answer matches the outstanding request id
// and carries a verified TSIG from the configured key.
func (z *zoneState) authorized(msg *domain.Message) bool {
	return msg.Header.ID == z.id && msg.SignedBy(z.key)
}

// HandleNotify processes a NOTIFY from the wire. Only the configured
// primary peer is believed; anyone else is ignored. An accepted NOTIFY
// triggers an immediate SOA poll.
func (s *State) HandleNotify(now time.Time, msg *domain.Message, src netip.Addr) []Envelope {
	if msg.Question == nil {
		return nil
	}
	z, ok := s.zones[msg.Question.Name.String()]
	if !ok {
		return nil
	}
	if z.peer.Addr() != src {
		s.logger.Warn(map[string]any{
			"zone": z.zone.String(),
			"src":  src.String(),
		}, "NOTIFY from unconfigured peer; ignoring")
		return nil
	}
	now = clock.Monotone(now, s.lastNow)
	s.lastNow = now
	return []Envelope{s.sendSOAQuery(z, now, 1)}
}

// HandleSOA processes an SOA answer while in RequestedSOA. A newer peer
// serial (RFC 1982 comparison) triggers a transfer; otherwise the zone is
// considered current until the next refresh.
func (s *State) HandleSOA(now time.Time, msg *domain.Message, tree *zonetree.Tree) ([]Envelope, error) {
	if msg.Question == nil {
		return nil, ErrUnexpectedAnswer
	}
	z, ok := s.zones[msg.Question.Name.String()]
	if !ok {
		return nil, ErrUnknownZone
	}
	if z.phase != phaseRequestedSOA || !z.authorized(msg) {
		return nil, ErrUnexpectedAnswer
	}
	peerSOA, ok := findSOAAnswer(msg, z.zone)
	if !ok {
		return nil, fmt.Errorf("SOA answer for %s carries no SOA record", z.zone)
	}
	now = clock.Monotone(now, s.lastNow)
	s.lastNow = now

	local, haveLocal := tree.SOA(z.zone)
	if !haveLocal || domain.SerialNewer(peerSOA.Serial, local.Serial) {
		return []Envelope{s.sendAXFRQuery(z, now)}, nil
	}
	z.phase = phaseTransferred
	z.ts = now
	z.retry = 0
	return nil, nil
}

// HandleAXFR applies a transfer received while in RequestedAXFR. The
// transferred SOA must be newer than the local zone (or the local zone
// absent). Entries outside the zone are filtered out. The invariant check
// runs after the replace; a failure is logged but the transfer still
// commits.
func (s *State) HandleAXFR(now time.Time, msg *domain.Message, tree *zonetree.Tree) error {
	if msg.Question == nil {
		return ErrUnexpectedAnswer
	}
	z, ok := s.zones[msg.Question.Name.String()]
	if !ok {
		return ErrUnknownZone
	}
	if z.phase != phaseRequestedAXFR || !z.authorized(msg) {
		return ErrUnexpectedAnswer
	}
	peerSOA, ok := findSOAAnswer(msg, z.zone)
	if !ok {
		return fmt.Errorf("transfer for %s carries no SOA record", z.zone)
	}
	if local, haveLocal := tree.SOA(z.zone); haveLocal && !domain.SerialNewer(peerSOA.Serial, local.Serial) {
		return ErrStaleSerial
	}

	tree.RemoveZone(z.zone)
	tree.Insert(z.zone, domain.RRTypeSOA, domain.RRSet{TTL: soaTTL(msg, z.zone), Data: domain.SOAData{Record: peerSOA}})
	for _, rec := range msg.Answers {
		if rec.Set.Data == nil || !rec.Name.IsSubdomainOf(z.zone) {
			continue
		}
		t := rec.Set.Data.RRType()
		if t == domain.RRTypeSOA {
			continue
		}
		tree.Merge(rec.Name, t, rec.Set)
	}
	if err := tree.Check(); err != nil {
		s.logger.Warn(map[string]any{
			"zone":  z.zone.String(),
			"error": err.Error(),
		}, "Transferred zone fails invariant check; committing anyway")
	}

	now = clock.Monotone(now, s.lastNow)
	s.lastNow = now
	z.phase = phaseTransferred
	z.ts = now
	z.retry = 0

	if s.sink != nil {
		if _, entries, err := tree.Entries(z.zone); err == nil {
			if err := s.sink.SaveZone(z.zone, peerSOA, entries); err != nil {
				s.logger.Warn(map[string]any{
					"zone":  z.zone.String(),
					"error": err.Error(),
				}, "Failed to snapshot transferred zone")
			}
		}
	}
	return nil
}

// findSOAAnswer returns the SOA record for zone from the answer section.
func findSOAAnswer(msg *domain.Message, zone domain.Name) (domain.SOA, bool) {
	for _, rec := range msg.Answers {
		if rec.Set.Data == nil || !rec.Name.Equal(zone) {
			continue
		}
		if data, ok := rec.Set.Data.(domain.SOAData); ok {
			return data.Record, true
		}
	}
	return domain.SOA{}, false
}

func soaTTL(msg *domain.Message, zone domain.Name) uint32 {
	for _, rec := range msg.Answers {
		if rec.Name.Equal(zone) && rec.Set.Data != nil && rec.Set.Data.RRType() == domain.RRTypeSOA {
			return rec.Set.TTL
		}
	}
	return 0
}
