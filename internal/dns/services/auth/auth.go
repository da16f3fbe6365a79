// Package auth holds the key store and the zone/operation authorization
// rules. Keys live in their own trie, separate from zone data; a key name
// encodes the operation it grants and the zone it grants it over by
// embedding them as labels.
package auth

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/haukened/dnscore/internal/dns/common/log"
	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/repos/zonetree"
)

// Op is an operation a key can be authorized for.
type Op uint8

// Key operations.
const (
	OpUpdate Op = iota
	OpTransfer
	OpKeyManagement
)

// Operation labels as they appear inside key names.
const (
	labelUpdate        = "_update"
	labelTransfer      = "_transfer"
	labelKeyManagement = "_key-management"
)

// ErrNoOperationLabel means the key name carries no recognized operation
// label.
var ErrNoOperationLabel = errors.New("key name has no operation label")

// String returns the operation label for the Op.
func (o Op) String() string {
	switch o {
	case OpUpdate:
		return labelUpdate
	case OpTransfer:
		return labelTransfer
	default:
		return labelKeyManagement
	}
}

// Peer is a replication peer address parsed from a transfer key name.
type Peer struct {
	Addr netip.Addr
	Port uint16
}

// AddrPort renders the peer as a netip.AddrPort.
func (p Peer) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(p.Addr, p.Port)
}

// KeyInfo is the parsed shape of a key name.
type KeyInfo struct {
	Op   Op
	Zone domain.Name
	// Primary and Secondary are set for transfer keys of the
	// pip[_pport].sip[_sport]._transfer.zone shape.
	Primary   *Peer
	Secondary *Peer
}

// ParseKeyName extracts the operation, the granted zone, and (for
// transfer keys) the replication peers from a key name.
func ParseKeyName(name domain.Name) (KeyInfo, error) {
	labels := name.Labels()
	opIdx := -1
	var op Op
	for i, label := range labels {
		switch label {
		case labelUpdate:
			op = OpUpdate
		case labelTransfer:
			op = OpTransfer
		case labelKeyManagement:
			op = OpKeyManagement
		default:
			continue
		}
		opIdx = i
		break
	}
	if opIdx < 0 {
		return KeyInfo{}, fmt.Errorf("%w: %s", ErrNoOperationLabel, name)
	}
	info := KeyInfo{Op: op, Zone: name.Skip(opIdx + 1)}
	if op == OpTransfer {
		// Two dotted-quad peers occupy eight labels left of the
		// operation label, the last octet optionally carrying _port.
		if opIdx == 8 {
			if p, err := parsePeer(labels[0:4]); err == nil {
				if s, err := parsePeer(labels[4:8]); err == nil {
					info.Primary = &p
					info.Secondary = &s
				}
			}
		}
	}
	return info, nil
}

// parsePeer assembles an IPv4 peer from four octet labels; the last label
// may carry an underscore-separated port.
func parsePeer(labels []string) (Peer, error) {
	port := uint16(53)
	last := labels[3]
	if i := strings.IndexByte(last, '_'); i >= 0 {
		p, err := strconv.ParseUint(last[i+1:], 10, 16)
		if err != nil {
			return Peer{}, fmt.Errorf("invalid port in key label %q: %w", last, err)
		}
		port = uint16(p)
		last = last[:i]
	}
	addr, err := netip.ParseAddr(strings.Join([]string{labels[0], labels[1], labels[2], last}, "."))
	if err != nil || !addr.Is4() {
		return Peer{}, fmt.Errorf("invalid peer address in key name: %v", labels)
	}
	return Peer{Addr: addr, Port: port}, nil
}

// ActionKind identifies a key store mutation, used to bootstrap
// secondary zones.
type ActionKind uint8

// Key store actions.
const (
	AddedKey ActionKind = iota
	RemovedKey
)

// Action is one key store mutation.
type Action struct {
	Kind ActionKind
	Key  domain.Name
}

// Store is the key trie plus authorization logic. Alongside the DNSKEY
// records it holds the TSIG HMAC secrets, keyed by key name, which the
// wire boundary's verifier and signer read.
type Store struct {
	keys    *zonetree.Tree
	secrets map[string]string
	logger  log.Logger
}

// New returns an empty key store.
func New(logger log.Logger) *Store {
	return &Store{keys: zonetree.New(), secrets: make(map[string]string), logger: logger}
}

// SetSecret stores the base64-encoded HMAC secret for a key name.
func (s *Store) SetSecret(name domain.Name, secret string) {
	s.secrets[name.String()] = secret
}

// Secret returns the base64-encoded HMAC secret for a key name. It
// implements the wire boundary's secret source.
func (s *Store) Secret(name domain.Name) (string, bool) {
	secret, ok := s.secrets[name.String()]
	return secret, ok
}

// Keys exposes the underlying trie; key-management queries resolve
// against it instead of the zone data.
func (s *Store) Keys() *zonetree.Tree {
	return s.keys
}

// AddKey stores a DNSKEY under the given key name.
func (s *Store) AddKey(name domain.Name, key domain.DNSKEYRecord, ttl uint32) {
	s.keys.Insert(name, domain.RRTypeDNSKEY, domain.RRSet{
		TTL:  ttl,
		Data: domain.DNSKEYData{Keys: []domain.DNSKEYRecord{key}},
	})
}

// FindKey returns the DNSKEY stored under name. A name holding more than
// one key is ambiguous and yields nothing.
func (s *Store) FindKey(name domain.Name) (domain.DNSKEYRecord, bool) {
	m, ok := s.keys.Get(name)
	if !ok {
		return domain.DNSKEYRecord{}, false
	}
	set, ok := m[domain.RRTypeDNSKEY]
	if !ok {
		return domain.DNSKEYRecord{}, false
	}
	data, ok := set.Data.(domain.DNSKEYData)
	if !ok || len(data.Keys) == 0 {
		return domain.DNSKEYRecord{}, false
	}
	if len(data.Keys) > 1 {
		s.logger.Warn(map[string]any{
			"key":   name.String(),
			"count": len(data.Keys),
		}, "Multiple keys under one name; refusing to pick")
		return domain.DNSKEYRecord{}, false
	}
	return data.Keys[0], true
}

// Authorise reports whether the named key grants op on zone. A key
// authorized for key management on a zone is authorized for every
// operation on that zone and on any sub-zone.
func (s *Store) Authorise(keyName, zone domain.Name, op Op) bool {
	if _, ok := s.FindKey(keyName); !ok {
		return false
	}
	info, err := ParseKeyName(keyName)
	if err != nil {
		return false
	}
	if info.Op == OpKeyManagement && zone.IsSubdomainOf(info.Zone) {
		return true
	}
	return info.Op == op && zone.Equal(info.Zone)
}

// HandleUpdate applies DNSKEY add/remove actions to the key trie and
// reports the resulting mutations so the caller can bootstrap or retire
// secondary zones. Actions touching other record types are ignored.
func (s *Store) HandleUpdate(req *domain.UpdateRequest) []Action {
	var out []Action
	for _, action := range req.Actions {
		switch action.Kind {
		case domain.UpdateAdd:
			data, ok := action.Set.Data.(domain.DNSKEYData)
			if !ok {
				continue
			}
			s.keys.Merge(action.Name, domain.RRTypeDNSKEY, domain.RRSet{TTL: action.Set.TTL, Data: data})
			out = append(out, Action{Kind: AddedKey, Key: action.Name})
		case domain.UpdateRemove:
			if action.Type != domain.RRTypeDNSKEY && action.Type != domain.RRTypeANY {
				continue
			}
			if _, ok := s.keys.Get(action.Name); !ok {
				continue
			}
			s.keys.RemoveAll(action.Name)
			delete(s.secrets, action.Name.String())
			out = append(out, Action{Kind: RemovedKey, Key: action.Name})
		case domain.UpdateRemoveSingle:
			data, ok := action.Set.Data.(domain.DNSKEYData)
			if !ok {
				continue
			}
			m, ok := s.keys.Get(action.Name)
			if !ok {
				continue
			}
			set, ok := m[domain.RRTypeDNSKEY]
			if !ok {
				continue
			}
			rest, remains := domain.SubtractRData(set.Data, data)
			if remains {
				s.keys.Insert(action.Name, domain.RRTypeDNSKEY, domain.RRSet{TTL: set.TTL, Data: rest})
				continue
			}
			s.keys.Remove(action.Name, domain.RRTypeDNSKEY)
			delete(s.secrets, action.Name.String())
			out = append(out, Action{Kind: RemovedKey, Key: action.Name})
		}
	}
	return out
}

// Primaries returns the primary peers of zone parsed from its transfer
// key names.
func (s *Store) Primaries(zone domain.Name) []Peer {
	return s.peers(zone, func(info KeyInfo) *Peer { return info.Primary })
}

// Secondaries returns the secondary peers of zone parsed from its
// transfer key names.
func (s *Store) Secondaries(zone domain.Name) []Peer {
	return s.peers(zone, func(info KeyInfo) *Peer { return info.Secondary })
}

func (s *Store) peers(zone domain.Name, pick func(KeyInfo) *Peer) []Peer {
	var out []Peer
	s.keys.Walk(func(name domain.Name, _ domain.RRMap) bool {
		info, err := ParseKeyName(name)
		if err != nil || info.Op != OpTransfer || !info.Zone.Equal(zone) {
			return true
		}
		if p := pick(info); p != nil {
			out = append(out, *p)
		}
		return true
	})
	return out
}

// TransferKeyFor returns the name of a transfer key granting zone, if one
// exists in the store.
func (s *Store) TransferKeyFor(zone domain.Name) (domain.Name, bool) {
	var found domain.Name
	ok := false
	s.keys.Walk(func(name domain.Name, _ domain.RRMap) bool {
		info, err := ParseKeyName(name)
		if err != nil || info.Op != OpTransfer || !info.Zone.Equal(zone) {
			return true
		}
		found = name
		ok = true
		return false
	})
	return found, ok
}
