package authority

import (
	"time"

	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/repos/zonetree"
	"github.com/haukened/dnscore/internal/dns/services/auth"
)

// HandleUpdate processes an RFC 2136 dynamic update. All prerequisites
// are validated before anything is applied, and the whole transaction
// applies on a clone of the trie: either every action commits or none
// does. DNSKEY actions signed by a key-management key route to the key
// trie and are reported as actions for secondary bootstrap.
func (e *Engine) HandleUpdate(now time.Time, req *domain.UpdateRequest) (*domain.Message, []auth.Action) {
	reply := func(rcode domain.RCode) *domain.Message {
		return &domain.Message{Header: domain.Header{
			ID:       req.Header.ID,
			Opcode:   domain.OpcodeUpdate,
			Response: true,
			RCode:    rcode,
		}}
	}

	zone := req.Zone
	key, signed := req.KeyName()
	if !signed || !e.auth.Authorise(key, zone, auth.OpUpdate) {
		return reply(domain.RCodeNotAuth), nil
	}
	if _, ok := e.data.SOA(zone); !ok {
		return reply(domain.RCodeNotAuth), nil
	}

	if rcode := e.checkPrereqs(zone, req.Prereqs); rcode != domain.RCodeNoError {
		return reply(rcode), nil
	}

	// Key-management keys maintain the key trie through the same update
	// channel; those actions never touch zone data.
	keyManaged := e.auth.Authorise(key, zone, auth.OpKeyManagement)
	var dataActions []domain.UpdateAction
	var keyActions []domain.UpdateAction
	for _, action := range req.Actions {
		if keyManaged && isDNSKEYAction(action) {
			keyActions = append(keyActions, action)
			continue
		}
		dataActions = append(dataActions, action)
	}

	oldSOA, _ := e.data.SOA(zone)
	txn := e.data.Clone()
	for _, action := range dataActions {
		if rcode := applyAction(txn, zone, action); rcode != domain.RCodeNoError {
			return reply(rcode), nil
		}
	}
	if err := txn.Check(); err != nil {
		e.logger.Warn(map[string]any{
			"zone":  zone.String(),
			"error": err.Error(),
		}, "Update rejected by invariant check")
		return reply(domain.RCodeFormErr), nil
	}

	// Advance the serial when the update did not; secondaries poll it.
	newSOA, zoneSurvives := txn.SOA(zone)
	if zoneSurvives && !domain.SerialNewer(newSOA.Serial, oldSOA.Serial) {
		newSOA.Serial = oldSOA.Serial + 1
		set, _ := txn.Get(zone)
		ttl := set[domain.RRTypeSOA].TTL
		txn.Insert(zone, domain.RRTypeSOA, domain.RRSet{TTL: ttl, Data: domain.SOAData{Record: newSOA}})
	}

	e.data.Replace(txn)

	var actions []auth.Action
	if len(keyActions) > 0 {
		actions = e.auth.HandleUpdate(&domain.UpdateRequest{
			Header:  req.Header,
			Zone:    zone,
			Actions: keyActions,
		})
	}

	if zoneSurvives {
		e.primary.Notify(now, zone, newSOA, e.data, e.auth)
	}
	return reply(domain.RCodeNoError), actions
}

func isDNSKEYAction(action domain.UpdateAction) bool {
	if action.Type == domain.RRTypeDNSKEY {
		return true
	}
	_, ok := action.Set.Data.(domain.DNSKEYData)
	return ok
}

// checkPrereqs validates every prerequisite against the current trie.
// Each prerequisite must name something inside the zone.
func (e *Engine) checkPrereqs(zone domain.Name, prereqs []domain.Prerequisite) domain.RCode {
	for _, p := range prereqs {
		if !p.Name.IsSubdomainOf(zone) {
			return domain.RCodeNotZone
		}
		m, exists := e.data.Get(p.Name)
		switch p.Kind {
		case domain.PrereqNameInUse:
			if !exists || len(m) == 0 {
				return domain.RCodeNXDomain
			}
		case domain.PrereqNotNameInUse:
			if exists && len(m) > 0 {
				return domain.RCodeYXDomain
			}
		case domain.PrereqExists:
			if !exists {
				return domain.RCodeNXRRSet
			}
			if _, ok := m[p.Type]; !ok {
				return domain.RCodeNXRRSet
			}
		case domain.PrereqNotExists:
			if exists {
				if _, ok := m[p.Type]; ok {
					return domain.RCodeYXRRSet
				}
			}
		case domain.PrereqExistsData:
			if !exists {
				return domain.RCodeNXRRSet
			}
			set, ok := m[p.Type]
			if !ok || !domain.EqualRData(set.Data, p.Data) {
				return domain.RCodeNXRRSet
			}
		}
	}
	return domain.RCodeNoError
}

// applyAction applies one update action to the transaction trie. Removals
// must stay inside the zone; adds may reach outside it (delegating
// sub-resolvers depend on that).
func applyAction(txn *zonetree.Tree, zone domain.Name, action domain.UpdateAction) domain.RCode {
	switch action.Kind {
	case domain.UpdateRemove:
		if !action.Name.IsSubdomainOf(zone) {
			return domain.RCodeNotZone
		}
		switch action.Type {
		case domain.RRTypeANY:
			txn.RemoveAll(action.Name)
		case domain.RRTypeSOA:
			txn.RemoveZone(action.Name)
		default:
			txn.Remove(action.Name, action.Type)
		}
	case domain.UpdateRemoveSingle:
		if !action.Name.IsSubdomainOf(zone) {
			return domain.RCodeNotZone
		}
		m, ok := txn.Get(action.Name)
		if !ok {
			return domain.RCodeNoError
		}
		set, ok := m[action.Type]
		if !ok {
			return domain.RCodeNoError
		}
		rest, remains := domain.SubtractRData(set.Data, action.Set.Data)
		if remains {
			txn.Insert(action.Name, action.Type, domain.RRSet{TTL: set.TTL, Data: rest})
		} else {
			txn.Remove(action.Name, action.Type)
		}
	case domain.UpdateAdd:
		txn.Merge(action.Name, action.Type, action.Set)
	}
	return domain.RCodeNoError
}
