// Package authority implements the per-message state machine of the
// authoritative server: queries, dynamic updates, zone transfers and
// NOTIFY against the zone trie, with key-based authorization.
package authority

import (
	"errors"
	"net/netip"
	"time"

	"github.com/haukened/dnscore/internal/dns/common/log"
	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/repos/zonetree"
	"github.com/haukened/dnscore/internal/dns/services/auth"
	"github.com/haukened/dnscore/internal/dns/services/primary"
)

// queryTypes is the set of record types answerable over the wire; anything
// else is refused.
var queryTypes = map[domain.RRType]struct{}{
	domain.RRTypeA:      {},
	domain.RRTypeNS:     {},
	domain.RRTypeCNAME:  {},
	domain.RRTypeSOA:    {},
	domain.RRTypePTR:    {},
	domain.RRTypeMX:     {},
	domain.RRTypeTXT:    {},
	domain.RRTypeAAAA:   {},
	domain.RRTypeSRV:    {},
	domain.RRTypeANY:    {},
	domain.RRTypeCAA:    {},
	domain.RRTypeSSHFP:  {},
	domain.RRTypeTLSA:   {},
	domain.RRTypeDNSKEY: {},
	domain.RRTypeAXFR:   {},
}

// maxInZoneChase bounds CNAME following inside the trie when composing an
// answer.
const maxInZoneChase = 16

// Source describes where a message came from.
type Source struct {
	Peer netip.AddrPort
	TCP  bool
}

// Engine processes decoded messages against the zone trie.
type Engine struct {
	data    *zonetree.Tree
	auth    *auth.Store
	primary *primary.State
	logger  log.Logger
}

// New builds an authority engine over the given trie, key store and
// primary replication state.
func New(data *zonetree.Tree, keys *auth.Store, pri *primary.State, logger log.Logger) *Engine {
	return &Engine{data: data, auth: keys, primary: pri, logger: logger}
}

// Data returns the zone trie the engine serves.
func (e *Engine) Data() *zonetree.Tree {
	return e.data
}

// Handle processes a query or NOTIFY message and returns the reply, or
// nil when no reply is owed (e.g. a NOTIFY response clearing a pending
// notification).
func (e *Engine) Handle(now time.Time, msg *domain.Message, src Source) *domain.Message {
	if msg.EDNS != nil && msg.EDNS.Version != 0 {
		return msg.Response(domain.RCodeBadVers)
	}
	switch msg.Header.Opcode {
	case domain.OpcodeQuery:
		if msg.Header.Response {
			return nil
		}
		return e.handleQuery(msg, src)
	case domain.OpcodeNotify:
		return e.handleNotify(msg, src)
	default:
		return msg.Response(domain.RCodeNotImp)
	}
}

func (e *Engine) handleQuery(msg *domain.Message, src Source) *domain.Message {
	q := msg.Question
	if q == nil {
		return msg.Response(domain.RCodeFormErr)
	}
	if _, ok := queryTypes[q.Type]; !ok {
		return msg.Response(domain.RCodeRefused)
	}
	if q.Type == domain.RRTypeAXFR {
		return e.handleAXFR(msg, src)
	}

	// Key-management keys see the key trie instead of zone data.
	if key, ok := msg.KeyName(); ok && e.auth.Authorise(key, q.Name, auth.OpKeyManagement) {
		return e.answerFromKeys(msg)
	}

	if q.Type == domain.RRTypeANY {
		return e.answerAny(msg, e.data)
	}
	return e.answer(msg, e.data)
}

// answer composes the response for a single-type query per the trie's
// lookup taxonomy.
func (e *Engine) answer(msg *domain.Message, tree *zonetree.Tree) *domain.Message {
	q := msg.Question
	set, authy, err := tree.Lookup(q.Name, q.Type)
	if err != nil {
		return e.answerFailure(msg, tree, err)
	}
	resp := msg.Response(domain.RCodeNoError)
	resp.Header.Authoritative = true
	resp.Answers = []domain.Record{{Name: q.Name, Set: set}}
	e.attachAuthority(resp, authy, q)
	e.attachGlue(resp, tree, authy.Apex)
	return resp
}

func (e *Engine) answerAny(msg *domain.Message, tree *zonetree.Tree) *domain.Message {
	q := msg.Question
	m, authy, err := tree.LookupAny(q.Name)
	if err != nil {
		return e.answerFailure(msg, tree, err)
	}
	resp := msg.Response(domain.RCodeNoError)
	resp.Header.Authoritative = true
	for _, set := range m {
		resp.Answers = append(resp.Answers, domain.Record{Name: q.Name, Set: set})
	}
	e.attachAuthority(resp, authy, q)
	e.attachGlue(resp, tree, authy.Apex)
	return resp
}

// answerFromKeys serves a key-management query from the key trie. The
// key trie has no zone apexes, so the lookup is a plain node read with no
// authority section.
func (e *Engine) answerFromKeys(msg *domain.Message) *domain.Message {
	q := msg.Question
	m, ok := e.auth.Keys().Get(q.Name)
	if !ok {
		return msg.Response(domain.RCodeNXDomain)
	}
	resp := msg.Response(domain.RCodeNoError)
	resp.Header.Authoritative = true
	if q.Type == domain.RRTypeANY {
		for _, set := range m {
			resp.Answers = append(resp.Answers, domain.Record{Name: q.Name, Set: set})
		}
		return resp
	}
	if set, ok := m[q.Type]; ok {
		resp.Answers = []domain.Record{{Name: q.Name, Set: set}}
	}
	return resp
}

// answerFailure maps the trie failure taxonomy onto wire responses.
func (e *Engine) answerFailure(msg *domain.Message, tree *zonetree.Tree, err error) *domain.Message {
	q := msg.Question
	var deleg *zonetree.DelegationError
	var ent *zonetree.EmptyNonTerminalError
	var nf *zonetree.NotFoundError
	switch {
	case errors.As(err, &deleg):
		// Referral: not authoritative, NS of the cut in authority, glue in
		// additional.
		resp := msg.Response(domain.RCodeNoError)
		resp.Authority = []domain.Record{{Name: deleg.Apex, Set: deleg.NS}}
		e.attachGlue(resp, tree, deleg.Apex)
		return resp
	case errors.As(err, &ent):
		// The name may hold an alias for another type.
		if chain, ok := e.chaseCNAME(tree, q.Name, q.Type); ok {
			resp := msg.Response(domain.RCodeNoError)
			resp.Header.Authoritative = true
			resp.Answers = chain
			return resp
		}
		resp := msg.Response(domain.RCodeNoError)
		resp.Header.Authoritative = true
		resp.Authority = soaAuthority(ent.Apex, ent.SOA)
		return resp
	case errors.As(err, &nf):
		resp := msg.Response(domain.RCodeNXDomain)
		resp.Header.Authoritative = true
		resp.Authority = soaAuthority(nf.Apex, nf.SOA)
		return resp
	default: // zonetree.ErrNotAuthoritative
		return msg.Response(domain.RCodeRefused)
	}
}

// chaseCNAME follows an alias chain inside the trie, collecting the
// CNAMEs and the terminal RRset of the requested type when it stays in
// authoritative data.
func (e *Engine) chaseCNAME(tree *zonetree.Tree, name domain.Name, rrtype domain.RRType) ([]domain.Record, bool) {
	if rrtype == domain.RRTypeCNAME {
		return nil, false
	}
	var chain []domain.Record
	current := name
	for hops := 0; hops < maxInZoneChase; hops++ {
		m, ok := tree.Get(current)
		if !ok {
			break
		}
		cnameSet, ok := m[domain.RRTypeCNAME]
		if !ok {
			if set, ok := m[rrtype]; ok {
				chain = append(chain, domain.Record{Name: current, Set: set})
			}
			break
		}
		chain = append(chain, domain.Record{Name: current, Set: cnameSet})
		current = cnameSet.Data.(domain.CNAMEData).Target
	}
	return chain, len(chain) > 0
}

// attachAuthority adds the enclosing zone's NS set unless the answer is
// that NS set itself.
func (e *Engine) attachAuthority(resp *domain.Message, authy zonetree.Authority, q *domain.Question) {
	if !authy.HasNS {
		return
	}
	if q.Type == domain.RRTypeNS && q.Name.Equal(authy.Apex) {
		return
	}
	resp.Authority = []domain.Record{{Name: authy.Apex, Set: authy.NS}}
}

// attachGlue populates the additional section with A/AAAA records for
// in-bailiwick names referenced by the answer and authority sections.
func (e *Engine) attachGlue(resp *domain.Message, tree *zonetree.Tree, bailiwick domain.Name) {
	var targets []domain.Name
	collect := func(recs []domain.Record) {
		for _, rec := range recs {
			switch data := rec.Set.Data.(type) {
			case domain.NSData:
				targets = append(targets, data.Names...)
			case domain.MXData:
				for _, mx := range data.Exchanges {
					targets = append(targets, mx.Host)
				}
			case domain.SRVData:
				for _, srv := range data.Services {
					targets = append(targets, srv.Target)
				}
			}
		}
	}
	collect(resp.Answers)
	collect(resp.Authority)

	seen := map[string]struct{}{}
	for _, rec := range resp.Answers {
		seen[rec.Name.String()] = struct{}{}
	}
	for _, target := range targets {
		if _, dup := seen[target.String()]; dup {
			continue
		}
		seen[target.String()] = struct{}{}
		if !target.IsSubdomainOf(bailiwick) {
			continue
		}
		m, ok := tree.Get(target)
		if !ok {
			continue
		}
		for _, t := range []domain.RRType{domain.RRTypeA, domain.RRTypeAAAA} {
			if set, ok := m[t]; ok {
				resp.Additional = append(resp.Additional, domain.Record{Name: target, Set: set})
			}
		}
	}
}

func soaAuthority(apex domain.Name, soa domain.SOA) []domain.Record {
	return []domain.Record{{
		Name: apex,
		Set:  domain.RRSet{TTL: soa.Minimum, Data: domain.SOAData{Record: soa}},
	}}
}

// handleNotify answers an incoming NOTIFY with an empty authoritative
// reply; a NOTIFY response instead clears the matching pending
// notification and owes nothing.
func (e *Engine) handleNotify(msg *domain.Message, src Source) *domain.Message {
	if msg.Header.Response {
		e.primary.HandleResponse(src.Peer.Addr(), msg)
		return nil
	}
	resp := msg.Response(domain.RCodeNoError)
	resp.Header.Opcode = domain.OpcodeNotify
	resp.Header.Authoritative = true
	return resp
}
