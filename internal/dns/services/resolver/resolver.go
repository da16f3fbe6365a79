// Package resolver implements the cache-driven resolution engine. Given a
// question it either assembles a reply from the cache or names the next
// outbound query the caller must emit; answers come back through the
// scrubber into the cache before the engine is driven again.
package resolver

import (
	"errors"
	"net/netip"
	"time"

	"github.com/haukened/dnscore/internal/dns/common/log"
	"github.com/haukened/dnscore/internal/dns/common/rng"
	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/repos/cache"
)

var (
	// ErrNoRootServers means the walk climbed to the root without finding
	// usable NS data. Root hints must be primed into the cache; their
	// absence is a configuration fault.
	ErrNoRootServers = errors.New("no root server addresses in cache")
	// ErrNotServiceName rejects SRV queries whose owner does not have the
	// _service._proto shape.
	ErrNotServiceName = errors.New("SRV query without _service._proto labels")
	// ErrDepthExceeded bounds NS-address recursion.
	ErrDepthExceeded = errors.New("resolution recursion too deep")
)

// maxNeedADepth bounds how many times the engine may divert to resolve a
// name server address before answering the original question.
const maxNeedADepth = 8

// Reply is a finished response assembled from the cache.
type Reply struct {
	RCode     domain.RCode
	Answers   []domain.Record
	Authority []domain.Record
}

// Outbound is a query the caller must emit before re-driving the engine.
type Outbound struct {
	Zone domain.Name
	Name domain.Name
	Type domain.RRType
	Peer netip.Addr
}

// Outcome is either a Reply or an Outbound query; exactly one is set.
type Outcome struct {
	Reply *Reply
	Query *Outbound
}

// Engine drives iterative resolution against the cache.
type Engine struct {
	cache  *cache.Cache
	rng    rng.Source
	logger log.Logger
}

// New constructs a resolution engine. The rng supplies the uniform name
// server picks; the engine carries no hidden randomness.
func New(c *cache.Cache, source rng.Source, logger log.Logger) *Engine {
	return &Engine{cache: c, rng: source, logger: logger}
}

// Resolve answers the question from the cache or returns the next
// outbound query.
func (e *Engine) Resolve(now time.Time, q domain.Question) (Outcome, error) {
	q, err := rewriteService(q)
	if err != nil {
		return Outcome{}, err
	}
	return e.answer(now, q, 0)
}

// rewriteService applies the service-name resolution shortcut: an SRV
// query for _service._proto.owner resolves NS at owner instead. SRV
// queries without that shape are rejected.
func rewriteService(q domain.Question) (domain.Question, error) {
	if q.Type != domain.RRTypeSRV {
		return q, nil
	}
	labels := q.Name.Labels()
	if len(labels) < 3 || labels[0] == "" || labels[1] == "" ||
		labels[0][0] != '_' || labels[1][0] != '_' {
		return domain.Question{}, ErrNotServiceName
	}
	return domain.Question{Name: q.Name.Skip(2), Type: domain.RRTypeNS, Class: q.Class}, nil
}

func (e *Engine) answer(now time.Time, q domain.Question, depth int) (Outcome, error) {
	resp, err := e.cache.Query(now, q.Type, q.Name)
	if err != nil {
		// Miss and Drop both mean the cache cannot answer.
		return e.outOfCache(now, q, depth)
	}
	switch resp.Kind {
	case cache.KindEntry:
		return replyOutcome(domain.RCodeNoError,
			[]domain.Record{{Name: q.Name, Set: resp.Set}}, nil), nil
	case cache.KindEntries:
		answers := make([]domain.Record, 0, len(resp.Map))
		for _, set := range resp.Map {
			answers = append(answers, domain.Record{Name: q.Name, Set: set})
		}
		return replyOutcome(domain.RCodeNoError, answers, nil), nil
	case cache.KindNoData:
		return replyOutcome(domain.RCodeNoError, nil, soaAuthority(resp)), nil
	case cache.KindNoDomain:
		return replyOutcome(domain.RCodeNXDomain, nil, soaAuthority(resp)), nil
	case cache.KindServFail:
		return replyOutcome(domain.RCodeServFail, nil, nil), nil
	default: // KindAlias
		return e.followCNAME(now, q, resp, depth)
	}
}

// followCNAME chases the alias chain through the cache, accumulating each
// CNAME into the answer section. Visited names are tracked so a cyclic
// chain terminates with the collected CNAMEs and empty authority.
func (e *Engine) followCNAME(now time.Time, q domain.Question, first cache.Response, depth int) (Outcome, error) {
	answers := []domain.Record{{Name: q.Name, Set: first.Set}}
	visited := map[string]struct{}{q.Name.String(): {}}
	current := first.Target
	for {
		if _, seen := visited[current.String()]; seen {
			e.logger.Warn(map[string]any{
				"name":  q.Name.String(),
				"cycle": current.String(),
			}, "CNAME cycle in cache")
			return replyOutcome(domain.RCodeNoError, answers, nil), nil
		}
		visited[current.String()] = struct{}{}

		resp, err := e.cache.Query(now, q.Type, current)
		if err != nil {
			out, err := e.outOfCache(now, domain.Question{Name: current, Type: q.Type, Class: q.Class}, depth)
			if err != nil {
				return Outcome{}, err
			}
			if out.Reply != nil {
				out.Reply.Answers = append(answers, out.Reply.Answers...)
			}
			return out, nil
		}
		switch resp.Kind {
		case cache.KindAlias:
			answers = append(answers, domain.Record{Name: current, Set: resp.Set})
			current = resp.Target
		case cache.KindEntry:
			answers = append(answers, domain.Record{Name: current, Set: resp.Set})
			return replyOutcome(domain.RCodeNoError, answers, nil), nil
		case cache.KindEntries:
			for _, set := range resp.Map {
				answers = append(answers, domain.Record{Name: current, Set: set})
			}
			return replyOutcome(domain.RCodeNoError, answers, nil), nil
		case cache.KindNoData:
			return replyOutcome(domain.RCodeNoError, answers, soaAuthority(resp)), nil
		case cache.KindNoDomain:
			return replyOutcome(domain.RCodeNXDomain, answers, soaAuthority(resp)), nil
		default: // KindServFail
			return replyOutcome(domain.RCodeServFail, answers, nil), nil
		}
	}
}

// outOfCache finds the nearest known name server for the question and
// produces the outbound query targeting it.
func (e *Engine) outOfCache(now time.Time, q domain.Question, depth int) (Outcome, error) {
	if depth > maxNeedADepth {
		return Outcome{}, ErrDepthExceeded
	}
	candidate := q.Name
	for {
		servers, known := e.nameServers(now, candidate)
		if known {
			type target struct {
				ns   domain.Name
				addr netip.Addr
			}
			var targets []target
			glueless := make([]domain.Name, 0, len(servers))
			for _, ns := range servers {
				addrs := e.addressesOf(now, ns)
				if len(addrs) == 0 {
					glueless = append(glueless, ns)
					continue
				}
				for _, a := range addrs {
					targets = append(targets, target{ns: ns, addr: a})
				}
			}
			if len(targets) > 0 {
				pick := targets[e.rng.IntN(len(targets))]
				return Outcome{Query: &Outbound{
					Zone: candidate,
					Name: q.Name,
					Type: q.Type,
					Peer: pick.addr,
				}}, nil
			}
			// NS known but no address cached. If the servers sit inside
			// the zone they serve, glue is required and absent: climb one
			// label and retry. Otherwise resolve a server address first.
			external := make([]domain.Name, 0, len(glueless))
			for _, ns := range glueless {
				if !ns.IsSubdomainOf(candidate) {
					external = append(external, ns)
				}
			}
			if len(external) > 0 {
				need := external[e.rng.IntN(len(external))]
				out, err := e.answer(now, domain.Question{
					Name:  need,
					Type:  domain.RRTypeA,
					Class: q.Class,
				}, depth+1)
				if err != nil {
					return Outcome{}, err
				}
				if out.Query != nil {
					return out, nil
				}
				// The server's address resolved to something other than
				// an address record; this branch cannot make progress.
				return replyOutcome(domain.RCodeServFail, nil, nil), nil
			}
		}
		if candidate.IsRoot() {
			return Outcome{}, ErrNoRootServers
		}
		candidate, _ = candidate.Parent()
	}
}

// nameServers returns the cached NS names for zone, if any.
func (e *Engine) nameServers(now time.Time, zone domain.Name) ([]domain.Name, bool) {
	resp, err := e.cache.Query(now, domain.RRTypeNS, zone)
	if err != nil || resp.Kind != cache.KindEntry {
		return nil, false
	}
	ns, ok := resp.Set.Data.(domain.NSData)
	if !ok || len(ns.Names) == 0 {
		return nil, false
	}
	return ns.Names, true
}

// addressesOf returns the cached A addresses of a name server.
func (e *Engine) addressesOf(now time.Time, ns domain.Name) []netip.Addr {
	resp, err := e.cache.Query(now, domain.RRTypeA, ns)
	if err != nil || resp.Kind != cache.KindEntry {
		return nil
	}
	a, ok := resp.Set.Data.(domain.AData)
	if !ok {
		return nil
	}
	return a.Addrs
}

func replyOutcome(rcode domain.RCode, answers, authority []domain.Record) Outcome {
	return Outcome{Reply: &Reply{RCode: rcode, Answers: answers, Authority: authority}}
}

// soaAuthority renders a negative cache response's SOA as the authority
// section, with the SOA minimum as TTL.
func soaAuthority(resp cache.Response) []domain.Record {
	return []domain.Record{{
		Name: resp.SOAOwner,
		Set: domain.RRSet{
			TTL:  resp.SOA.Minimum,
			Data: domain.SOAData{Record: resp.SOA},
		},
	}}
}
