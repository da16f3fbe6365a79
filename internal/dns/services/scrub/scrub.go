// Package scrub classifies the sections of a received DNS answer into
// ranked cache insertions. Only stub-mode rules are implemented: the
// upstream is trusted to have done recursion, so authority NS harvesting
// and bailiwick enforcement are out of scope.
package scrub

import (
	"fmt"

	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/repos/cache"
)

// Insertion is one cache write derived from a scrubbed response.
type Insertion struct {
	Name  domain.Name
	Type  domain.RRType
	Rank  domain.Rank
	Value cache.Value
}

// Scrub turns a decoded response to question into cache insertions.
// Unexpected rcodes are an error; the caller decides what to do with the
// response then.
func Scrub(question domain.Question, msg *domain.Message) ([]Insertion, error) {
	switch msg.Header.RCode {
	case domain.RCodeNoError:
		return scrubNoError(question, msg), nil
	case domain.RCodeNXDomain:
		return scrubNXDomain(question, msg), nil
	case domain.RCodeServFail:
		return scrubServFail(question), nil
	default:
		return nil, fmt.Errorf("unexpected rcode %s scrubbing response for %s", msg.Header.RCode, question.Name)
	}
}

// answerRank ranks data from the answer section by the authoritative bit.
func answerRank(msg *domain.Message) domain.Rank {
	if msg.Header.Authoritative {
		return domain.RankAuthoritativeAnswer
	}
	return domain.RankNonAuthoritativeAnswer
}

// followChain walks the CNAME chain in the answer section starting at the
// question name, emitting one alias insertion per hop. It returns the
// terminal name and the chain insertions. A revisited owner ends the walk.
func followChain(question domain.Question, msg *domain.Message) (domain.Name, []Insertion) {
	var out []Insertion
	current := question.Name
	visited := map[string]struct{}{}
	for {
		if _, seen := visited[current.String()]; seen {
			break
		}
		visited[current.String()] = struct{}{}
		set, ok := msg.FindAnswer(current, domain.RRTypeCNAME)
		if !ok {
			break
		}
		cname, ok := set.Data.(domain.CNAMEData)
		if !ok {
			break
		}
		out = append(out, Insertion{
			Name: current,
			Type: domain.RRTypeCNAME,
			Rank: domain.RankNonAuthoritativeAnswer,
			Value: cache.Value{
				Kind: cache.ValueEntry,
				Set:  set,
			},
		})
		current = cname.Target
	}
	return current, out
}

func scrubNoError(question domain.Question, msg *domain.Message) []Insertion {
	terminal, out := followChain(question, msg)

	emitted := false
	for _, rec := range msg.Answers {
		if !rec.Name.Equal(terminal) || rec.Set.Data == nil {
			continue
		}
		t := rec.Set.Data.RRType()
		if t == domain.RRTypeCNAME {
			continue
		}
		if question.Type != domain.RRTypeANY && t != question.Type {
			continue
		}
		out = append(out, Insertion{
			Name: terminal,
			Type: t,
			Rank: answerRank(msg),
			Value: cache.Value{
				Kind: cache.ValueEntry,
				Set:  rec.Set,
			},
		})
		emitted = true
	}
	if !emitted {
		owner, soa := findSOA(terminal, msg)
		out = append(out, Insertion{
			Name: terminal,
			Type: question.Type,
			Rank: answerRank(msg),
			Value: cache.Value{
				Kind:     cache.ValueNoData,
				SOAOwner: owner,
				SOA:      soa,
			},
		})
	}
	return out
}

func scrubNXDomain(question domain.Question, msg *domain.Message) []Insertion {
	// Any CNAMEs in the answer still name real aliases; the NXDOMAIN
	// applies to the final name of the chain.
	terminal, out := followChain(question, msg)
	owner, soa := findSOA(terminal, msg)
	out = append(out, Insertion{
		Name: terminal,
		Type: domain.RRTypeCNAME,
		Rank: answerRank(msg),
		Value: cache.Value{
			Kind:     cache.ValueNoDomain,
			SOAOwner: owner,
			SOA:      soa,
		},
	})
	return out
}

func scrubServFail(question domain.Question) []Insertion {
	return []Insertion{{
		Name: question.Name,
		Type: domain.RRTypeCNAME,
		Rank: domain.RankNonAuthoritativeAnswer,
		Value: cache.Value{
			Kind:     cache.ValueServFail,
			SOAOwner: question.Name,
			SOA:      domain.InvalidSOA(question.Name),
		},
	}}
}

// findSOA walks from name toward the root looking for an SOA in the
// authority section. When none exists anywhere, it synthesizes an invalid
// SOA so the negative entry still carries a caching authority and cannot
// cause a query loop.
func findSOA(name domain.Name, msg *domain.Message) (domain.Name, domain.SOA) {
	candidate := name
	for {
		for _, rec := range msg.Authority {
			if rec.Set.Data == nil {
				continue
			}
			if soaData, ok := rec.Set.Data.(domain.SOAData); ok && rec.Name.Equal(candidate) {
				return candidate, soaData.Record
			}
		}
		if candidate.IsRoot() {
			break
		}
		candidate, _ = candidate.Parent()
	}
	return name, domain.InvalidSOA(name)
}
