package authority

import (
	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/services/auth"
)

// handleAXFR serializes a zone for transfer. Transfers require TCP and a
// key granting transfer (or key management) on the zone. The answer opens
// with the zone's SOA followed by every entry under the apex; the wire
// encoder appends the closing SOA. A transfer signed by a transfer key
// also registers the peer as a NOTIFY subscriber.
func (e *Engine) handleAXFR(msg *domain.Message, src Source) *domain.Message {
	q := msg.Question
	if !src.TCP {
		return msg.Response(domain.RCodeRefused)
	}
	key, signed := msg.KeyName()
	if !signed || !e.auth.Authorise(key, q.Name, auth.OpTransfer) {
		return msg.Response(domain.RCodeNotAuth)
	}

	soa, entries, err := e.data.Entries(q.Name)
	if err != nil {
		return msg.Response(domain.RCodeNotAuth)
	}

	resp := msg.Response(domain.RCodeNoError)
	resp.Header.Authoritative = true
	apexSet, _ := e.data.Get(q.Name)
	resp.Answers = append(resp.Answers, domain.Record{
		Name: q.Name,
		Set:  domain.RRSet{TTL: apexSet[domain.RRTypeSOA].TTL, Data: domain.SOAData{Record: soa}},
	})
	for _, entry := range entries {
		for rrtype, set := range entry.Records {
			if rrtype == domain.RRTypeSOA && entry.Name.Equal(q.Name) {
				continue
			}
			resp.Answers = append(resp.Answers, domain.Record{Name: entry.Name, Set: set})
		}
	}

	// A transfer key identifies a replication secondary; record it so
	// future changes notify the peer directly.
	if info, err := auth.ParseKeyName(key); err == nil && info.Op == auth.OpTransfer {
		e.primary.Subscribe(q.Name, src.Peer)
	}
	return resp
}
