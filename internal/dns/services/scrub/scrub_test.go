package scrub

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/repos/cache"
)

func name(s string) domain.Name {
	return domain.MustParseName(s)
}

func question(s string, t domain.RRType) domain.Question {
	return domain.Question{Name: name(s), Type: t, Class: domain.RRClassIN}
}

func aRecord(owner string, addr string) domain.Record {
	return domain.Record{Name: name(owner), Set: domain.RRSet{
		TTL:  300,
		Data: domain.AData{Addrs: []netip.Addr{netip.MustParseAddr(addr)}},
	}}
}

func cnameRecord(owner, target string) domain.Record {
	return domain.Record{Name: name(owner), Set: domain.RRSet{
		TTL:  300,
		Data: domain.CNAMEData{Target: name(target)},
	}}
}

func soaRecord(owner string) domain.Record {
	return domain.Record{Name: name(owner), Set: domain.RRSet{
		TTL: 300,
		Data: domain.SOAData{Record: domain.SOA{
			MName: name("ns1." + owner), RName: name("hostmaster." + owner),
			Serial: 1, Minimum: 60,
		}},
	}}
}

func TestScrub_SimpleAnswer(t *testing.T) {
	msg := &domain.Message{
		Header:  domain.Header{RCode: domain.RCodeNoError, Authoritative: true},
		Answers: []domain.Record{aRecord("www.example.com", "192.0.2.1")},
	}
	ins, err := Scrub(question("www.example.com", domain.RRTypeA), msg)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.Equal(t, cache.ValueEntry, ins[0].Value.Kind)
	assert.Equal(t, domain.RankAuthoritativeAnswer, ins[0].Rank)

	// Without the authoritative flag the rank drops.
	msg.Header.Authoritative = false
	ins, err = Scrub(question("www.example.com", domain.RRTypeA), msg)
	require.NoError(t, err)
	assert.Equal(t, domain.RankNonAuthoritativeAnswer, ins[0].Rank)
}

func TestScrub_CNAMEChain(t *testing.T) {
	msg := &domain.Message{
		Header: domain.Header{RCode: domain.RCodeNoError},
		Answers: []domain.Record{
			cnameRecord("a.example.com", "b.example.com"),
			cnameRecord("b.example.com", "c.example.com"),
			aRecord("c.example.com", "1.2.3.4"),
		},
	}
	ins, err := Scrub(question("a.example.com", domain.RRTypeA), msg)
	require.NoError(t, err)
	require.Len(t, ins, 3)
	assert.Equal(t, domain.RRTypeCNAME, ins[0].Type)
	assert.True(t, ins[0].Name.Equal(name("a.example.com")))
	assert.Equal(t, domain.RankNonAuthoritativeAnswer, ins[0].Rank)
	assert.True(t, ins[2].Name.Equal(name("c.example.com")))
	assert.Equal(t, domain.RRTypeA, ins[2].Type)
}

func TestScrub_CNAMELoopTerminates(t *testing.T) {
	msg := &domain.Message{
		Header: domain.Header{RCode: domain.RCodeNoError},
		Answers: []domain.Record{
			cnameRecord("a.example.com", "b.example.com"),
			cnameRecord("b.example.com", "a.example.com"),
		},
	}
	ins, err := Scrub(question("a.example.com", domain.RRTypeA), msg)
	require.NoError(t, err)
	// Two chain hops plus the trailing NoData for the revisited terminal.
	assert.GreaterOrEqual(t, len(ins), 2)
}

func TestScrub_NoDataWithSOA(t *testing.T) {
	msg := &domain.Message{
		Header:    domain.Header{RCode: domain.RCodeNoError, Authoritative: true},
		Authority: []domain.Record{soaRecord("example.com")},
	}
	ins, err := Scrub(question("www.example.com", domain.RRTypeTXT), msg)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.Equal(t, cache.ValueNoData, ins[0].Value.Kind)
	assert.True(t, ins[0].Value.SOAOwner.Equal(name("example.com")), "find_soa walks toward the root")
	assert.Equal(t, uint32(60), ins[0].Value.SOA.Minimum)
}

func TestScrub_NoData_SynthesizesInvalidSOA(t *testing.T) {
	msg := &domain.Message{Header: domain.Header{RCode: domain.RCodeNoError}}
	ins, err := Scrub(question("www.example.com", domain.RRTypeA), msg)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.Equal(t, cache.ValueNoData, ins[0].Value.Kind)
	assert.Equal(t, "ns.invalid.www.example.com.", ins[0].Value.SOA.MName.String())
	assert.Equal(t, uint32(300), ins[0].Value.SOA.Minimum)
}

func TestScrub_NXDomain(t *testing.T) {
	msg := &domain.Message{
		Header: domain.Header{RCode: domain.RCodeNXDomain, Authoritative: true},
		Answers: []domain.Record{
			cnameRecord("a.example.com", "gone.example.com"),
		},
		Authority: []domain.Record{soaRecord("example.com")},
	}
	ins, err := Scrub(question("a.example.com", domain.RRTypeA), msg)
	require.NoError(t, err)
	require.Len(t, ins, 2)
	assert.Equal(t, cache.ValueEntry, ins[0].Value.Kind)

	nod := ins[1]
	assert.Equal(t, cache.ValueNoDomain, nod.Value.Kind)
	assert.True(t, nod.Name.Equal(name("gone.example.com")), "NXDOMAIN applies to the final qname")
	assert.Equal(t, domain.RRTypeCNAME, nod.Type)
	assert.Equal(t, domain.RankAuthoritativeAnswer, nod.Rank)
}

func TestScrub_ServFail(t *testing.T) {
	msg := &domain.Message{Header: domain.Header{RCode: domain.RCodeServFail}}
	ins, err := Scrub(question("www.example.com", domain.RRTypeA), msg)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.Equal(t, cache.ValueServFail, ins[0].Value.Kind)
	assert.Equal(t, uint32(1), ins[0].Value.SOA.Serial)
}

func TestScrub_UnexpectedRCode(t *testing.T) {
	msg := &domain.Message{Header: domain.Header{RCode: domain.RCodeRefused}}
	_, err := Scrub(question("www.example.com", domain.RRTypeA), msg)
	assert.Error(t, err)
}
