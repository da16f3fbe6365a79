package wire

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnscore/internal/dns/domain"
)

func name(s string) domain.Name {
	return domain.MustParseName(s)
}

func TestDecode_Query(t *testing.T) {
	var m dns.Msg
	m.SetQuestion("WWW.Example.COM.", dns.TypeA)
	raw, err := m.Pack()
	require.NoError(t, err)

	codec := NewMiekgCodec(nil)
	msg, err := codec.Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Question)
	assert.True(t, msg.Question.Name.Equal(name("www.example.com")), "names canonicalize on decode")
	assert.Equal(t, domain.RRTypeA, msg.Question.Type)
	assert.Equal(t, domain.OpcodeQuery, msg.Header.Opcode)
}

func TestEncodeDecode_Response(t *testing.T) {
	codec := NewMiekgCodec(nil)
	msg := &domain.Message{
		Header: domain.Header{
			ID: 0x1234, Opcode: domain.OpcodeQuery, Response: true,
			Authoritative: true, RCode: domain.RCodeNoError,
		},
		Question: &domain.Question{Name: name("ns1.example.com"), Type: domain.RRTypeA, Class: domain.RRClassIN},
		Answers: []domain.Record{{
			Name: name("ns1.example.com"),
			Set: domain.RRSet{TTL: 300, Data: domain.AData{
				Addrs: []netip.Addr{netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.2")},
			}},
		}},
		Authority: []domain.Record{{
			Name: name("example.com"),
			Set: domain.RRSet{TTL: 300, Data: domain.SOAData{Record: domain.SOA{
				MName: name("ns1.example.com"), RName: name("hostmaster.example.com"),
				Serial: 7, Refresh: 7200, Retry: 3600, Expire: 1209600, Minimum: 300,
			}}},
		}},
	}

	raw, err := codec.Encode(msg)
	require.NoError(t, err)
	got, err := codec.Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, msg.Header.ID, got.Header.ID)
	assert.True(t, got.Header.Authoritative)
	require.Len(t, got.Answers, 1, "two A records merge into one RRset")
	assert.Len(t, got.Answers[0].Set.Data.(domain.AData).Addrs, 2)
	require.Len(t, got.Authority, 1)
	soa := got.Authority[0].Set.Data.(domain.SOAData).Record
	assert.Equal(t, uint32(7), soa.Serial)
}

func TestDecodeUpdate(t *testing.T) {
	var m dns.Msg
	m.SetUpdate("example.com.")
	// Prerequisite: foo.example.com A must exist (class ANY, no rdata).
	m.Answer = append(m.Answer, &dns.ANY{Hdr: dns.RR_Header{
		Name: "foo.example.com.", Rrtype: dns.TypeA, Class: dns.ClassANY,
	}})
	// Update: add an A record.
	m.Ns = append(m.Ns, &dns.A{
		Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   []byte{192, 0, 2, 80},
	})
	// Update: remove every RRset at a name (class ANY, type ANY).
	m.Ns = append(m.Ns, &dns.ANY{Hdr: dns.RR_Header{
		Name: "old.example.com.", Rrtype: dns.TypeANY, Class: dns.ClassANY,
	}})
	raw, err := m.Pack()
	require.NoError(t, err)

	codec := NewMiekgCodec(nil)
	req, err := codec.DecodeUpdate(raw)
	require.NoError(t, err)
	assert.True(t, req.Zone.Equal(name("example.com")))

	require.Len(t, req.Prereqs, 1)
	assert.Equal(t, domain.PrereqExists, req.Prereqs[0].Kind)
	assert.Equal(t, domain.RRTypeA, req.Prereqs[0].Type)

	require.Len(t, req.Actions, 2)
	assert.Equal(t, domain.UpdateAdd, req.Actions[0].Kind)
	assert.Equal(t, domain.UpdateRemove, req.Actions[1].Kind)
	assert.Equal(t, domain.RRTypeANY, req.Actions[1].Type)
}
