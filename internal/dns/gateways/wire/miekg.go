package wire

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"

	"github.com/miekg/dns"

	"github.com/haukened/dnscore/internal/dns/domain"
)

// MiekgCodec implements Codec on top of github.com/miekg/dns. When built
// with a verifier, every decoded TSIG is checked and its Verified flag
// set before the message reaches the engines.
type MiekgCodec struct {
	verifier TSIGVerifier
}

// NewMiekgCodec returns the miekg/dns-backed codec. verifier may be nil,
// in which case no inbound message ever counts as signed.
func NewMiekgCodec(verifier TSIGVerifier) *MiekgCodec {
	return &MiekgCodec{verifier: verifier}
}

var _ Codec = (*MiekgCodec)(nil)

// Decode parses a wire-format message into the core's decoded form.
func (c *MiekgCodec) Decode(data []byte) (*domain.Message, error) {
	var m dns.Msg
	if err := m.Unpack(data); err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	out := &domain.Message{Header: headerFrom(&m)}
	if len(m.Question) > 0 {
		q, err := questionFrom(m.Question[0])
		if err != nil {
			return nil, err
		}
		out.Question = &q
	}
	if m.Opcode == dns.OpcodeUpdate {
		// Update sections hold prerequisites and deletions that only
		// DecodeUpdate interprets; the header is enough to dispatch.
		return out, nil
	}
	var err error
	if out.Answers, err = sectionFrom(m.Answer); err != nil {
		return nil, err
	}
	if out.Authority, err = sectionFrom(m.Ns); err != nil {
		return nil, err
	}
	if out.Additional, err = sectionFrom(m.Extra); err != nil {
		return nil, err
	}
	if opt := m.IsEdns0(); opt != nil {
		out.EDNS = &domain.EDNS{Version: opt.Version(), PayloadSize: opt.UDPSize()}
	}
	if tsig := m.IsTsig(); tsig != nil {
		keyName, err := domain.ParseName(tsig.Hdr.Name)
		if err != nil {
			return nil, fmt.Errorf("tsig key name: %w", err)
		}
		algo, _ := domain.ParseName(tsig.Algorithm)
		mac, _ := hex.DecodeString(tsig.MAC)
		out.TSIG = &domain.TSIG{
			KeyName:    keyName,
			Algorithm:  algo,
			MAC:        mac,
			OriginalID: tsig.OrigId,
		}
		if c.verifier != nil {
			out.TSIG.Verified = c.verifier.Verify(data, keyName, mac)
		}
	}
	return out, nil
}

// DecodeUpdate parses a dynamic update message: the zone rides in the
// question, prerequisites in the answer section, updates in authority.
func (c *MiekgCodec) DecodeUpdate(data []byte) (*domain.UpdateRequest, error) {
	var m dns.Msg
	if err := m.Unpack(data); err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	if dns.OpcodeUpdate != m.Opcode {
		return nil, fmt.Errorf("not an update message (opcode %d)", m.Opcode)
	}
	if len(m.Question) == 0 {
		return nil, fmt.Errorf("update message without zone section")
	}
	zone, err := domain.ParseName(m.Question[0].Name)
	if err != nil {
		return nil, err
	}
	out := &domain.UpdateRequest{Header: headerFrom(&m), Zone: zone}
	for _, rr := range m.Answer {
		p, err := prereqFrom(rr)
		if err != nil {
			return nil, err
		}
		out.Prereqs = append(out.Prereqs, p)
	}
	for _, rr := range m.Ns {
		a, err := updateActionFrom(rr)
		if err != nil {
			return nil, err
		}
		out.Actions = append(out.Actions, a)
	}
	if tsig := m.IsTsig(); tsig != nil {
		keyName, err := domain.ParseName(tsig.Hdr.Name)
		if err != nil {
			return nil, err
		}
		mac, _ := hex.DecodeString(tsig.MAC)
		out.TSIG = &domain.TSIG{KeyName: keyName, MAC: mac, OriginalID: tsig.OrigId}
		if c.verifier != nil {
			out.TSIG.Verified = c.verifier.Verify(data, keyName, mac)
		}
	}
	return out, nil
}

// Encode renders a decoded message to wire format.
func (c *MiekgCodec) Encode(msg *domain.Message) ([]byte, error) {
	m := new(dns.Msg)
	m.Id = msg.Header.ID
	m.Opcode = int(msg.Header.Opcode)
	m.Response = msg.Header.Response
	m.Authoritative = msg.Header.Authoritative
	m.Truncated = msg.Header.Truncated
	m.RecursionDesired = msg.Header.RecursionDesired
	m.RecursionAvailable = msg.Header.RecursionAvailable
	m.Rcode = int(msg.Header.RCode)
	if msg.Question != nil {
		m.Question = []dns.Question{{
			Name:   dns.Fqdn(msg.Question.Name.String()),
			Qtype:  uint16(msg.Question.Type),
			Qclass: uint16(msg.Question.Class),
		}}
	}
	var err error
	if m.Answer, err = sectionTo(msg.Answers); err != nil {
		return nil, err
	}
	// A zone transfer answer opens with the zone's SOA and closes with it
	// again.
	if msg.Question != nil && msg.Question.Type == domain.RRTypeAXFR && len(m.Answer) > 0 {
		if soa, ok := m.Answer[0].(*dns.SOA); ok {
			m.Answer = append(m.Answer, dns.Copy(soa))
		}
	}
	if m.Ns, err = sectionTo(msg.Authority); err != nil {
		return nil, err
	}
	if m.Extra, err = sectionTo(msg.Additional); err != nil {
		return nil, err
	}
	if msg.EDNS != nil {
		m.SetEdns0(msg.EDNS.PayloadSize, false)
	}
	return m.Pack()
}

func headerFrom(m *dns.Msg) domain.Header {
	return domain.Header{
		ID:                 m.Id,
		Opcode:             domain.Opcode(m.Opcode),
		Response:           m.Response,
		Authoritative:      m.Authoritative,
		Truncated:          m.Truncated,
		RecursionDesired:   m.RecursionDesired,
		RecursionAvailable: m.RecursionAvailable,
		RCode:              domain.RCode(m.Rcode),
	}
}

func questionFrom(q dns.Question) (domain.Question, error) {
	name, err := domain.ParseName(q.Name)
	if err != nil {
		return domain.Question{}, err
	}
	return domain.Question{
		Name:  name,
		Type:  domain.RRType(q.Qtype),
		Class: domain.RRClass(q.Qclass),
	}, nil
}

// sectionFrom converts a wire section, merging records that share an
// owner and type into one RRset.
func sectionFrom(rrs []dns.RR) ([]domain.Record, error) {
	var out []domain.Record
	for _, rr := range rrs {
		if _, meta := rr.(*dns.OPT); meta {
			continue
		}
		if _, meta := rr.(*dns.TSIG); meta {
			continue
		}
		rec, err := recordFrom(rr)
		if err != nil {
			return nil, err
		}
		merged := false
		for i := range out {
			if out[i].Name.Equal(rec.Name) && out[i].Set.Data.RRType() == rec.Set.Data.RRType() {
				out[i].Set.Data = domain.UnionRData(out[i].Set.Data, rec.Set.Data)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, rec)
		}
	}
	return out, nil
}

// recordFrom converts one wire RR into a single-member record. The type
// switch is exhaustive over the supported catalog.
func recordFrom(rr dns.RR) (domain.Record, error) {
	hdr := rr.Header()
	name, err := domain.ParseName(hdr.Name)
	if err != nil {
		return domain.Record{}, err
	}
	var data domain.RData
	switch v := rr.(type) {
	case *dns.A:
		addr, ok := netip.AddrFromSlice(v.A.To4())
		if !ok {
			return domain.Record{}, fmt.Errorf("bad A rdata at %s", hdr.Name)
		}
		data = domain.AData{Addrs: []netip.Addr{addr}}
	case *dns.AAAA:
		addr, ok := netip.AddrFromSlice(v.AAAA.To16())
		if !ok {
			return domain.Record{}, fmt.Errorf("bad AAAA rdata at %s", hdr.Name)
		}
		data = domain.AAAAData{Addrs: []netip.Addr{addr}}
	case *dns.NS:
		target, err := domain.ParseName(v.Ns)
		if err != nil {
			return domain.Record{}, err
		}
		data = domain.NSData{Names: []domain.Name{target}}
	case *dns.CNAME:
		target, err := domain.ParseName(v.Target)
		if err != nil {
			return domain.Record{}, err
		}
		data = domain.CNAMEData{Target: target}
	case *dns.PTR:
		target, err := domain.ParseName(v.Ptr)
		if err != nil {
			return domain.Record{}, err
		}
		data = domain.PTRData{Target: target}
	case *dns.MX:
		host, err := domain.ParseName(v.Mx)
		if err != nil {
			return domain.Record{}, err
		}
		data = domain.MXData{Exchanges: []domain.MXExchange{{Preference: v.Preference, Host: host}}}
	case *dns.TXT:
		data = domain.TXTData{Strings: append([]string(nil), v.Txt...)}
	case *dns.SRV:
		target, err := domain.ParseName(v.Target)
		if err != nil {
			return domain.Record{}, err
		}
		data = domain.SRVData{Services: []domain.SRVService{{
			Priority: v.Priority, Weight: v.Weight, Port: v.Port, Target: target,
		}}}
	case *dns.SOA:
		mname, err := domain.ParseName(v.Ns)
		if err != nil {
			return domain.Record{}, err
		}
		rname, err := domain.ParseName(v.Mbox)
		if err != nil {
			return domain.Record{}, err
		}
		data = domain.SOAData{Record: domain.SOA{
			MName: mname, RName: rname,
			Serial: v.Serial, Refresh: v.Refresh, Retry: v.Retry,
			Expire: v.Expire, Minimum: v.Minttl,
		}}
	case *dns.CAA:
		data = domain.CAAData{Records: []domain.CAARecord{{Critical: v.Flag, Tag: v.Tag, Value: v.Value}}}
	case *dns.TLSA:
		cert, err := hex.DecodeString(v.Certificate)
		if err != nil {
			return domain.Record{}, fmt.Errorf("bad TLSA rdata at %s: %w", hdr.Name, err)
		}
		data = domain.TLSAData{Records: []domain.TLSARecord{{
			Usage: v.Usage, Selector: v.Selector, MatchingType: v.MatchingType, Certificate: cert,
		}}}
	case *dns.SSHFP:
		fp, err := hex.DecodeString(v.FingerPrint)
		if err != nil {
			return domain.Record{}, fmt.Errorf("bad SSHFP rdata at %s: %w", hdr.Name, err)
		}
		data = domain.SSHFPData{Records: []domain.SSHFPRecord{{
			Algorithm: v.Algorithm, Type: v.Type, Fingerprint: fp,
		}}}
	case *dns.DNSKEY:
		key, err := base64.StdEncoding.DecodeString(v.PublicKey)
		if err != nil {
			return domain.Record{}, fmt.Errorf("bad DNSKEY rdata at %s: %w", hdr.Name, err)
		}
		data = domain.DNSKEYData{Keys: []domain.DNSKEYRecord{{
			Flags: v.Flags, Protocol: v.Protocol, Algorithm: v.Algorithm, PublicKey: key,
		}}}
	default:
		return domain.Record{}, fmt.Errorf("unsupported record type %d at %s", hdr.Rrtype, hdr.Name)
	}
	return domain.Record{Name: name, Set: domain.RRSet{TTL: hdr.Ttl, Data: data}}, nil
}

func sectionTo(recs []domain.Record) ([]dns.RR, error) {
	var out []dns.RR
	for _, rec := range recs {
		rrs, err := recordTo(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, rrs...)
	}
	return out, nil
}

// recordTo expands one RRset into its wire RRs.
func recordTo(rec domain.Record) ([]dns.RR, error) {
	hdr := func(t uint16) dns.RR_Header {
		return dns.RR_Header{
			Name:   dns.Fqdn(rec.Name.String()),
			Rrtype: t,
			Class:  dns.ClassINET,
			Ttl:    rec.Set.TTL,
		}
	}
	var out []dns.RR
	switch data := rec.Set.Data.(type) {
	case domain.AData:
		for _, addr := range data.Addrs {
			out = append(out, &dns.A{Hdr: hdr(dns.TypeA), A: net.IP(addr.AsSlice())})
		}
	case domain.AAAAData:
		for _, addr := range data.Addrs {
			out = append(out, &dns.AAAA{Hdr: hdr(dns.TypeAAAA), AAAA: net.IP(addr.AsSlice())})
		}
	case domain.NSData:
		for _, n := range data.Names {
			out = append(out, &dns.NS{Hdr: hdr(dns.TypeNS), Ns: dns.Fqdn(n.String())})
		}
	case domain.CNAMEData:
		out = append(out, &dns.CNAME{Hdr: hdr(dns.TypeCNAME), Target: dns.Fqdn(data.Target.String())})
	case domain.PTRData:
		out = append(out, &dns.PTR{Hdr: hdr(dns.TypePTR), Ptr: dns.Fqdn(data.Target.String())})
	case domain.MXData:
		for _, mx := range data.Exchanges {
			out = append(out, &dns.MX{Hdr: hdr(dns.TypeMX), Preference: mx.Preference, Mx: dns.Fqdn(mx.Host.String())})
		}
	case domain.TXTData:
		out = append(out, &dns.TXT{Hdr: hdr(dns.TypeTXT), Txt: append([]string(nil), data.Strings...)})
	case domain.SRVData:
		for _, srv := range data.Services {
			out = append(out, &dns.SRV{
				Hdr: hdr(dns.TypeSRV), Priority: srv.Priority, Weight: srv.Weight,
				Port: srv.Port, Target: dns.Fqdn(srv.Target.String()),
			})
		}
	case domain.SOAData:
		r := data.Record
		out = append(out, &dns.SOA{
			Hdr: hdr(dns.TypeSOA),
			Ns:  dns.Fqdn(r.MName.String()), Mbox: dns.Fqdn(r.RName.String()),
			Serial: r.Serial, Refresh: r.Refresh, Retry: r.Retry,
			Expire: r.Expire, Minttl: r.Minimum,
		})
	case domain.CAAData:
		for _, caa := range data.Records {
			out = append(out, &dns.CAA{Hdr: hdr(dns.TypeCAA), Flag: caa.Critical, Tag: caa.Tag, Value: caa.Value})
		}
	case domain.TLSAData:
		for _, t := range data.Records {
			out = append(out, &dns.TLSA{
				Hdr: hdr(dns.TypeTLSA), Usage: t.Usage, Selector: t.Selector,
				MatchingType: t.MatchingType, Certificate: hex.EncodeToString(t.Certificate),
			})
		}
	case domain.SSHFPData:
		for _, fp := range data.Records {
			out = append(out, &dns.SSHFP{
				Hdr: hdr(dns.TypeSSHFP), Algorithm: fp.Algorithm, Type: fp.Type,
				FingerPrint: hex.EncodeToString(fp.Fingerprint),
			})
		}
	case domain.DNSKEYData:
		for _, key := range data.Keys {
			out = append(out, &dns.DNSKEY{
				Hdr: hdr(dns.TypeDNSKEY), Flags: key.Flags, Protocol: key.Protocol,
				Algorithm: key.Algorithm, PublicKey: base64.StdEncoding.EncodeToString(key.PublicKey),
			})
		}
	default:
		return nil, fmt.Errorf("unsupported payload type %T at %s", rec.Set.Data, rec.Name)
	}
	return out, nil
}

// prereqFrom maps a prerequisite-section RR onto the RFC 2136 §3.2
// variants by its class and rdata presence.
func prereqFrom(rr dns.RR) (domain.Prerequisite, error) {
	hdr := rr.Header()
	name, err := domain.ParseName(hdr.Name)
	if err != nil {
		return domain.Prerequisite{}, err
	}
	switch hdr.Class {
	case dns.ClassANY:
		if hdr.Rrtype == dns.TypeANY {
			return domain.Prerequisite{Kind: domain.PrereqNameInUse, Name: name}, nil
		}
		return domain.Prerequisite{Kind: domain.PrereqExists, Name: name, Type: domain.RRType(hdr.Rrtype)}, nil
	case dns.ClassNONE:
		if hdr.Rrtype == dns.TypeANY {
			return domain.Prerequisite{Kind: domain.PrereqNotNameInUse, Name: name}, nil
		}
		return domain.Prerequisite{Kind: domain.PrereqNotExists, Name: name, Type: domain.RRType(hdr.Rrtype)}, nil
	default:
		rec, err := recordFrom(rr)
		if err != nil {
			return domain.Prerequisite{}, err
		}
		return domain.Prerequisite{
			Kind: domain.PrereqExistsData,
			Name: name,
			Type: rec.Set.Data.RRType(),
			Data: rec.Set.Data,
		}, nil
	}
}

// updateActionFrom maps an update-section RR onto the RFC 2136 §3.4
// variants.
func updateActionFrom(rr dns.RR) (domain.UpdateAction, error) {
	hdr := rr.Header()
	name, err := domain.ParseName(hdr.Name)
	if err != nil {
		return domain.UpdateAction{}, err
	}
	switch hdr.Class {
	case dns.ClassANY:
		return domain.UpdateAction{
			Kind: domain.UpdateRemove,
			Name: name,
			Type: domain.RRType(hdr.Rrtype),
		}, nil
	case dns.ClassNONE:
		rec, err := recordFrom(rr)
		if err != nil {
			return domain.UpdateAction{}, err
		}
		return domain.UpdateAction{
			Kind: domain.UpdateRemoveSingle,
			Name: name,
			Type: rec.Set.Data.RRType(),
			Set:  rec.Set,
		}, nil
	default:
		rec, err := recordFrom(rr)
		if err != nil {
			return domain.UpdateAction{}, err
		}
		return domain.UpdateAction{
			Kind: domain.UpdateAdd,
			Name: name,
			Type: rec.Set.Data.RRType(),
			Set:  rec.Set,
		}, nil
	}
}
