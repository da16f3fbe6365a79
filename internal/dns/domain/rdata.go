package domain

import (
	"bytes"
	"net/netip"
)

// RData is the payload of one RRset. The record catalog is a closed set of
// variants; code that consumes RData branches on the concrete type (or on
// RRType()) with an exhaustive switch. Adding a record type means adding a
// variant here plus its cases in Union, Subtract and the presentation
// parser; Equal is derived from Subtract.
type RData interface {
	// RRType returns the record type this payload belongs to.
	RRType() RRType
	// Empty reports whether the payload holds no records.
	Empty() bool
}

// AData holds a set of IPv4 addresses.
type AData struct {
	Addrs []netip.Addr
}

// AAAAData holds a set of IPv6 addresses.
type AAAAData struct {
	Addrs []netip.Addr
}

// NSData holds a set of name server names.
type NSData struct {
	Names []Name
}

// CNAMEData holds a single alias target.
type CNAMEData struct {
	Target Name
}

// PTRData holds a single pointer target.
type PTRData struct {
	Target Name
}

// MXExchange is one mail exchange entry.
type MXExchange struct {
	Preference uint16
	Host       Name
}

// MXData holds a set of mail exchanges.
type MXData struct {
	Exchanges []MXExchange
}

// TXTData holds a set of text strings.
type TXTData struct {
	Strings []string
}

// SRVService is one service location entry.
type SRVService struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   Name
}

// SRVData holds a set of service locations.
type SRVData struct {
	Services []SRVService
}

// SOAData holds the single start-of-authority record of a zone apex.
type SOAData struct {
	Record SOA
}

// CAARecord is one certificate authority authorization entry.
type CAARecord struct {
	Critical uint8
	Tag      string
	Value    string
}

// CAAData holds a set of CAA entries.
type CAAData struct {
	Records []CAARecord
}

// TLSARecord is one TLSA association entry.
type TLSARecord struct {
	Usage        uint8
	Selector     uint8
	MatchingType uint8
	Certificate  []byte
}

// TLSAData holds a set of TLSA entries.
type TLSAData struct {
	Records []TLSARecord
}

// SSHFPRecord is one SSH fingerprint entry.
type SSHFPRecord struct {
	Algorithm   uint8
	Type        uint8
	Fingerprint []byte
}

// SSHFPData holds a set of SSH fingerprint entries.
type SSHFPData struct {
	Records []SSHFPRecord
}

// DNSKEYRecord is one DNS key entry.
type DNSKEYRecord struct {
	Flags     uint16
	Protocol  uint8
	Algorithm uint8
	PublicKey []byte
}

// DNSKEYData holds a set of DNS key entries.
type DNSKEYData struct {
	Keys []DNSKEYRecord
}

func (d AData) RRType() RRType      { return RRTypeA }
func (d AAAAData) RRType() RRType   { return RRTypeAAAA }
func (d NSData) RRType() RRType     { return RRTypeNS }
func (d CNAMEData) RRType() RRType  { return RRTypeCNAME }
func (d PTRData) RRType() RRType    { return RRTypePTR }
func (d MXData) RRType() RRType     { return RRTypeMX }
func (d TXTData) RRType() RRType    { return RRTypeTXT }
func (d SRVData) RRType() RRType    { return RRTypeSRV }
func (d SOAData) RRType() RRType    { return RRTypeSOA }
func (d CAAData) RRType() RRType    { return RRTypeCAA }
func (d TLSAData) RRType() RRType   { return RRTypeTLSA }
func (d SSHFPData) RRType() RRType  { return RRTypeSSHFP }
func (d DNSKEYData) RRType() RRType { return RRTypeDNSKEY }

func (d AData) Empty() bool      { return len(d.Addrs) == 0 }
func (d AAAAData) Empty() bool   { return len(d.Addrs) == 0 }
func (d NSData) Empty() bool     { return len(d.Names) == 0 }
func (d CNAMEData) Empty() bool  { return false }
func (d PTRData) Empty() bool    { return false }
func (d MXData) Empty() bool     { return len(d.Exchanges) == 0 }
func (d TXTData) Empty() bool    { return len(d.Strings) == 0 }
func (d SRVData) Empty() bool    { return len(d.Services) == 0 }
func (d SOAData) Empty() bool    { return false }
func (d CAAData) Empty() bool    { return len(d.Records) == 0 }
func (d TLSAData) Empty() bool   { return len(d.Records) == 0 }
func (d SSHFPData) Empty() bool  { return len(d.Records) == 0 }
func (d DNSKEYData) Empty() bool { return len(d.Keys) == 0 }

// UnionRData merges b into a, returning the combined payload. Both payloads
// must be of the same variant. Single-valued variants (CNAME, PTR, SOA) are
// replaced rather than merged.
func UnionRData(a, b RData) RData {
	switch av := a.(type) {
	case AData:
		bv := b.(AData)
		return AData{Addrs: unionAddrs(av.Addrs, bv.Addrs)}
	case AAAAData:
		bv := b.(AAAAData)
		return AAAAData{Addrs: unionAddrs(av.Addrs, bv.Addrs)}
	case NSData:
		bv := b.(NSData)
		return NSData{Names: unionNames(av.Names, bv.Names)}
	case CNAMEData:
		return b
	case PTRData:
		return b
	case MXData:
		bv := b.(MXData)
		out := av.Exchanges
		for _, e := range bv.Exchanges {
			if !containsMX(out, e) {
				out = append(out, e)
			}
		}
		return MXData{Exchanges: out}
	case TXTData:
		bv := b.(TXTData)
		out := av.Strings
		for _, s := range bv.Strings {
			if !containsString(out, s) {
				out = append(out, s)
			}
		}
		return TXTData{Strings: out}
	case SRVData:
		bv := b.(SRVData)
		out := av.Services
		for _, s := range bv.Services {
			if !containsSRV(out, s) {
				out = append(out, s)
			}
		}
		return SRVData{Services: out}
	case SOAData:
		return b
	case CAAData:
		bv := b.(CAAData)
		out := av.Records
		for _, r := range bv.Records {
			if !containsCAA(out, r) {
				out = append(out, r)
			}
		}
		return CAAData{Records: out}
	case TLSAData:
		bv := b.(TLSAData)
		out := av.Records
		for _, r := range bv.Records {
			if !containsTLSA(out, r) {
				out = append(out, r)
			}
		}
		return TLSAData{Records: out}
	case SSHFPData:
		bv := b.(SSHFPData)
		out := av.Records
		for _, r := range bv.Records {
			if !containsSSHFP(out, r) {
				out = append(out, r)
			}
		}
		return SSHFPData{Records: out}
	case DNSKEYData:
		bv := b.(DNSKEYData)
		out := av.Keys
		for _, k := range bv.Keys {
			if !containsDNSKEY(out, k) {
				out = append(out, k)
			}
		}
		return DNSKEYData{Keys: out}
	default:
		return b
	}
}

// SubtractRData removes the members of b from a. The bool result reports
// whether anything remains; an empty remainder means the RRset should be
// deleted. Single-valued variants are removed entirely when they match.
func SubtractRData(a, b RData) (RData, bool) {
	switch av := a.(type) {
	case AData:
		bv := b.(AData)
		out := subtractAddrs(av.Addrs, bv.Addrs)
		return AData{Addrs: out}, len(out) > 0
	case AAAAData:
		bv := b.(AAAAData)
		out := subtractAddrs(av.Addrs, bv.Addrs)
		return AAAAData{Addrs: out}, len(out) > 0
	case NSData:
		bv := b.(NSData)
		var out []Name
		for _, n := range av.Names {
			if !containsName(bv.Names, n) {
				out = append(out, n)
			}
		}
		return NSData{Names: out}, len(out) > 0
	case CNAMEData:
		bv := b.(CNAMEData)
		if av.Target.Equal(bv.Target) {
			return CNAMEData{}, false
		}
		return av, true
	case PTRData:
		bv := b.(PTRData)
		if av.Target.Equal(bv.Target) {
			return PTRData{}, false
		}
		return av, true
	case MXData:
		bv := b.(MXData)
		var out []MXExchange
		for _, e := range av.Exchanges {
			if !containsMX(bv.Exchanges, e) {
				out = append(out, e)
			}
		}
		return MXData{Exchanges: out}, len(out) > 0
	case TXTData:
		bv := b.(TXTData)
		var out []string
		for _, s := range av.Strings {
			if !containsString(bv.Strings, s) {
				out = append(out, s)
			}
		}
		return TXTData{Strings: out}, len(out) > 0
	case SRVData:
		bv := b.(SRVData)
		var out []SRVService
		for _, s := range av.Services {
			if !containsSRV(bv.Services, s) {
				out = append(out, s)
			}
		}
		return SRVData{Services: out}, len(out) > 0
	case SOAData:
		bv := b.(SOAData)
		if av.Record.Equal(bv.Record) {
			return SOAData{}, false
		}
		return av, true
	case CAAData:
		bv := b.(CAAData)
		var out []CAARecord
		for _, r := range av.Records {
			if !containsCAA(bv.Records, r) {
				out = append(out, r)
			}
		}
		return CAAData{Records: out}, len(out) > 0
	case TLSAData:
		bv := b.(TLSAData)
		var out []TLSARecord
		for _, r := range av.Records {
			if !containsTLSA(bv.Records, r) {
				out = append(out, r)
			}
		}
		return TLSAData{Records: out}, len(out) > 0
	case SSHFPData:
		bv := b.(SSHFPData)
		var out []SSHFPRecord
		for _, r := range av.Records {
			if !containsSSHFP(bv.Records, r) {
				out = append(out, r)
			}
		}
		return SSHFPData{Records: out}, len(out) > 0
	case DNSKEYData:
		bv := b.(DNSKEYData)
		var out []DNSKEYRecord
		for _, k := range av.Keys {
			if !containsDNSKEY(bv.Keys, k) {
				out = append(out, k)
			}
		}
		return DNSKEYData{Keys: out}, len(out) > 0
	default:
		return a, true
	}
}

// EqualRData reports whether two payloads of the same variant hold the
// same record set, ignoring member order.
func EqualRData(a, b RData) bool {
	if a.RRType() != b.RRType() {
		return false
	}
	_, rest1 := SubtractRData(a, b)
	_, rest2 := SubtractRData(b, a)
	return !rest1 && !rest2
}

func unionAddrs(a, b []netip.Addr) []netip.Addr {
	out := a
	for _, addr := range b {
		if !containsAddr(out, addr) {
			out = append(out, addr)
		}
	}
	return out
}

func subtractAddrs(a, b []netip.Addr) []netip.Addr {
	var out []netip.Addr
	for _, addr := range a {
		if !containsAddr(b, addr) {
			out = append(out, addr)
		}
	}
	return out
}

func containsAddr(set []netip.Addr, addr netip.Addr) bool {
	for _, a := range set {
		if a == addr {
			return true
		}
	}
	return false
}

func unionNames(a, b []Name) []Name {
	out := a
	for _, n := range b {
		if !containsName(out, n) {
			out = append(out, n)
		}
	}
	return out
}

func containsName(set []Name, n Name) bool {
	for _, m := range set {
		if m.Equal(n) {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsMX(set []MXExchange, e MXExchange) bool {
	for _, v := range set {
		if v.Preference == e.Preference && v.Host.Equal(e.Host) {
			return true
		}
	}
	return false
}

func containsSRV(set []SRVService, s SRVService) bool {
	for _, v := range set {
		if v.Priority == s.Priority && v.Weight == s.Weight && v.Port == s.Port && v.Target.Equal(s.Target) {
			return true
		}
	}
	return false
}

func containsCAA(set []CAARecord, r CAARecord) bool {
	for _, v := range set {
		if v.Critical == r.Critical && v.Tag == r.Tag && v.Value == r.Value {
			return true
		}
	}
	return false
}

func containsTLSA(set []TLSARecord, r TLSARecord) bool {
	for _, v := range set {
		if v.Usage == r.Usage && v.Selector == r.Selector && v.MatchingType == r.MatchingType && bytes.Equal(v.Certificate, r.Certificate) {
			return true
		}
	}
	return false
}

func containsSSHFP(set []SSHFPRecord, r SSHFPRecord) bool {
	for _, v := range set {
		if v.Algorithm == r.Algorithm && v.Type == r.Type && bytes.Equal(v.Fingerprint, r.Fingerprint) {
			return true
		}
	}
	return false
}

func containsDNSKEY(set []DNSKEYRecord, k DNSKEYRecord) bool {
	for _, v := range set {
		if v.Flags == k.Flags && v.Protocol == k.Protocol && v.Algorithm == k.Algorithm && bytes.Equal(v.PublicKey, k.PublicKey) {
			return true
		}
	}
	return false
}
