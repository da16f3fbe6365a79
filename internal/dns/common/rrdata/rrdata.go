// Package rrdata converts resource record data between presentation
// format (zone-file text) and the typed payloads of the domain package.
// Each supported record type has a parse case and a format case; the
// switch is exhaustive over the closed record catalog.
package rrdata

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/haukened/dnscore/internal/dns/domain"
)

// Parse converts one presentation-format rdata string into a typed
// payload holding that single record. Callers union consecutive values
// for the same owner and type into one RRset.
func Parse(t domain.RRType, text string) (domain.RData, error) {
	text = strings.TrimSpace(text)
	switch t {
	case domain.RRTypeA:
		addr, err := parseAddr4(text)
		if err != nil {
			return nil, err
		}
		return domain.AData{Addrs: []netip.Addr{addr}}, nil
	case domain.RRTypeAAAA:
		addr, err := parseAddr6(text)
		if err != nil {
			return nil, err
		}
		return domain.AAAAData{Addrs: []netip.Addr{addr}}, nil
	case domain.RRTypeNS:
		name, err := domain.ParseName(text)
		if err != nil {
			return nil, fmt.Errorf("invalid NS target: %w", err)
		}
		return domain.NSData{Names: []domain.Name{name}}, nil
	case domain.RRTypeCNAME:
		name, err := domain.ParseName(text)
		if err != nil {
			return nil, fmt.Errorf("invalid CNAME target: %w", err)
		}
		return domain.CNAMEData{Target: name}, nil
	case domain.RRTypePTR:
		name, err := domain.ParseName(text)
		if err != nil {
			return nil, fmt.Errorf("invalid PTR target: %w", err)
		}
		return domain.PTRData{Target: name}, nil
	case domain.RRTypeMX:
		return parseMX(text)
	case domain.RRTypeTXT:
		return domain.TXTData{Strings: []string{strings.Trim(text, `"`)}}, nil
	case domain.RRTypeSRV:
		return parseSRV(text)
	case domain.RRTypeSOA:
		return parseSOA(text)
	case domain.RRTypeCAA:
		return parseCAA(text)
	case domain.RRTypeTLSA:
		return parseTLSA(text)
	case domain.RRTypeSSHFP:
		return parseSSHFP(text)
	case domain.RRTypeDNSKEY:
		return parseDNSKEY(text)
	default:
		return nil, fmt.Errorf("unsupported record type: %s", t)
	}
}

// parseMX parses "preference host".
func parseMX(text string) (domain.RData, error) {
	parts := strings.Fields(text)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid MX record format (expected 2 fields): %s", text)
	}
	pref, err := parseUint16(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid MX preference: %w", err)
	}
	host, err := domain.ParseName(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid MX host: %w", err)
	}
	return domain.MXData{Exchanges: []domain.MXExchange{{Preference: pref, Host: host}}}, nil
}

// parseSRV parses "priority weight port target".
func parseSRV(text string) (domain.RData, error) {
	parts := strings.Fields(text)
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid SRV record format (expected 4 fields): %s", text)
	}
	var vals [3]uint16
	for i := 0; i < 3; i++ {
		v, err := parseUint16(parts[i])
		if err != nil {
			return nil, fmt.Errorf("invalid SRV field %d: %w", i, err)
		}
		vals[i] = v
	}
	target, err := domain.ParseName(parts[3])
	if err != nil {
		return nil, fmt.Errorf("invalid SRV target: %w", err)
	}
	return domain.SRVData{Services: []domain.SRVService{{
		Priority: vals[0],
		Weight:   vals[1],
		Port:     vals[2],
		Target:   target,
	}}}, nil
}

// parseSOA parses "mname rname serial refresh retry expire minimum".
func parseSOA(text string) (domain.RData, error) {
	parts := strings.Fields(text)
	if len(parts) != 7 {
		return nil, fmt.Errorf("invalid SOA record format (expected 7 fields): %s", text)
	}
	mname, err := domain.ParseName(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid SOA mname: %w", err)
	}
	rname, err := domain.ParseName(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid SOA rname: %w", err)
	}
	var u32 [5]uint32
	for i := 0; i < 5; i++ {
		v, err := parseUint32(parts[i+2])
		if err != nil {
			return nil, fmt.Errorf("invalid SOA field %d: %w", i+2, err)
		}
		u32[i] = v
	}
	return domain.SOAData{Record: domain.SOA{
		MName:   mname,
		RName:   rname,
		Serial:  u32[0],
		Refresh: u32[1],
		Retry:   u32[2],
		Expire:  u32[3],
		Minimum: u32[4],
	}}, nil
}

// parseCAA parses "critical tag value".
func parseCAA(text string) (domain.RData, error) {
	parts := strings.Fields(text)
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid CAA record format (expected 3 fields): %s", text)
	}
	critical, err := parseUint8(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid CAA critical flag: %w", err)
	}
	value := strings.Trim(strings.Join(parts[2:], " "), `"`)
	return domain.CAAData{Records: []domain.CAARecord{{
		Critical: critical,
		Tag:      parts[1],
		Value:    value,
	}}}, nil
}

// parseTLSA parses "usage selector matching cert-hex", where the hex data
// may span multiple whitespace-separated tokens.
func parseTLSA(text string) (domain.RData, error) {
	parts := strings.Fields(text)
	if len(parts) < 4 {
		return nil, fmt.Errorf("invalid TLSA record format (expected 4+ fields): %s", text)
	}
	var vals [3]uint8
	for i := 0; i < 3; i++ {
		v, err := parseUint8(parts[i])
		if err != nil {
			return nil, fmt.Errorf("invalid TLSA field %d: %w", i, err)
		}
		vals[i] = v
	}
	cert, err := parseHexTokens(parts[3:])
	if err != nil {
		return nil, fmt.Errorf("invalid TLSA certificate data: %w", err)
	}
	return domain.TLSAData{Records: []domain.TLSARecord{{
		Usage:        vals[0],
		Selector:     vals[1],
		MatchingType: vals[2],
		Certificate:  cert,
	}}}, nil
}

// parseSSHFP parses "algorithm type fingerprint-hex".
func parseSSHFP(text string) (domain.RData, error) {
	parts := strings.Fields(text)
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid SSHFP record format (expected 3+ fields): %s", text)
	}
	algo, err := parseUint8(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid SSHFP algorithm: %w", err)
	}
	fpType, err := parseUint8(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid SSHFP type: %w", err)
	}
	fp, err := parseHexTokens(parts[2:])
	if err != nil {
		return nil, fmt.Errorf("invalid SSHFP fingerprint: %w", err)
	}
	return domain.SSHFPData{Records: []domain.SSHFPRecord{{
		Algorithm:   algo,
		Type:        fpType,
		Fingerprint: fp,
	}}}, nil
}

// parseDNSKEY parses "flags protocol algorithm key-hex".
func parseDNSKEY(text string) (domain.RData, error) {
	parts := strings.Fields(text)
	if len(parts) < 4 {
		return nil, fmt.Errorf("invalid DNSKEY record format (expected 4+ fields): %s", text)
	}
	flags, err := parseUint16(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid DNSKEY flags: %w", err)
	}
	protocol, err := parseUint8(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid DNSKEY protocol: %w", err)
	}
	algo, err := parseUint8(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid DNSKEY algorithm: %w", err)
	}
	key, err := parseHexTokens(parts[3:])
	if err != nil {
		return nil, fmt.Errorf("invalid DNSKEY public key: %w", err)
	}
	return domain.DNSKEYData{Keys: []domain.DNSKEYRecord{{
		Flags:     flags,
		Protocol:  protocol,
		Algorithm: algo,
		PublicKey: key,
	}}}, nil
}

func parseAddr4(text string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(text)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("invalid IPv4 address: %s", text)
	}
	return addr, nil
}

func parseAddr6(text string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(text)
	if err != nil || !addr.Is6() || addr.Is4In6() {
		return netip.Addr{}, fmt.Errorf("invalid IPv6 address: %s", text)
	}
	return addr, nil
}

// parseHexTokens concatenates whitespace-separated hex tokens and decodes
// the result.
func parseHexTokens(tokens []string) ([]byte, error) {
	joined := strings.Join(tokens, "")
	return hex.DecodeString(joined)
}

func parseUint8(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
