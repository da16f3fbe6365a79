package rrdata

import (
	"encoding/hex"
	"fmt"

	"github.com/haukened/dnscore/internal/dns/domain"
)

// Format renders a typed payload back into presentation-format rdata
// strings, one per member record. The inverse of Parse.
func Format(data domain.RData) []string {
	switch d := data.(type) {
	case domain.AData:
		out := make([]string, 0, len(d.Addrs))
		for _, a := range d.Addrs {
			out = append(out, a.String())
		}
		return out
	case domain.AAAAData:
		out := make([]string, 0, len(d.Addrs))
		for _, a := range d.Addrs {
			out = append(out, a.String())
		}
		return out
	case domain.NSData:
		out := make([]string, 0, len(d.Names))
		for _, n := range d.Names {
			out = append(out, n.String())
		}
		return out
	case domain.CNAMEData:
		return []string{d.Target.String()}
	case domain.PTRData:
		return []string{d.Target.String()}
	case domain.MXData:
		out := make([]string, 0, len(d.Exchanges))
		for _, e := range d.Exchanges {
			out = append(out, fmt.Sprintf("%d %s", e.Preference, e.Host))
		}
		return out
	case domain.TXTData:
		out := make([]string, 0, len(d.Strings))
		for _, s := range d.Strings {
			out = append(out, fmt.Sprintf("%q", s))
		}
		return out
	case domain.SRVData:
		out := make([]string, 0, len(d.Services))
		for _, s := range d.Services {
			out = append(out, fmt.Sprintf("%d %d %d %s", s.Priority, s.Weight, s.Port, s.Target))
		}
		return out
	case domain.SOAData:
		r := d.Record
		return []string{fmt.Sprintf("%s %s %d %d %d %d %d",
			r.MName, r.RName, r.Serial, r.Refresh, r.Retry, r.Expire, r.Minimum)}
	case domain.CAAData:
		out := make([]string, 0, len(d.Records))
		for _, r := range d.Records {
			out = append(out, fmt.Sprintf("%d %s %q", r.Critical, r.Tag, r.Value))
		}
		return out
	case domain.TLSAData:
		out := make([]string, 0, len(d.Records))
		for _, r := range d.Records {
			out = append(out, fmt.Sprintf("%d %d %d %s", r.Usage, r.Selector, r.MatchingType, hex.EncodeToString(r.Certificate)))
		}
		return out
	case domain.SSHFPData:
		out := make([]string, 0, len(d.Records))
		for _, r := range d.Records {
			out = append(out, fmt.Sprintf("%d %d %s", r.Algorithm, r.Type, hex.EncodeToString(r.Fingerprint)))
		}
		return out
	case domain.DNSKEYData:
		out := make([]string, 0, len(d.Keys))
		for _, k := range d.Keys {
			out = append(out, fmt.Sprintf("%d %d %d %s", k.Flags, k.Protocol, k.Algorithm, hex.EncodeToString(k.PublicKey)))
		}
		return out
	default:
		return nil
	}
}
