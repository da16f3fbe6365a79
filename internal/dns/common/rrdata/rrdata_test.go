package rrdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnscore/internal/dns/domain"
)

func TestParse_A(t *testing.T) {
	data, err := Parse(domain.RRTypeA, "192.0.2.1")
	require.NoError(t, err)
	a := data.(domain.AData)
	require.Len(t, a.Addrs, 1)
	assert.Equal(t, "192.0.2.1", a.Addrs[0].String())

	_, err = Parse(domain.RRTypeA, "2001:db8::1")
	assert.Error(t, err, "IPv6 literal is not a valid A record")
	_, err = Parse(domain.RRTypeA, "999.0.2.1")
	assert.Error(t, err)
}

func TestParse_AAAA(t *testing.T) {
	data, err := Parse(domain.RRTypeAAAA, "2001:db8::1")
	require.NoError(t, err)
	assert.Len(t, data.(domain.AAAAData).Addrs, 1)

	_, err = Parse(domain.RRTypeAAAA, "192.0.2.1")
	assert.Error(t, err, "IPv4 literal is not a valid AAAA record")
}

func TestParse_MX(t *testing.T) {
	data, err := Parse(domain.RRTypeMX, "10 mail.example.com")
	require.NoError(t, err)
	mx := data.(domain.MXData)
	require.Len(t, mx.Exchanges, 1)
	assert.Equal(t, uint16(10), mx.Exchanges[0].Preference)
	assert.Equal(t, "mail.example.com.", mx.Exchanges[0].Host.String())

	_, err = Parse(domain.RRTypeMX, "70000 mail.example.com")
	assert.Error(t, err, "preference must fit uint16")
}

func TestParse_SRV(t *testing.T) {
	data, err := Parse(domain.RRTypeSRV, "0 5 5060 sip.example.com")
	require.NoError(t, err)
	srv := data.(domain.SRVData)
	require.Len(t, srv.Services, 1)
	assert.Equal(t, uint16(5060), srv.Services[0].Port)
}

func TestParse_SOA(t *testing.T) {
	data, err := Parse(domain.RRTypeSOA, "ns1.example.com hostmaster.example.com 2024010101 7200 3600 1209600 300")
	require.NoError(t, err)
	soa := data.(domain.SOAData).Record
	assert.Equal(t, uint32(2024010101), soa.Serial)
	assert.Equal(t, uint32(300), soa.Minimum)

	_, err = Parse(domain.RRTypeSOA, "ns1.example.com hostmaster.example.com 1 2 3")
	assert.Error(t, err, "SOA needs 7 fields")
}

func TestParse_TLSA_HexSpansTokens(t *testing.T) {
	data, err := Parse(domain.RRTypeTLSA, "3 1 1 d2abde24 0d7cd3ee 6b4b28c5")
	require.NoError(t, err)
	tlsa := data.(domain.TLSAData)
	require.Len(t, tlsa.Records, 1)
	assert.Len(t, tlsa.Records[0].Certificate, 12)

	_, err = Parse(domain.RRTypeTLSA, "3 1 1 nothex")
	assert.Error(t, err)
}

func TestParse_SSHFP(t *testing.T) {
	data, err := Parse(domain.RRTypeSSHFP, "4 2 aabbccdd")
	require.NoError(t, err)
	fp := data.(domain.SSHFPData)
	require.Len(t, fp.Records, 1)
	assert.Equal(t, uint8(4), fp.Records[0].Algorithm)
}

func TestParse_DNSKEY(t *testing.T) {
	data, err := Parse(domain.RRTypeDNSKEY, "256 3 13 deadbeef")
	require.NoError(t, err)
	key := data.(domain.DNSKEYData)
	require.Len(t, key.Keys, 1)
	assert.Equal(t, uint16(256), key.Keys[0].Flags)

	_, err = Parse(domain.RRTypeDNSKEY, "256 300 13 deadbeef")
	assert.Error(t, err, "protocol must fit uint8")
}

func TestParse_CAA(t *testing.T) {
	data, err := Parse(domain.RRTypeCAA, `0 issue "letsencrypt.org"`)
	require.NoError(t, err)
	caa := data.(domain.CAAData)
	require.Len(t, caa.Records, 1)
	assert.Equal(t, "issue", caa.Records[0].Tag)
	assert.Equal(t, "letsencrypt.org", caa.Records[0].Value)
}

func TestFormatRoundTrip(t *testing.T) {
	cases := []struct {
		t    domain.RRType
		text string
	}{
		{domain.RRTypeA, "192.0.2.7"},
		{domain.RRTypeAAAA, "2001:db8::7"},
		{domain.RRTypeNS, "ns1.example.com."},
		{domain.RRTypeCNAME, "target.example.com."},
		{domain.RRTypeMX, "10 mail.example.com."},
		{domain.RRTypeSRV, "1 2 3 svc.example.com."},
		{domain.RRTypeTLSA, "3 1 1 d2abde24"},
	}
	for _, tc := range cases {
		data, err := Parse(tc.t, tc.text)
		require.NoError(t, err, "parse %s %q", tc.t, tc.text)
		formatted := Format(data)
		require.Len(t, formatted, 1)
		reparsed, err := Parse(tc.t, formatted[0])
		require.NoError(t, err, "reparse %s %q", tc.t, formatted[0])
		assert.True(t, domain.EqualRData(data, reparsed), "%s %q", tc.t, tc.text)
	}
}
