package wire

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnscore/internal/dns/domain"
)

const transferKey = "192.0.2.1.192.0.2.2._transfer.example.com."

// mapSecrets is a SecretSource over a plain map, keyed by canonical name.
type mapSecrets map[string]string

func (m mapSecrets) Secret(keyName domain.Name) (string, bool) {
	s, ok := m[keyName.String()]
	return s, ok
}

func testSecret(raw string) string {
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// signedQuery builds and TSIG-signs a SOA query with miekg/dns directly,
// so decoding exercises the real wire path rather than a hand-built
// Verified flag.
func signedQuery(t *testing.T, secret string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeSOA)
	m.Id = 42
	m.SetTsig(transferKey, dns.HmacSHA256, tsigFudge, time.Now().Unix())
	raw, _, err := dns.TsigGenerate(m, secret, "", false)
	require.NoError(t, err)
	return raw
}

func TestDecode_VerifiesTSIG(t *testing.T) {
	secret := testSecret("shared-transfer-secret")
	raw := signedQuery(t, secret)

	codec := NewMiekgCodec(NewHMACVerifier(mapSecrets{transferKey: secret}))
	msg, err := codec.Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.TSIG)
	assert.True(t, msg.TSIG.Verified)
	assert.True(t, msg.SignedBy(domain.MustParseName(transferKey)))
}

func TestDecode_RejectsWrongSecret(t *testing.T) {
	raw := signedQuery(t, testSecret("the-real-secret"))

	codec := NewMiekgCodec(NewHMACVerifier(mapSecrets{transferKey: testSecret("an-impostor")}))
	msg, err := codec.Decode(raw)
	require.NoError(t, err, "a bad signature decodes but never verifies")
	require.NotNil(t, msg.TSIG)
	assert.False(t, msg.TSIG.Verified)
}

func TestDecode_UnknownKeyNeverVerifies(t *testing.T) {
	raw := signedQuery(t, testSecret("secret"))

	codec := NewMiekgCodec(NewHMACVerifier(mapSecrets{}))
	msg, err := codec.Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.TSIG)
	assert.False(t, msg.TSIG.Verified)
}

func TestDecode_NilVerifierNeverVerifies(t *testing.T) {
	raw := signedQuery(t, testSecret("secret"))

	codec := NewMiekgCodec(nil)
	msg, err := codec.Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.TSIG)
	assert.False(t, msg.TSIG.Verified)
}

func TestSignThenVerifyRoundTrip(t *testing.T) {
	secret := testSecret("round-trip-secret")
	secrets := mapSecrets{transferKey: secret}
	codec := NewMiekgCodec(NewHMACVerifier(secrets))
	signer := NewHMACSigner(secrets)
	keyName := domain.MustParseName(transferKey)

	raw, err := codec.Encode(&domain.Message{
		Header:   domain.Header{ID: 7, Opcode: domain.OpcodeQuery},
		Question: &domain.Question{Name: domain.MustParseName("example.com"), Type: domain.RRTypeSOA, Class: domain.RRClassIN},
	})
	require.NoError(t, err)

	signed, err := signer.Sign(raw, keyName)
	require.NoError(t, err)

	msg, err := codec.Decode(signed)
	require.NoError(t, err)
	require.NotNil(t, msg.TSIG)
	assert.True(t, msg.TSIG.Verified)
	assert.True(t, msg.SignedBy(keyName))
}

func TestSign_UnknownKeyFails(t *testing.T) {
	signer := NewHMACSigner(mapSecrets{})
	_, err := signer.Sign([]byte{0, 0}, domain.MustParseName(transferKey))
	assert.Error(t, err)
}
