package wire

import (
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/haukened/dnscore/internal/dns/domain"
)

// tsigFudge is the allowed clock skew, in seconds, stamped into outgoing
// signatures.
const tsigFudge = 300

// SecretSource resolves a TSIG key name to its base64-encoded HMAC
// secret. The auth key store implements this.
type SecretSource interface {
	Secret(keyName domain.Name) (string, bool)
}

// HMACVerifier validates TSIG signatures with miekg/dns against a secret
// store. A key without a stored secret never verifies.
type HMACVerifier struct {
	secrets SecretSource
}

// NewHMACVerifier returns a verifier reading secrets from the given
// source.
func NewHMACVerifier(secrets SecretSource) *HMACVerifier {
	return &HMACVerifier{secrets: secrets}
}

var _ TSIGVerifier = (*HMACVerifier)(nil)

// Verify reports whether raw carries a valid TSIG under the named key.
func (v *HMACVerifier) Verify(raw []byte, keyName domain.Name, _ []byte) bool {
	secret, ok := v.secrets.Secret(keyName)
	if !ok {
		return false
	}
	return dns.TsigVerify(raw, secret, "", false) == nil
}

// HMACSigner signs outgoing messages with HMAC-SHA256 TSIG.
type HMACSigner struct {
	secrets SecretSource
}

// NewHMACSigner returns a signer reading secrets from the given source.
func NewHMACSigner(secrets SecretSource) *HMACSigner {
	return &HMACSigner{secrets: secrets}
}

var _ TSIGSigner = (*HMACSigner)(nil)

// Sign appends a TSIG record for the named key to the raw message and
// returns the signed wire form.
func (s *HMACSigner) Sign(raw []byte, keyName domain.Name) ([]byte, error) {
	secret, ok := s.secrets.Secret(keyName)
	if !ok {
		return nil, fmt.Errorf("no TSIG secret for key %s", keyName)
	}
	var m dns.Msg
	if err := m.Unpack(raw); err != nil {
		return nil, fmt.Errorf("unpack for signing: %w", err)
	}
	m.SetTsig(dns.Fqdn(keyName.String()), dns.HmacSHA256, tsigFudge, time.Now().Unix())
	signed, _, err := dns.TsigGenerate(&m, secret, "", false)
	if err != nil {
		return nil, fmt.Errorf("tsig generate: %w", err)
	}
	return signed, nil
}
