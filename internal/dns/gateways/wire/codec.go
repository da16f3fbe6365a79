// Package wire is the boundary to the DNS wire format. The core consumes
// and produces decoded messages; this package defines the codec contract
// and provides an implementation backed by miekg/dns.
package wire

import "github.com/haukened/dnscore/internal/dns/domain"

// Codec translates between wire bytes and decoded messages.
type Codec interface {
	// Decode parses a wire-format message. Update messages decode via
	// DecodeUpdate; Decode reports their opcode so the caller can
	// dispatch.
	Decode(data []byte) (*domain.Message, error)
	// DecodeUpdate parses a wire-format dynamic update message.
	DecodeUpdate(data []byte) (*domain.UpdateRequest, error)
	// Encode renders a decoded message back to wire format.
	Encode(msg *domain.Message) ([]byte, error)
}

// TSIGVerifier checks transaction signatures. The cryptography stays at
// this boundary: the codec consults the verifier during decode and marks
// the message verified before it reaches the engines, which only ever
// look at the Verified flag. HMACVerifier is the in-tree implementation.
type TSIGVerifier interface {
	// Verify reports whether the raw message's TSIG is valid under the
	// named key.
	Verify(raw []byte, keyName domain.Name, mac []byte) bool
}

// TSIGSigner signs outgoing messages with a named key. HMACSigner is the
// in-tree implementation.
type TSIGSigner interface {
	Sign(raw []byte, keyName domain.Name) ([]byte, error)
}
