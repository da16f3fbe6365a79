package domain

import "fmt"

// Header carries the decoded DNS message header bits the engine cares
// about. Section counts live with the sections themselves.
type Header struct {
	ID                 uint16
	Opcode             Opcode
	Response           bool
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	RCode              RCode
}

// Question represents the query section of a DNS message.
type Question struct {
	Name  Name
	Type  RRType
	Class RRClass
}

// NewQuestion constructs a Question and validates its fields.
func NewQuestion(name Name, rrtype RRType, class RRClass) (Question, error) {
	q := Question{Name: name, Type: rrtype, Class: class}
	if err := q.Validate(); err != nil {
		return Question{}, err
	}
	return q, nil
}

// Validate checks whether the Question fields are structurally and semantically valid.
func (q Question) Validate() error {
	if !q.Type.IsValid() {
		return fmt.Errorf("unsupported RRType: %d", q.Type)
	}
	if !q.Class.IsValid() {
		return fmt.Errorf("unsupported RRClass: %d", q.Class)
	}
	return nil
}

// Record is one RRset in a message section, bound to its owner name.
type Record struct {
	Name Name
	Set  RRSet
}

// EDNS carries the negotiated EDNS0 parameters of a message.
type EDNS struct {
	Version     uint8
	PayloadSize uint16
}

// TSIG carries the transaction-signature metadata of a message. The
// cryptographic verification happens outside the core; Verified reflects
// the external verifier's verdict.
type TSIG struct {
	KeyName    Name
	Algorithm  Name
	MAC        []byte
	OriginalID uint16
	Verified   bool
}

// Message is a decoded DNS message as the core consumes and produces it.
// The wire codec translating to and from bytes is an external collaborator.
type Message struct {
	Header     Header
	Question   *Question
	Answers    []Record
	Authority  []Record
	Additional []Record
	EDNS       *EDNS
	TSIG       *TSIG
}

// SignedBy reports whether the message carries a verified TSIG from the
// given key.
func (m *Message) SignedBy(key Name) bool {
	return m.TSIG != nil && m.TSIG.Verified && m.TSIG.KeyName.Equal(key)
}

// KeyName returns the TSIG key name on the message, if any.
func (m *Message) KeyName() (Name, bool) {
	if m.TSIG == nil || !m.TSIG.Verified {
		return Name{}, false
	}
	return m.TSIG.KeyName, true
}

// Response builds a reply skeleton echoing the request id, opcode and
// question, with the response bit set.
func (m *Message) Response(rcode RCode) *Message {
	return &Message{
		Header: Header{
			ID:               m.Header.ID,
			Opcode:           m.Header.Opcode,
			Response:         true,
			RecursionDesired: m.Header.RecursionDesired,
			RCode:            rcode,
		},
		Question: m.Question,
	}
}

// FindAnswer returns the answer RRset for the given owner name and type,
// if present.
func (m *Message) FindAnswer(name Name, t RRType) (RRSet, bool) {
	for _, rec := range m.Answers {
		if rec.Set.Data != nil && rec.Set.Data.RRType() == t && rec.Name.Equal(name) {
			return rec.Set, true
		}
	}
	return RRSet{}, false
}
