package domain

import "fmt"

// Opcode represents a DNS message operation code.
type Opcode uint8

// DNS opcode constants per RFC 1035, RFC 1996 and RFC 2136.
const (
	OpcodeQuery  Opcode = 0
	OpcodeNotify Opcode = 4
	OpcodeUpdate Opcode = 5
)

// IsValid returns true if the Opcode is one this engine understands.
func (o Opcode) IsValid() bool {
	switch o {
	case OpcodeQuery, OpcodeNotify, OpcodeUpdate:
		return true
	default:
		return false
	}
}

// String returns the textual representation of the Opcode.
func (o Opcode) String() string {
	switch o {
	case OpcodeQuery:
		return "QUERY"
	case OpcodeNotify:
		return "NOTIFY"
	case OpcodeUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(o))
	}
}
