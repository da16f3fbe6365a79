package domain

// SOA is a start-of-authority record, identifying the primary server and
// the replication timers of a zone.
type SOA struct {
	MName   Name   // primary name server
	RName   Name   // responsible mailbox, dots-as-labels form
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32 // negative-caching TTL floor
}

// Equal reports whether two SOA records are field-for-field identical.
func (s SOA) Equal(other SOA) bool {
	return s.MName.Equal(other.MName) &&
		s.RName.Equal(other.RName) &&
		s.Serial == other.Serial &&
		s.Refresh == other.Refresh &&
		s.Retry == other.Retry &&
		s.Expire == other.Expire &&
		s.Minimum == other.Minimum
}

// SerialNewer reports whether serial a is newer than b under RFC 1982
// sequence-space arithmetic (mod 2^32 comparison).
func SerialNewer(a, b uint32) bool {
	if a == b {
		return false
	}
	return (a > b && a-b < 1<<31) || (a < b && b-a > 1<<31)
}

// InvalidSOA synthesizes a fallback SOA for negative caching when a
// response carries no real authority. The invalid labels keep the record
// from ever being confused with live data, and the minimum of 300 seconds
// bounds how long the synthetic negative entry lives.
func InvalidSOA(name Name) SOA {
	ns, err := JoinPrefix("ns.invalid", name)
	if err != nil {
		ns = MustParseName("ns.invalid")
	}
	hostmaster, err := JoinPrefix("hostmaster.invalid", name)
	if err != nil {
		hostmaster = MustParseName("hostmaster.invalid")
	}
	return SOA{
		MName:   ns,
		RName:   hostmaster,
		Serial:  1,
		Refresh: 16384,
		Retry:   2048,
		Expire:  1048576,
		Minimum: 300,
	}
}

// JoinPrefix prepends the given presentation-format prefix labels to name.
func JoinPrefix(prefix string, name Name) (Name, error) {
	if name.IsRoot() {
		return ParseName(prefix)
	}
	return ParseName(prefix + "." + name.String())
}
