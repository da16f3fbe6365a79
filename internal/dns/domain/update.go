package domain

// PrereqKind identifies an RFC 2136 §3.2 prerequisite variant.
type PrereqKind uint8

// Prerequisite variants.
const (
	PrereqNameInUse PrereqKind = iota
	PrereqExists
	PrereqNotNameInUse
	PrereqNotExists
	PrereqExistsData
)

// Prerequisite is one RFC 2136 prerequisite. Type is meaningful for the
// Exists, NotExists and ExistsData kinds; Data only for ExistsData.
type Prerequisite struct {
	Kind PrereqKind
	Name Name
	Type RRType
	Data RData
}

// UpdateKind identifies an RFC 2136 §3.4 update action variant.
type UpdateKind uint8

// Update action variants.
const (
	// UpdateRemove deletes the whole RRset of Type at Name. Type ANY
	// deletes every RRset at the name; Type SOA deletes the zone.
	UpdateRemove UpdateKind = iota
	// UpdateRemoveSingle subtracts the given members from the RRset,
	// deleting it when nothing remains.
	UpdateRemoveSingle
	// UpdateAdd unions the given RRset into the existing one, or inserts
	// it fresh.
	UpdateAdd
)

// UpdateAction is one RFC 2136 update action.
type UpdateAction struct {
	Kind UpdateKind
	Name Name
	Type RRType
	Set  RRSet // payload for Add and RemoveSingle
}

// UpdateRequest is a decoded dynamic-update message: the target zone, the
// prerequisites to validate, and the actions to apply atomically.
type UpdateRequest struct {
	Header  Header
	Zone    Name
	Prereqs []Prerequisite
	Actions []UpdateAction
	TSIG    *TSIG
}

// SignedBy reports whether the update carries a verified TSIG from the
// given key.
func (u *UpdateRequest) SignedBy(key Name) bool {
	return u.TSIG != nil && u.TSIG.Verified && u.TSIG.KeyName.Equal(key)
}

// KeyName returns the TSIG key name on the update, if any.
func (u *UpdateRequest) KeyName() (Name, bool) {
	if u.TSIG == nil || !u.TSIG.Verified {
		return Name{}, false
	}
	return u.TSIG.KeyName, true
}
