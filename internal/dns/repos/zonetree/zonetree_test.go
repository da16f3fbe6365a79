package zonetree

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnscore/internal/dns/domain"
)

func name(s string) domain.Name {
	return domain.MustParseName(s)
}

func aSet(addrs ...string) domain.RRSet {
	var out []netip.Addr
	for _, a := range addrs {
		out = append(out, netip.MustParseAddr(a))
	}
	return domain.RRSet{TTL: 3600, Data: domain.AData{Addrs: out}}
}

func nsSet(names ...string) domain.RRSet {
	var out []domain.Name
	for _, n := range names {
		out = append(out, name(n))
	}
	return domain.RRSet{TTL: 3600, Data: domain.NSData{Names: out}}
}

func soaSet(serial uint32) domain.RRSet {
	return domain.RRSet{TTL: 3600, Data: domain.SOAData{Record: domain.SOA{
		MName:   name("ns1.example.com"),
		RName:   name("hostmaster.example.com"),
		Serial:  serial,
		Refresh: 7200,
		Retry:   3600,
		Expire:  1209600,
		Minimum: 300,
	}}}
}

// exampleZone builds the zone used by most tests: example.com with one
// name server and one host.
func exampleZone() *Tree {
	t := New()
	t.Insert(name("example.com"), domain.RRTypeSOA, soaSet(1))
	t.Insert(name("example.com"), domain.RRTypeNS, nsSet("ns1.example.com"))
	t.Insert(name("ns1.example.com"), domain.RRTypeA, aSet("192.0.2.1"))
	return t
}

func TestLookup_Positive(t *testing.T) {
	tree := exampleZone()
	set, auth, err := tree.Lookup(name("ns1.example.com"), domain.RRTypeA)
	require.NoError(t, err)
	assert.Equal(t, aSet("192.0.2.1"), set)
	assert.True(t, auth.Apex.Equal(name("example.com")))
	assert.Equal(t, uint32(1), auth.SOA.Serial)
	require.True(t, auth.HasNS)
	assert.Equal(t, nsSet("ns1.example.com"), auth.NS)
}

func TestLookup_NotFound(t *testing.T) {
	tree := exampleZone()
	_, _, err := tree.Lookup(name("absent.example.com"), domain.RRTypeA)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.True(t, nf.Apex.Equal(name("example.com")))
	assert.Equal(t, uint32(300), nf.SOA.Minimum)
}

func TestLookup_EmptyNonTerminal(t *testing.T) {
	tree := exampleZone()
	tree.Insert(name("a.b.example.com"), domain.RRTypeA, aSet("192.0.2.9"))

	// b.example.com exists only as an interior node.
	_, _, err := tree.Lookup(name("b.example.com"), domain.RRTypeA)
	var ent *EmptyNonTerminalError
	require.ErrorAs(t, err, &ent)
	assert.True(t, ent.Apex.Equal(name("example.com")))

	// The host exists but has no TXT record.
	_, _, err = tree.Lookup(name("ns1.example.com"), domain.RRTypeTXT)
	require.ErrorAs(t, err, &ent)
}

func TestLookup_Delegation(t *testing.T) {
	tree := exampleZone()
	tree.Insert(name("sub.example.com"), domain.RRTypeNS, nsSet("ns.sub.example.com"))
	tree.Insert(name("ns.sub.example.com"), domain.RRTypeA, aSet("192.0.2.53"))

	_, _, err := tree.Lookup(name("host.sub.example.com"), domain.RRTypeA)
	var deleg *DelegationError
	require.ErrorAs(t, err, &deleg)
	assert.True(t, deleg.Apex.Equal(name("sub.example.com")))
	assert.Equal(t, nsSet("ns.sub.example.com"), deleg.NS)

	// The cut name itself answers with the NS set (it is the query target).
	set, _, err := tree.Lookup(name("sub.example.com"), domain.RRTypeNS)
	require.NoError(t, err)
	assert.Equal(t, nsSet("ns.sub.example.com"), set)
}

func TestLookup_DelegationIsNotReturnedForOwnApex(t *testing.T) {
	// A sub-zone with its own SOA is independent, not delegated away.
	tree := exampleZone()
	tree.Insert(name("sub.example.com"), domain.RRTypeSOA, soaSet(5))
	tree.Insert(name("sub.example.com"), domain.RRTypeNS, nsSet("ns.sub.example.com"))
	tree.Insert(name("www.sub.example.com"), domain.RRTypeA, aSet("192.0.2.80"))

	set, auth, err := tree.Lookup(name("www.sub.example.com"), domain.RRTypeA)
	require.NoError(t, err)
	assert.Equal(t, aSet("192.0.2.80"), set)
	assert.True(t, auth.Apex.Equal(name("sub.example.com")))
	assert.Equal(t, uint32(5), auth.SOA.Serial)
}

func TestLookup_NotAuthoritative(t *testing.T) {
	tree := exampleZone()
	_, _, err := tree.Lookup(name("www.example.org"), domain.RRTypeA)
	assert.ErrorIs(t, err, ErrNotAuthoritative)
}

func TestLookupAny(t *testing.T) {
	tree := exampleZone()
	m, auth, err := tree.LookupAny(name("example.com"))
	require.NoError(t, err)
	assert.Len(t, m, 2)
	assert.True(t, auth.Apex.Equal(name("example.com")))
}

func TestInsertLookupRoundTrip(t *testing.T) {
	// Property: every inserted RRset is returned by Lookup unless a later
	// insert overwrote it.
	tree := New()
	tree.Insert(name("example.com"), domain.RRTypeSOA, soaSet(1))
	inserts := []struct {
		owner domain.Name
		t     domain.RRType
		set   domain.RRSet
	}{
		{name("www.example.com"), domain.RRTypeA, aSet("192.0.2.1")},
		{name("www.example.com"), domain.RRTypeAAAA, domain.RRSet{TTL: 60, Data: domain.AAAAData{Addrs: []netip.Addr{netip.MustParseAddr("2001:db8::1")}}}},
		{name("www.example.com"), domain.RRTypeA, aSet("192.0.2.2")}, // overwrite
		{name("txt.example.com"), domain.RRTypeTXT, domain.RRSet{TTL: 60, Data: domain.TXTData{Strings: []string{"hi"}}}},
	}
	for _, in := range inserts {
		tree.Insert(in.owner, in.t, in.set)
	}
	set, _, err := tree.Lookup(name("www.example.com"), domain.RRTypeA)
	require.NoError(t, err)
	assert.Equal(t, aSet("192.0.2.2"), set)
	set, _, err = tree.Lookup(name("txt.example.com"), domain.RRTypeTXT)
	require.NoError(t, err)
	assert.Equal(t, "hi", set.Data.(domain.TXTData).Strings[0])
}

func TestRemove(t *testing.T) {
	tree := exampleZone()
	tree.Insert(name("ns1.example.com"), domain.RRTypeTXT, domain.RRSet{TTL: 60, Data: domain.TXTData{Strings: []string{"x"}}})
	tree.Remove(name("ns1.example.com"), domain.RRTypeTXT)
	_, _, err := tree.Lookup(name("ns1.example.com"), domain.RRTypeTXT)
	var ent *EmptyNonTerminalError
	assert.ErrorAs(t, err, &ent)

	tree.Remove(name("ns1.example.com"), domain.RRTypeA)
	_, _, err = tree.Lookup(name("ns1.example.com"), domain.RRTypeA)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf, "node disappears with its last RRset")
}

func TestRemoveZone_SparesReRootedSubZones(t *testing.T) {
	tree := exampleZone()
	tree.Insert(name("www.example.com"), domain.RRTypeA, aSet("192.0.2.10"))
	tree.Insert(name("sub.example.com"), domain.RRTypeSOA, soaSet(9))
	tree.Insert(name("host.sub.example.com"), domain.RRTypeA, aSet("192.0.2.11"))

	tree.RemoveZone(name("example.com"))

	_, ok := tree.Get(name("www.example.com"))
	assert.False(t, ok)
	_, ok = tree.Get(name("example.com"))
	assert.False(t, ok)
	assert.True(t, tree.IsApex(name("sub.example.com")))
	_, ok = tree.Get(name("host.sub.example.com"))
	assert.True(t, ok)
}

func TestClone_MutationsAreInvisible(t *testing.T) {
	tree := exampleZone()
	clone := tree.Clone()
	clone.Insert(name("new.example.com"), domain.RRTypeA, aSet("192.0.2.99"))
	clone.Remove(name("ns1.example.com"), domain.RRTypeA)

	_, ok := tree.Get(name("new.example.com"))
	assert.False(t, ok, "original must not see the clone's insert")
	_, _, err := tree.Lookup(name("ns1.example.com"), domain.RRTypeA)
	assert.NoError(t, err, "original must not see the clone's remove")
}

func TestEntries(t *testing.T) {
	tree := exampleZone()
	tree.Insert(name("www.example.com"), domain.RRTypeA, aSet("192.0.2.10"))
	soa, entries, err := tree.Entries(name("example.com"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), soa.Serial)
	assert.Len(t, entries, 3)
	assert.True(t, entries[0].Name.Equal(name("example.com")), "apex comes first in hierarchical order")

	_, _, err = tree.Entries(name("www.example.com"))
	assert.ErrorIs(t, err, ErrNotZoneApex)
}

func TestFold(t *testing.T) {
	tree := exampleZone()
	tree.Insert(name("www.example.com"), domain.RRTypeA, aSet("192.0.2.10"))
	count, err := Fold(tree, name("example.com"), domain.RRTypeA, 0, func(acc int, _ domain.Name, _ domain.RRSet) int {
		return acc + 1
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	all, err := Fold(tree, name("example.com"), domain.RRTypeANY, 0, func(acc int, _ domain.Name, _ domain.RRSet) int {
		return acc + 1
	})
	require.NoError(t, err)
	assert.Equal(t, 4, all)
}

func TestCheck(t *testing.T) {
	tree := exampleZone()
	require.NoError(t, tree.Check())

	// CNAME co-existence is rejected.
	bad := tree.Clone()
	bad.Insert(name("www.example.com"), domain.RRTypeCNAME, domain.RRSet{TTL: 60, Data: domain.CNAMEData{Target: name("example.com")}})
	bad.Insert(name("www.example.com"), domain.RRTypeA, aSet("192.0.2.1"))
	assert.Error(t, bad.Check())

	// Records with no enclosing SOA are rejected.
	orphan := New()
	orphan.Insert(name("host.example.org"), domain.RRTypeA, aSet("192.0.2.2"))
	assert.Error(t, orphan.Check())

	// Non-glue below a delegation cut is rejected.
	glue := exampleZone()
	glue.Insert(name("sub.example.com"), domain.RRTypeNS, nsSet("ns.sub.example.com"))
	glue.Insert(name("ns.sub.example.com"), domain.RRTypeA, aSet("192.0.2.53"))
	require.NoError(t, glue.Check())
	glue.Insert(name("ns.sub.example.com"), domain.RRTypeTXT, domain.RRSet{TTL: 60, Data: domain.TXTData{Strings: []string{"not glue"}}})
	assert.Error(t, glue.Check())
}

func TestZoneCutConsistency(t *testing.T) {
	// Property: a Delegation result names a strict ancestor of the query
	// that has NS but no SOA, and the returned NS set matches the tree.
	tree := exampleZone()
	tree.Insert(name("sub.example.com"), domain.RRTypeNS, nsSet("ns.sub.example.com"))

	q := name("deep.host.sub.example.com")
	_, _, err := tree.Lookup(q, domain.RRTypeA)
	var deleg *DelegationError
	require.ErrorAs(t, err, &deleg)
	assert.True(t, q.IsStrictSubdomainOf(deleg.Apex))
	m, ok := tree.Get(deleg.Apex)
	require.True(t, ok)
	_, hasSOA := m.SOA()
	assert.False(t, hasSOA)
	gotNS, hasNS := m.NS()
	require.True(t, hasNS)
	assert.Equal(t, gotNS, deleg.NS)
}

func TestApexOf(t *testing.T) {
	tree := exampleZone()
	apex, soa, ok := tree.ApexOf(name("deep.www.example.com"))
	require.True(t, ok)
	assert.True(t, apex.Equal(name("example.com")))
	assert.Equal(t, uint32(1), soa.Serial)

	_, _, ok = tree.ApexOf(name("example.org"))
	assert.False(t, ok)
}
