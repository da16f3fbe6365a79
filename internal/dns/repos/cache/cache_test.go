package cache

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnscore/internal/dns/domain"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func name(s string) domain.Name {
	return domain.MustParseName(s)
}

func aValue(ttl uint32, addr string) Value {
	return Value{Kind: ValueEntry, Set: domain.RRSet{
		TTL:  ttl,
		Data: domain.AData{Addrs: []netip.Addr{netip.MustParseAddr(addr)}},
	}}
}

func cnameValue(ttl uint32, target string) Value {
	return Value{Kind: ValueEntry, Set: domain.RRSet{
		TTL:  ttl,
		Data: domain.CNAMEData{Target: name(target)},
	}}
}

func testSOA() domain.SOA {
	return domain.SOA{
		MName:   name("ns1.example.com"),
		RName:   name("hostmaster.example.com"),
		Serial:  1,
		Minimum: 60,
	}
}

func TestQuery_MissThenHit(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	_, err = c.Query(t0, domain.RRTypeA, name("www.example.com"))
	assert.ErrorIs(t, err, ErrMiss)

	c.Insert(t0, name("www.example.com"), domain.RRTypeA, domain.RankAuthoritativeAnswer, aValue(300, "192.0.2.1"))
	resp, err := c.Query(t0.Add(10*time.Second), domain.RRTypeA, name("www.example.com"))
	require.NoError(t, err)
	assert.Equal(t, KindEntry, resp.Kind)
	assert.Equal(t, uint32(290), resp.Set.TTL, "remaining TTL is aged")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hit)
	assert.Equal(t, uint64(1), stats.Miss)
	assert.Equal(t, uint64(1), stats.Insert)
}

func TestTTLAging(t *testing.T) {
	// Property: inserted at t0 with ttl τ, queries at t < t0+τ see the
	// entry with remaining ttl τ−(t−t0); queries from t0+τ on get a Drop.
	c, _ := New(8)
	c.Insert(t0, name("www.example.com"), domain.RRTypeA, domain.RankAuthoritativeAnswer, aValue(100, "192.0.2.1"))

	resp, err := c.Query(t0.Add(99*time.Second), domain.RRTypeA, name("www.example.com"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), resp.Set.TTL)

	_, err = c.Query(t0.Add(101*time.Second), domain.RRTypeA, name("www.example.com"))
	assert.ErrorIs(t, err, ErrDrop, "expired entries drop, not miss")
	assert.Equal(t, uint64(1), c.Stats().Drop)
}

func TestRankMonotonicity(t *testing.T) {
	// Property: a lower-ranked insert never replaces a live higher-ranked
	// entry; equal or greater rank replaces.
	c, _ := New(8)
	c.Insert(t0, name("www.example.com"), domain.RRTypeA, domain.RankZoneTransfer, aValue(300, "192.0.2.1"))
	c.Insert(t0, name("www.example.com"), domain.RRTypeA, domain.RankNonAuthoritativeAnswer, aValue(300, "192.0.2.99"))

	resp, err := c.Query(t0, domain.RRTypeA, name("www.example.com"))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", resp.Set.Data.(domain.AData).Addrs[0].String(), "higher rank wins")

	c.Insert(t0, name("www.example.com"), domain.RRTypeA, domain.RankZoneFile, aValue(300, "192.0.2.50"))
	resp, err = c.Query(t0, domain.RRTypeA, name("www.example.com"))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.50", resp.Set.Data.(domain.AData).Addrs[0].String())
}

func TestRank_ExpiredEntryNeverSuppresses(t *testing.T) {
	c, _ := New(8)
	c.Insert(t0, name("www.example.com"), domain.RRTypeA, domain.RankZoneFile, aValue(10, "192.0.2.1"))
	later := t0.Add(time.Minute)
	c.Insert(later, name("www.example.com"), domain.RRTypeA, domain.RankAdditional, aValue(300, "192.0.2.2"))

	resp, err := c.Query(later, domain.RRTypeA, name("www.example.com"))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.2", resp.Set.Data.(domain.AData).Addrs[0].String())
}

func TestTTLSmoothing(t *testing.T) {
	c, _ := New(8)
	c.Insert(t0, name("www.example.com"), domain.RRTypeA, domain.RankZoneFile, aValue(30*24*3600, "192.0.2.1"))
	resp, err := c.Query(t0, domain.RRTypeA, name("www.example.com"))
	require.NoError(t, err)
	assert.LessOrEqual(t, resp.Set.TTL, uint32(7*24*3600), "TTL smoothed to one week")
}

func TestAlias(t *testing.T) {
	c, _ := New(8)
	c.Insert(t0, name("a.example.com"), domain.RRTypeCNAME, domain.RankAuthoritativeAnswer, cnameValue(300, "b.example.com"))

	// Asking for A yields the alias to chase.
	resp, err := c.Query(t0, domain.RRTypeA, name("a.example.com"))
	require.NoError(t, err)
	assert.Equal(t, KindAlias, resp.Kind)
	assert.True(t, resp.Target.Equal(name("b.example.com")))

	// Asking for CNAME yields the record itself.
	resp, err = c.Query(t0, domain.RRTypeCNAME, name("a.example.com"))
	require.NoError(t, err)
	assert.Equal(t, KindEntry, resp.Kind)
}

func TestNegativeEntries(t *testing.T) {
	c, _ := New(8)
	soa := testSOA()

	c.Insert(t0, name("gone.example.com"), domain.RRTypeCNAME, domain.RankAuthoritativeAnswer, Value{
		Kind: ValueNoDomain, SOAOwner: name("example.com"), SOA: soa,
	})
	resp, err := c.Query(t0, domain.RRTypeA, name("gone.example.com"))
	require.NoError(t, err)
	assert.Equal(t, KindNoDomain, resp.Kind)
	assert.True(t, resp.SOAOwner.Equal(name("example.com")))

	// The negative entry ages by the SOA minimum.
	_, err = c.Query(t0.Add(time.Duration(soa.Minimum+1)*time.Second), domain.RRTypeA, name("gone.example.com"))
	assert.ErrorIs(t, err, ErrDrop)

	c.Insert(t0, name("empty.example.com"), domain.RRTypeTXT, domain.RankAuthoritativeAuthority, Value{
		Kind: ValueNoData, SOAOwner: name("example.com"), SOA: soa,
	})
	resp, err = c.Query(t0, domain.RRTypeTXT, name("empty.example.com"))
	require.NoError(t, err)
	assert.Equal(t, KindNoData, resp.Kind)
}

func TestQueryAny(t *testing.T) {
	c, _ := New(8)
	c.Insert(t0, name("www.example.com"), domain.RRTypeA, domain.RankZoneFile, aValue(300, "192.0.2.1"))
	c.Insert(t0, name("www.example.com"), domain.RRTypeTXT, domain.RankZoneFile, Value{
		Kind: ValueEntry,
		Set:  domain.RRSet{TTL: 30, Data: domain.TXTData{Strings: []string{"hi"}}},
	})
	c.Insert(t0, name("www.example.com"), domain.RRTypeMX, domain.RankAuthoritativeAuthority, Value{
		Kind: ValueNoData, SOAOwner: name("example.com"), SOA: testSOA(),
	})

	resp, err := c.Query(t0.Add(10*time.Second), domain.RRTypeANY, name("www.example.com"))
	require.NoError(t, err)
	require.Equal(t, KindEntries, resp.Kind)
	assert.Len(t, resp.Map, 2, "negative entries are excluded from ANY")

	// After the TXT expires only the A remains.
	resp, err = c.Query(t0.Add(60*time.Second), domain.RRTypeANY, name("www.example.com"))
	require.NoError(t, err)
	assert.Len(t, resp.Map, 1)
}

func TestLRUEviction(t *testing.T) {
	c, _ := New(2)
	c.Insert(t0, name("a.example.com"), domain.RRTypeA, domain.RankZoneFile, aValue(300, "192.0.2.1"))
	c.Insert(t0, name("b.example.com"), domain.RRTypeA, domain.RankZoneFile, aValue(300, "192.0.2.2"))
	c.Insert(t0, name("c.example.com"), domain.RRTypeA, domain.RankZoneFile, aValue(300, "192.0.2.3"))

	assert.Equal(t, 2, c.Size())
	assert.Equal(t, 2, c.Capacity())
	_, err := c.Query(t0, domain.RRTypeA, name("a.example.com"))
	assert.ErrorIs(t, err, ErrMiss, "oldest entry evicted")
}

func TestInsert_WriteRemovesExpiredSlots(t *testing.T) {
	c, _ := New(8)
	c.Insert(t0, name("www.example.com"), domain.RRTypeA, domain.RankZoneFile, aValue(10, "192.0.2.1"))
	later := t0.Add(time.Minute)
	c.Insert(later, name("www.example.com"), domain.RRTypeTXT, domain.RankZoneFile, Value{
		Kind: ValueEntry,
		Set:  domain.RRSet{TTL: 300, Data: domain.TXTData{Strings: []string{"hi"}}},
	})
	// The expired A slot is gone entirely: a fresh query is a miss, not a drop.
	_, err := c.Query(later, domain.RRTypeA, name("www.example.com"))
	assert.ErrorIs(t, err, ErrMiss)
}
