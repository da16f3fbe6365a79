package zonestore

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/repos/zonetree"
)

func name(s string) domain.Name {
	return domain.MustParseName(s)
}

func testTree() *zonetree.Tree {
	tree := zonetree.New()
	tree.Insert(name("example.com"), domain.RRTypeSOA, domain.RRSet{TTL: 300, Data: domain.SOAData{Record: domain.SOA{
		MName: name("ns1.example.com"), RName: name("hostmaster.example.com"),
		Serial: 11, Refresh: 7200, Retry: 3600, Expire: 1209600, Minimum: 300,
	}}})
	tree.Insert(name("ns1.example.com"), domain.RRTypeA, domain.RRSet{TTL: 300, Data: domain.AData{
		Addrs: []netip.Addr{netip.MustParseAddr("192.0.2.1")},
	}})
	return tree
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "zones.db"))
	require.NoError(t, err)
	defer store.Close()

	tree := testTree()
	soa, entries, err := tree.Entries(name("example.com"))
	require.NoError(t, err)
	require.NoError(t, store.SaveZone(name("example.com"), soa, entries))

	records, found, err := store.LoadZone(name("example.com"))
	require.NoError(t, err)
	require.True(t, found)

	restored := zonetree.New()
	for _, rec := range records {
		restored.Merge(rec.Name, rec.Set.Data.RRType(), rec.Set)
	}
	gotSOA, ok := restored.SOA(name("example.com"))
	require.True(t, ok)
	assert.Equal(t, uint32(11), gotSOA.Serial)
	_, ok = restored.Get(name("ns1.example.com"))
	assert.True(t, ok)
}

func TestLoadZone_Missing(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "zones.db"))
	require.NoError(t, err)
	defer store.Close()

	_, found, err := store.LoadZone(name("absent.example"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestZonesAndDelete(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "zones.db"))
	require.NoError(t, err)
	defer store.Close()

	tree := testTree()
	soa, entries, err := tree.Entries(name("example.com"))
	require.NoError(t, err)
	require.NoError(t, store.SaveZone(name("example.com"), soa, entries))

	zones, err := store.Zones()
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.True(t, zones[0].Equal(name("example.com")))

	require.NoError(t, store.DeleteZone(name("example.com")))
	_, found, err := store.LoadZone(name("example.com"))
	require.NoError(t, err)
	assert.False(t, found)
}
