// Package cache implements the resolver cache: an LRU of per-name
// entries (positive, negative, alias) with typed lookup, TTL aging and
// ranked replacement. Entries are refreshed on read; stale data is
// invisible to readers and physically removed on the next write or under
// LRU pressure.
package cache

import (
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/dnscore/internal/dns/domain"
)

// maxTTL is the RFC 1035 §7.3 recommended ceiling: inserted TTLs are
// smoothed down to one week.
const maxTTL = 7 * 24 * 3600

var (
	// ErrMiss reports that the cache holds nothing for the key.
	ErrMiss = errors.New("cache miss")
	// ErrDrop reports that the cache held only expired data for the key.
	ErrDrop = errors.New("cache entry expired")
)

// ResponseKind classifies what a cache hit holds.
type ResponseKind uint8

// Response kinds.
const (
	KindEntry ResponseKind = iota
	KindEntries
	KindNoData
	KindNoDomain
	KindServFail
	KindAlias
)

// Response is a successful cache lookup. TTLs are the remaining seconds
// at query time; negative responses carry the SOA minimum as TTL.
type Response struct {
	Kind     ResponseKind
	Set      domain.RRSet                 // Entry, Alias
	Map      map[domain.RRType]domain.RRSet // Entries (ANY)
	Target   domain.Name                  // Alias
	SOAOwner domain.Name                  // NoData, NoDomain, ServFail
	SOA      domain.SOA
}

// ValueKind classifies what an insert carries.
type ValueKind uint8

// Insert value kinds.
const (
	ValueEntry ValueKind = iota
	ValueNoData
	ValueNoDomain
	ValueServFail
)

// Value is the payload of one insert.
type Value struct {
	Kind     ValueKind
	Set      domain.RRSet // ValueEntry
	SOAOwner domain.Name  // negatives
	SOA      domain.SOA
}

// Stats holds the cache's operation counters. The counters are scoped to
// the cache value, not process-wide.
type Stats struct {
	Hit    uint64
	Miss   uint64
	Drop   uint64
	Insert uint64
}

// meta records the provenance of a cached value.
type meta struct {
	created time.Time
	rank    domain.Rank
}

// entryKind discriminates the per-name entry forms.
type entryKind uint8

const (
	entryAlias entryKind = iota
	entryNoDomain
	entryRRMap
)

// slot is one typed value inside an RRMap entry.
type slot struct {
	meta     meta
	kind     ValueKind
	set      domain.RRSet
	soaOwner domain.Name
	soa      domain.SOA
}

// entry is the whole per-name record: alias, no-domain, or a map over
// record types.
type entry struct {
	kind     entryKind
	meta     meta         // alias and no-domain forms
	set      domain.RRSet // alias CNAME set
	soaOwner domain.Name  // no-domain authority
	soa      domain.SOA
	slots    map[domain.RRType]*slot // rrmap form
}

// Cache is the ranked LRU resolver cache.
type Cache struct {
	lru      *lru.Cache[string, *entry]
	capacity int
	stats    Stats
}

// New returns a cache bounded to the given number of owner names.
func New(capacity int) (*Cache, error) {
	l, err := lru.New[string, *entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, capacity: capacity}, nil
}

// Size returns the number of owner names currently cached.
func (c *Cache) Size() int {
	return c.lru.Len()
}

// Capacity returns the configured owner-name bound.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Stats returns a snapshot of the operation counters.
func (c *Cache) Stats() Stats {
	return c.stats
}

// remaining returns the live TTL of a value created at m.created with the
// stored ttl, or false when it has aged out.
func remaining(now time.Time, m meta, ttl uint32) (uint32, bool) {
	elapsed := now.Sub(m.created)
	if elapsed < 0 {
		elapsed = 0
	}
	left := int64(ttl) - int64(elapsed/time.Second)
	if left <= 0 {
		return 0, false
	}
	return uint32(left), true
}

// smooth caps a TTL at the one-week ceiling.
func smooth(ttl uint32) uint32 {
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}

// Query looks up (rrtype, name) at the given time. Type ANY returns every
// live non-negative entry at the name. A hit refreshes the entry's LRU
// position. Misses and TTL drops are reported as ErrMiss and ErrDrop.
func (c *Cache) Query(now time.Time, rrtype domain.RRType, name domain.Name) (Response, error) {
	key := name.String()
	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Miss++
		return Response{}, ErrMiss
	}
	resp, err := c.read(now, e, rrtype)
	switch {
	case err == nil:
		c.stats.Hit++
	case errors.Is(err, ErrDrop):
		c.stats.Drop++
	default:
		c.stats.Miss++
	}
	return resp, err
}

func (c *Cache) read(now time.Time, e *entry, rrtype domain.RRType) (Response, error) {
	switch e.kind {
	case entryAlias:
		ttl, live := remaining(now, e.meta, e.set.TTL)
		if !live {
			return Response{}, ErrDrop
		}
		aged := domain.RRSet{TTL: ttl, Data: e.set.Data}
		target := e.set.Data.(domain.CNAMEData).Target
		if rrtype == domain.RRTypeCNAME {
			return Response{Kind: KindEntry, Set: aged}, nil
		}
		return Response{Kind: KindAlias, Set: aged, Target: target}, nil
	case entryNoDomain:
		if _, live := remaining(now, e.meta, smooth(e.soa.Minimum)); !live {
			return Response{}, ErrDrop
		}
		return Response{Kind: KindNoDomain, SOAOwner: e.soaOwner, SOA: e.soa}, nil
	default:
		if rrtype == domain.RRTypeANY {
			return c.readAny(now, e)
		}
		s, ok := e.slots[rrtype]
		if !ok {
			return Response{}, ErrMiss
		}
		return readSlot(now, s)
	}
}

func (c *Cache) readAny(now time.Time, e *entry) (Response, error) {
	out := make(map[domain.RRType]domain.RRSet)
	expired := false
	for t, s := range e.slots {
		if s.kind != ValueEntry {
			continue
		}
		ttl, live := remaining(now, s.meta, s.set.TTL)
		if !live {
			expired = true
			continue
		}
		out[t] = domain.RRSet{TTL: ttl, Data: s.set.Data}
	}
	if len(out) == 0 {
		if expired {
			return Response{}, ErrDrop
		}
		return Response{}, ErrMiss
	}
	return Response{Kind: KindEntries, Map: out}, nil
}

func readSlot(now time.Time, s *slot) (Response, error) {
	switch s.kind {
	case ValueEntry:
		ttl, live := remaining(now, s.meta, s.set.TTL)
		if !live {
			return Response{}, ErrDrop
		}
		return Response{Kind: KindEntry, Set: domain.RRSet{TTL: ttl, Data: s.set.Data}}, nil
	case ValueNoData:
		if _, live := remaining(now, s.meta, smooth(s.soa.Minimum)); !live {
			return Response{}, ErrDrop
		}
		return Response{Kind: KindNoData, SOAOwner: s.soaOwner, SOA: s.soa}, nil
	default:
		if _, live := remaining(now, s.meta, smooth(s.soa.Minimum)); !live {
			return Response{}, ErrDrop
		}
		return Response{Kind: KindServFail, SOAOwner: s.soaOwner, SOA: s.soa}, nil
	}
}

// Insert stores a value for (name, rrtype) with the given rank. If a live
// entry of strictly greater rank occupies the position, the insert is
// suppressed. TTLs are smoothed to the one-week ceiling before storage.
func (c *Cache) Insert(now time.Time, name domain.Name, rrtype domain.RRType, rank domain.Rank, v Value) {
	key := name.String()
	m := meta{created: now, rank: rank}

	existing, ok := c.lru.Peek(key)
	if ok && c.suppressed(now, existing, rrtype, rank) {
		return
	}
	c.stats.Insert++

	switch v.Kind {
	case ValueNoDomain:
		c.lru.Add(key, &entry{
			kind:     entryNoDomain,
			meta:     m,
			soaOwner: v.SOAOwner,
			soa:      v.SOA,
		})
		return
	case ValueEntry:
		if rrtype == domain.RRTypeCNAME {
			if _, isAlias := v.Set.Data.(domain.CNAMEData); isAlias {
				c.lru.Add(key, &entry{
					kind: entryAlias,
					meta: m,
					set:  domain.RRSet{TTL: smooth(v.Set.TTL), Data: v.Set.Data},
				})
				return
			}
		}
	}

	s := &slot{
		meta:     m,
		kind:     v.Kind,
		set:      domain.RRSet{TTL: smooth(v.Set.TTL), Data: v.Set.Data},
		soaOwner: v.SOAOwner,
		soa:      v.SOA,
	}
	if ok && existing.kind == entryRRMap {
		// Rebuild the slot map dropping anything that has aged out;
		// writes are where stale data is physically removed.
		slots := make(map[domain.RRType]*slot, len(existing.slots)+1)
		for t, old := range existing.slots {
			if _, live := remaining(now, old.meta, slotTTL(old)); live {
				slots[t] = old
			}
		}
		slots[rrtype] = s
		c.lru.Add(key, &entry{kind: entryRRMap, slots: slots})
		return
	}
	c.lru.Add(key, &entry{kind: entryRRMap, slots: map[domain.RRType]*slot{rrtype: s}})
}

func slotTTL(s *slot) uint32 {
	if s.kind == ValueEntry {
		return s.set.TTL
	}
	return smooth(s.soa.Minimum)
}

// suppressed reports whether a live resident entry outranks the incoming
// insert. Expired residents never suppress.
func (c *Cache) suppressed(now time.Time, e *entry, rrtype domain.RRType, rank domain.Rank) bool {
	switch e.kind {
	case entryAlias:
		if _, live := remaining(now, e.meta, e.set.TTL); !live {
			return false
		}
		return e.meta.rank > rank
	case entryNoDomain:
		if _, live := remaining(now, e.meta, smooth(e.soa.Minimum)); !live {
			return false
		}
		return e.meta.rank > rank
	default:
		s, ok := e.slots[rrtype]
		if !ok {
			return false
		}
		if _, live := remaining(now, s.meta, slotTTL(s)); !live {
			return false
		}
		return s.meta.rank > rank
	}
}

// Remove drops the whole per-name entry.
func (c *Cache) Remove(name domain.Name) {
	c.lru.Remove(name.String())
}
