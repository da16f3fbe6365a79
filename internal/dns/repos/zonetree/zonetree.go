// Package zonetree implements the authoritative record store: a radix
// tree keyed by reversed label sequences, with lookup semantics per RFC
// 1034/1035 (delegations, empty non-terminals, NXDOMAIN with SOA).
//
// The tree is persistent: every mutation produces a new root and leaves
// prior roots untouched, so a transaction works on a Clone and commits by
// swapping trees. This is what makes dynamic updates atomic.
package zonetree

import (
	"bytes"
	"errors"
	"fmt"

	iradix "github.com/hashicorp/go-immutable-radix/v2"

	"github.com/haukened/dnscore/internal/dns/domain"
)

// ErrNotAuthoritative is returned when no enclosing zone apex exists for
// the queried name.
var ErrNotAuthoritative = errors.New("no enclosing zone apex")

// ErrNotZoneApex is returned by Entries and Fold when the given name does
// not hold an SOA.
var ErrNotZoneApex = errors.New("name is not a zone apex")

// DelegationError reports that the name lies below a zone cut not owned
// by this tree. It carries the cut name and the delegating NS RRset.
type DelegationError struct {
	Apex domain.Name
	NS   domain.RRSet
}

func (e *DelegationError) Error() string {
	return fmt.Sprintf("delegated at %s", e.Apex)
}

// EmptyNonTerminalError reports that the name exists as an interior node
// but holds no RRset of the requested type.
type EmptyNonTerminalError struct {
	Apex domain.Name
	SOA  domain.SOA
}

func (e *EmptyNonTerminalError) Error() string {
	return fmt.Sprintf("empty non-terminal under %s", e.Apex)
}

// NotFoundError reports that the name is absent; it carries the enclosing
// zone apex and its SOA for the authority section.
type NotFoundError struct {
	Apex domain.Name
	SOA  domain.SOA
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("name not found under %s", e.Apex)
}

// Authority is the delegation context of a successful lookup: the
// enclosing zone apex, its SOA, and the apex NS RRset when present.
type Authority struct {
	Apex  domain.Name
	SOA   domain.SOA
	NS    domain.RRSet
	HasNS bool
}

// Tree is the authoritative record store. The zero value is not usable;
// call New.
type Tree struct {
	root *iradix.Tree[domain.RRMap]
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{root: iradix.New[domain.RRMap]()}
}

// Clone returns an independent handle onto the same persistent root.
// Mutations on either handle are invisible to the other.
func (t *Tree) Clone() *Tree {
	return &Tree{root: t.root}
}

// Len returns the number of owner names holding records.
func (t *Tree) Len() int {
	return t.root.Len()
}

// Get returns the raw record map at name, if any.
func (t *Tree) Get(name domain.Name) (domain.RRMap, bool) {
	return t.root.Get(name.Key())
}

// locate walks from the root toward name, tracking the nearest enclosing
// zone apex and detecting zone cuts. A node carrying NS but no SOA that
// is not the target itself delegates everything beneath it.
func (t *Tree) locate(name domain.Name) (Authority, error) {
	var auth Authority
	found := false
	for skip := name.Len(); skip >= 0; skip-- {
		ancestor := name.Skip(skip)
		m, ok := t.root.Get(ancestor.Key())
		if !ok {
			continue
		}
		if soa, hasSOA := m.SOA(); hasSOA {
			auth = Authority{Apex: ancestor, SOA: soa}
			if ns, hasNS := m.NS(); hasNS {
				auth.NS = ns
				auth.HasNS = true
			}
			found = true
			continue
		}
		if ns, hasNS := m.NS(); hasNS && skip > 0 {
			return Authority{}, &DelegationError{Apex: ancestor, NS: ns}
		}
	}
	if !found {
		return Authority{}, ErrNotAuthoritative
	}
	return auth, nil
}

// hasDescendants reports whether any stored name falls strictly under name.
func (t *Tree) hasDescendants(name domain.Name) bool {
	key := name.Key()
	it := t.root.Root().Iterator()
	it.SeekPrefix(key)
	for k, _, ok := it.Next(); ok; k, _, ok = it.Next() {
		if !bytes.Equal(k, key) {
			return true
		}
	}
	return false
}

// Lookup resolves (name, type) against the tree. On success it returns
// the RRset and the enclosing zone's authority context. Failure is one of
// *DelegationError, *EmptyNonTerminalError, *NotFoundError or
// ErrNotAuthoritative.
func (t *Tree) Lookup(name domain.Name, rrtype domain.RRType) (domain.RRSet, Authority, error) {
	auth, err := t.locate(name)
	if err != nil {
		return domain.RRSet{}, Authority{}, err
	}
	m, ok := t.root.Get(name.Key())
	if !ok {
		if t.hasDescendants(name) {
			return domain.RRSet{}, Authority{}, &EmptyNonTerminalError{Apex: auth.Apex, SOA: auth.SOA}
		}
		return domain.RRSet{}, Authority{}, &NotFoundError{Apex: auth.Apex, SOA: auth.SOA}
	}
	set, ok := m[rrtype]
	if !ok {
		return domain.RRSet{}, Authority{}, &EmptyNonTerminalError{Apex: auth.Apex, SOA: auth.SOA}
	}
	return set, auth, nil
}

// LookupAny resolves the whole record map of name with the same failure
// taxonomy as Lookup.
func (t *Tree) LookupAny(name domain.Name) (domain.RRMap, Authority, error) {
	auth, err := t.locate(name)
	if err != nil {
		return nil, Authority{}, err
	}
	m, ok := t.root.Get(name.Key())
	if !ok || len(m) == 0 {
		if t.hasDescendants(name) || ok {
			return nil, Authority{}, &EmptyNonTerminalError{Apex: auth.Apex, SOA: auth.SOA}
		}
		return nil, Authority{}, &NotFoundError{Apex: auth.Apex, SOA: auth.SOA}
	}
	return m, auth, nil
}

// Insert stores an RRset at (name, type), replacing any existing set of
// that type. Intermediate names exist implicitly.
func (t *Tree) Insert(name domain.Name, rrtype domain.RRType, set domain.RRSet) {
	m, ok := t.root.Get(name.Key())
	if ok {
		m = m.Clone()
	} else {
		m = make(domain.RRMap, 1)
	}
	m[rrtype] = set
	t.root, _, _ = t.root.Insert(name.Key(), m)
}

// Merge unions an RRset into the existing set at (name, type), or inserts
// it fresh. The TTL of the incoming set wins.
func (t *Tree) Merge(name domain.Name, rrtype domain.RRType, set domain.RRSet) {
	if m, ok := t.root.Get(name.Key()); ok {
		if existing, ok := m[rrtype]; ok {
			set = domain.RRSet{TTL: set.TTL, Data: domain.UnionRData(existing.Data, set.Data)}
		}
	}
	t.Insert(name, rrtype, set)
}

// Remove deletes the RRset of the given type at name. The node is removed
// entirely once its last RRset is gone.
func (t *Tree) Remove(name domain.Name, rrtype domain.RRType) {
	m, ok := t.root.Get(name.Key())
	if !ok {
		return
	}
	if _, ok := m[rrtype]; !ok {
		return
	}
	m = m.Clone()
	delete(m, rrtype)
	if len(m) == 0 {
		t.root, _, _ = t.root.Delete(name.Key())
		return
	}
	t.root, _, _ = t.root.Insert(name.Key(), m)
}

// RemoveAll deletes every RRset at name.
func (t *Tree) RemoveAll(name domain.Name) {
	t.root, _, _ = t.root.Delete(name.Key())
}

// RemoveZone erases the whole subtree rooted at apex, sparing re-rooted
// sub-zones: a descendant holding its own SOA is an independent zone and
// survives together with everything beneath it.
func (t *Tree) RemoveZone(apex domain.Name) {
	apexKey := apex.Key()
	var doomed [][]byte
	var spare []byte
	it := t.root.Root().Iterator()
	it.SeekPrefix(apexKey)
	for k, m, ok := it.Next(); ok; k, m, ok = it.Next() {
		if spare != nil && bytes.HasPrefix(k, spare) {
			continue
		}
		if !bytes.Equal(k, apexKey) {
			if _, hasSOA := m.SOA(); hasSOA {
				spare = append([]byte(nil), k...)
				continue
			}
		}
		doomed = append(doomed, append([]byte(nil), k...))
	}
	txn := t.root.Txn()
	for _, k := range doomed {
		txn.Delete(k)
	}
	t.root = txn.Commit()
}

// Entry is one owner name and its records, yielded by Entries.
type Entry struct {
	Name    domain.Name
	Records domain.RRMap
}

// Entries returns the zone's SOA and every owner name under apex in
// hierarchical order, excluding re-rooted sub-zones. Fails with
// ErrNotZoneApex when apex holds no SOA.
func (t *Tree) Entries(apex domain.Name) (domain.SOA, []Entry, error) {
	m, ok := t.root.Get(apex.Key())
	if !ok {
		return domain.SOA{}, nil, ErrNotZoneApex
	}
	soa, ok := m.SOA()
	if !ok {
		return domain.SOA{}, nil, ErrNotZoneApex
	}
	var entries []Entry
	apexKey := apex.Key()
	var spare []byte
	it := t.root.Root().Iterator()
	it.SeekPrefix(apexKey)
	for k, rm, ok := it.Next(); ok; k, rm, ok = it.Next() {
		if spare != nil && bytes.HasPrefix(k, spare) {
			continue
		}
		if !bytes.Equal(k, apexKey) {
			if _, hasSOA := rm.SOA(); hasSOA {
				spare = append([]byte(nil), k...)
				continue
			}
		}
		entries = append(entries, Entry{Name: domain.NameFromKey(k), Records: rm})
	}
	return soa, entries, nil
}

// Fold runs a structural traversal over every RRset of the given type
// under apex, threading an accumulator. Type ANY visits every RRset.
func Fold[T any](t *Tree, apex domain.Name, rrtype domain.RRType, init T, f func(acc T, name domain.Name, set domain.RRSet) T) (T, error) {
	_, entries, err := t.Entries(apex)
	if err != nil {
		return init, err
	}
	acc := init
	for _, e := range entries {
		if rrtype == domain.RRTypeANY {
			for _, set := range e.Records {
				acc = f(acc, e.Name, set)
			}
			continue
		}
		if set, ok := e.Records[rrtype]; ok {
			acc = f(acc, e.Name, set)
		}
	}
	return acc, nil
}

// Replace swaps this tree's root for another's. Committing a transaction
// is Clone, mutate, Check, Replace.
func (t *Tree) Replace(from *Tree) {
	t.root = from.root
}

// Walk visits every owner name in hierarchical order until f returns
// false.
func (t *Tree) Walk(f func(name domain.Name, records domain.RRMap) bool) {
	it := t.root.Root().Iterator()
	for k, m, ok := it.Next(); ok; k, m, ok = it.Next() {
		if !f(domain.NameFromKey(k), m) {
			return
		}
	}
}

// IsApex reports whether name holds an SOA.
func (t *Tree) IsApex(name domain.Name) bool {
	m, ok := t.root.Get(name.Key())
	if !ok {
		return false
	}
	_, hasSOA := m.SOA()
	return hasSOA
}

// SOA returns the SOA stored at apex, if any.
func (t *Tree) SOA(apex domain.Name) (domain.SOA, bool) {
	m, ok := t.root.Get(apex.Key())
	if !ok {
		return domain.SOA{}, false
	}
	return m.SOA()
}

// ApexOf returns the nearest enclosing zone apex of name, crossing zone
// cuts. Unlike locate it ignores delegations, so callers can find the
// zone a name administratively belongs to.
func (t *Tree) ApexOf(name domain.Name) (domain.Name, domain.SOA, bool) {
	for skip := 0; skip <= name.Len(); skip++ {
		ancestor := name.Skip(skip)
		if m, ok := t.root.Get(ancestor.Key()); ok {
			if soa, hasSOA := m.SOA(); hasSOA {
				return ancestor, soa, true
			}
		}
	}
	return domain.Name{}, domain.SOA{}, false
}

// Apexes returns every zone apex in the tree.
func (t *Tree) Apexes() []domain.Name {
	var out []domain.Name
	it := t.root.Root().Iterator()
	for k, m, ok := it.Next(); ok; k, m, ok = it.Next() {
		if _, hasSOA := m.SOA(); hasSOA {
			out = append(out, domain.NameFromKey(k))
		}
	}
	return out
}

// Check validates the global invariants of the tree: a CNAME owner holds
// no other RRsets, every record-bearing node falls under some zone apex,
// and names below a delegation cut hold glue (A/AAAA) only.
func (t *Tree) Check() error {
	it := t.root.Root().Iterator()
	for k, m, ok := it.Next(); ok; k, m, ok = it.Next() {
		name := domain.NameFromKey(k)
		if m.HasCNAME() && len(m) > 1 {
			return fmt.Errorf("%s: CNAME coexists with other record types", name)
		}
		if _, _, found := t.ApexOf(name); !found {
			return fmt.Errorf("%s: records outside any zone (no enclosing SOA)", name)
		}
		if cut, delegated := t.enclosingCut(name); delegated {
			for rrtype := range m {
				if rrtype != domain.RRTypeA && rrtype != domain.RRTypeAAAA {
					return fmt.Errorf("%s: %s record below delegation cut %s", name, rrtype, cut)
				}
			}
		}
	}
	return nil
}

// enclosingCut reports whether name falls strictly below a zone cut (an
// ancestor with NS but no SOA).
func (t *Tree) enclosingCut(name domain.Name) (domain.Name, bool) {
	for skip := 1; skip <= name.Len(); skip++ {
		ancestor := name.Skip(skip)
		m, ok := t.root.Get(ancestor.Key())
		if !ok {
			continue
		}
		if _, hasSOA := m.SOA(); hasSOA {
			return domain.Name{}, false
		}
		if _, hasNS := m.NS(); hasNS {
			return ancestor, true
		}
	}
	return domain.Name{}, false
}
