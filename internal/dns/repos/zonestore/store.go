// Package zonestore persists transferred zones in a bbolt database so a
// restarted secondary can serve stale data until its next refresh.
// Records are stored in presentation form as one JSON value per zone apex,
// keyed by the apex name in a single bucket.
package zonestore

import (
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/dnscore/internal/dns/common/rrdata"
	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/repos/zonetree"
	"github.com/haukened/dnscore/internal/dns/services/secondary"
)

var bucketZones = []byte("zones")

// storedRecord is the on-disk form of one record.
type storedRecord struct {
	Name string `json:"name"`
	Type string `json:"type"`
	TTL  uint32 `json:"ttl"`
	Text string `json:"text"`
}

// Store is a bbolt-backed zone snapshot store.
type Store struct {
	db *bbolt.DB
}

var _ secondary.SnapshotSink = (*Store)(nil)

// Open opens (or creates) the snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketZones)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveZone replaces the stored snapshot of zone with the given entries.
func (s *Store) SaveZone(zone domain.Name, soa domain.SOA, entries []zonetree.Entry) error {
	var records []storedRecord
	for _, entry := range entries {
		for rrtype, set := range entry.Records {
			for _, text := range rrdata.Format(set.Data) {
				records = append(records, storedRecord{
					Name: entry.Name.String(),
					Type: rrtype.String(),
					TTL:  set.TTL,
					Text: text,
				})
			}
		}
	}
	blob, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketZones).Put([]byte(zone.String()), blob)
	})
}

// LoadZone reads the stored snapshot of zone into records suitable for
// merging into a trie. Returns false when no snapshot exists.
func (s *Store) LoadZone(zone domain.Name) ([]domain.Record, bool, error) {
	var blob []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketZones).Get([]byte(zone.String())); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if blob == nil {
		return nil, false, nil
	}
	var stored []storedRecord
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, false, fmt.Errorf("corrupt snapshot for %s: %w", zone, err)
	}
	out := make([]domain.Record, 0, len(stored))
	for _, sr := range stored {
		name, err := domain.ParseName(sr.Name)
		if err != nil {
			return nil, false, err
		}
		data, err := rrdata.Parse(domain.RRTypeFromString(sr.Type), sr.Text)
		if err != nil {
			return nil, false, err
		}
		out = append(out, domain.Record{Name: name, Set: domain.RRSet{TTL: sr.TTL, Data: data}})
	}
	return out, true, nil
}

// Zones lists the apexes with stored snapshots.
func (s *Store) Zones() ([]domain.Name, error) {
	var out []domain.Name
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketZones).ForEach(func(k, _ []byte) error {
			name, err := domain.ParseName(string(k))
			if err != nil {
				return err
			}
			out = append(out, name)
			return nil
		})
	})
	return out, err
}

// DeleteZone removes the stored snapshot of zone.
func (s *Store) DeleteZone(zone domain.Name) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketZones).Delete([]byte(zone.String()))
	})
}
