// Package zone loads authoritative zone data from a directory of YAML,
// JSON, or TOML files and merges it into the trie. This is the
// administrative bulk-load path; the classic RFC 1035 master-file parser
// is an external collaborator and feeds the same merge entry point.
package zone

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/haukened/dnscore/internal/dns/common/rrdata"
	"github.com/haukened/dnscore/internal/dns/domain"
	"github.com/haukened/dnscore/internal/dns/repos/zonetree"
)

// Loaded is one parsed zone file: the apex and its records.
type Loaded struct {
	Root    domain.Name
	Records []domain.Record
}

// LoadDirectory walks dir, loading every supported zone file. Each file
// names its apex via the zone_root key; every record takes defaultTTL, as
// the files carry no per-record TTL. Any parse failure fails the whole load.
func LoadDirectory(dir string, defaultTTL time.Duration) ([]Loaded, error) {
	var zones []Loaded
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		loaded, err := loadFile(path, defaultTTL)
		if err != nil {
			return fmt.Errorf("error parsing zone file %s: %w", path, err)
		}
		if loaded != nil {
			zones = append(zones, *loaded)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return zones, nil
}

// MergeIntoTree bulk-inserts loaded zones into the trie and validates the
// result.
func MergeIntoTree(tree *zonetree.Tree, zones []Loaded) error {
	for _, z := range zones {
		for _, rec := range z.Records {
			tree.Merge(rec.Name, rec.Set.Data.RRType(), rec.Set)
		}
	}
	return tree.Check()
}

// loadFile parses a single zone file; unsupported extensions load nothing.
func loadFile(path string, defaultTTL time.Duration) (*Loaded, error) {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return nil, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("failed to load zone file: %w", err)
	}

	rootStr := k.String("zone_root")
	if rootStr == "" {
		return nil, fmt.Errorf("missing 'zone_root'")
	}
	root, err := domain.ParseName(rootStr)
	if err != nil {
		return nil, fmt.Errorf("invalid zone_root: %w", err)
	}

	out := &Loaded{Root: root}
	for owner, raw := range k.Raw() {
		if owner == "zone_root" {
			continue
		}
		rawMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fqdn, err := expandName(owner, root)
		if err != nil {
			return nil, err
		}
		for typeStr, val := range rawMap {
			rrtype := domain.RRTypeFromString(strings.ToUpper(typeStr))
			if !rrtype.IsData() {
				return nil, fmt.Errorf("unsupported record type %q at %s", typeStr, fqdn)
			}
			for _, text := range toStringValues(val) {
				data, err := rrdata.Parse(rrtype, text)
				if err != nil {
					return nil, fmt.Errorf("invalid %s record at %s: %w", rrtype, fqdn, err)
				}
				out.Records = append(out.Records, domain.Record{
					Name: fqdn,
					Set:  domain.RRSet{TTL: uint32(defaultTTL.Seconds()), Data: data},
				})
			}
		}
	}
	return out, nil
}

// expandName resolves a zone-file owner label against the apex: '@' is
// the apex itself, names with a trailing dot are absolute, everything
// else is relative.
func expandName(label string, root domain.Name) (domain.Name, error) {
	if label == "@" {
		return root, nil
	}
	if strings.HasSuffix(label, ".") {
		return domain.ParseName(label)
	}
	return domain.ParseName(label + "." + root.String())
}

// toStringValues normalizes a parsed value (string or list of strings)
// into non-empty strings, silently skipping anything else.
func toStringValues(val any) []string {
	switch v := val.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		return []string{s}
	case []any:
		var out []string
		for _, elem := range v {
			s, ok := elem.(string)
			if !ok {
				continue
			}
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			out = append(out, s)
		}
		return out
	default:
		return nil
	}
}
