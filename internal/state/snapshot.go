package state

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Snapshot is an immutable view of all tracked devices.
type Snapshot struct {
	version    uint64
	builtAt    time.Time
	season     string
	categories map[string][]*Record
	index      map[string]location
}

type location struct {
	category string
	pos      int
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		categories: map[string][]*Record{},
		index:      map[string]location{},
	}
}

// newSnapshot builds a snapshot from records grouped by category. Record
// order within a category is preserved.
func newSnapshot(version uint64, builtAt time.Time, season string, categories map[string][]*Record) *Snapshot {
	s := &Snapshot{
		version:    version,
		builtAt:    builtAt,
		season:     season,
		categories: categories,
		index:      make(map[string]location),
	}
	for cat, recs := range categories {
		for i, rec := range recs {
			s.index[rec.ID()] = location{category: cat, pos: i}
		}
	}
	return s
}

// NewSnapshot builds a snapshot from records in the given order, grouping
// them by category. A repeated id keeps its first record.
func NewSnapshot(version uint64, builtAt time.Time, season string, records ...*Record) *Snapshot {
	categories := make(map[string][]*Record)
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if seen[rec.ID()] {
			continue
		}
		seen[rec.ID()] = true
		categories[rec.Category()] = append(categories[rec.Category()], rec)
	}
	return newSnapshot(version, builtAt, season, categories)
}

// withVersion returns a copy of s sharing all records with a new version.
func (s *Snapshot) withVersion(version uint64) *Snapshot {
	c := *s
	c.version = version
	return &c
}

// withRecord returns a new snapshot with the record at loc replaced.
// Only the owning category list is cloned; the index is shared because
// positions do not change.
func (s *Snapshot) withRecord(loc location, rec *Record, builtAt time.Time) *Snapshot {
	categories := maps.Clone(s.categories)
	list := slices.Clone(categories[loc.category])
	list[loc.pos] = rec
	categories[loc.category] = list

	return &Snapshot{
		version:    s.version + 1,
		builtAt:    builtAt,
		season:     s.season,
		categories: categories,
		index:      s.index,
	}
}

// Version increases with every published snapshot. Zero means no poll has
// succeeded yet.
func (s *Snapshot) Version() uint64 { return s.version }

// BuiltAt returns when this snapshot was published.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Season returns the hub-wide season scalar.
func (s *Snapshot) Season() string { return s.season }

// Len returns the number of devices.
func (s *Snapshot) Len() int { return len(s.index) }

// Categories returns the non-empty categories in sorted order.
func (s *Snapshot) Categories() []string {
	return slices.Sorted(maps.Keys(s.categories))
}

// Records returns the records of a category in hub order. The slice is a
// copy; the records are shared and immutable.
func (s *Snapshot) Records(category string) []*Record {
	return slices.Clone(s.categories[category])
}

// Lookup returns a device by category and id.
func (s *Snapshot) Lookup(category, id string) (*Record, bool) {
	loc, ok := s.index[id]
	if !ok || loc.category != category {
		return nil, false
	}
	return s.categories[loc.category][loc.pos], true
}

// Find returns a device by id regardless of category.
func (s *Snapshot) Find(id string) (*Record, bool) {
	loc, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.categories[loc.category][loc.pos], true
}

func (s *Snapshot) locate(id string) (location, *Record, bool) {
	loc, ok := s.index[id]
	if !ok {
		return location{}, nil, false
	}
	return loc, s.categories[loc.category][loc.pos], true
}

// MarshalJSON implements json.Marshaler.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Version uint64               `json:"version"`
		BuiltAt time.Time            `json:"built_at"`
		Season  string               `json:"season,omitempty"`
		Devices map[string][]*Record `json:"devices"`
	}{s.version, s.builtAt, s.season, s.categories})
}
