package knowledge

import (
	"sort"
	"strings"
	"sync"
)

// Base is the read-only knowledge base adapter. All lookups run against
// an immutable index snapshot; Reload swaps the snapshot atomically so
// readers never observe a partially-built corpus.
type Base struct {
	mu  sync.RWMutex
	idx *index
}

// index is one immutable corpus snapshot.
type index struct {
	version  string
	byID     map[string]*Technique
	byTactic map[string][]*Technique
	ordered  []*Technique
}

// newIndex builds an index from a technique list. Later duplicates of
// the same ID replace earlier ones, which is how directory shards
// override the embedded seed corpus.
func newIndex(version string, techniques []Technique) *index {
	idx := &index{
		version: version,
		byID:    make(map[string]*Technique, len(techniques)),
	}

	for i := range techniques {
		t := techniques[i]
		t.ID = strings.ToUpper(strings.TrimSpace(t.ID))
		if t.ID == "" {
			continue
		}
		idx.byID[t.ID] = &t
	}

	ids := make([]string, 0, len(idx.byID))
	for id := range idx.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	idx.byTactic = make(map[string][]*Technique)
	idx.ordered = make([]*Technique, 0, len(ids))
	for _, id := range ids {
		t := idx.byID[id]
		idx.ordered = append(idx.ordered, t)
		key := normalizeTactic(t.Tactic)
		idx.byTactic[key] = append(idx.byTactic[key], t)
	}

	return idx
}

func normalizeTactic(tactic string) string {
	return strings.ToLower(strings.TrimSpace(tactic))
}

// Lookup returns the technique with the given ID, or false when the ID
// is not in the corpus. Matching is case-insensitive.
func (b *Base) Lookup(id string) (*Technique, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.idx.byID[strings.ToUpper(strings.TrimSpace(id))]
	return t, ok
}

// SearchByTactic returns all techniques for a tactic in ID order.
func (b *Base) SearchByTactic(tactic string) []*Technique {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.idx.byTactic[normalizeTactic(tactic)]
}

// SearchByKeyword returns up to limit techniques whose name, tactic, or
// description contains the given text (case-insensitive).
func (b *Base) SearchByKeyword(text string, limit int) []*Technique {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" || limit <= 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var matches []*Technique
	for _, t := range b.idx.ordered {
		if strings.Contains(strings.ToLower(t.Name), needle) ||
			strings.Contains(normalizeTactic(t.Tactic), needle) ||
			strings.Contains(strings.ToLower(t.Description), needle) {
			matches = append(matches, t)
			if len(matches) == limit {
				break
			}
		}
	}
	return matches
}

// Len returns the number of techniques in the corpus.
func (b *Base) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.idx.byID)
}

// Version returns the corpus version string.
func (b *Base) Version() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.idx.version
}

// swap atomically replaces the corpus snapshot.
func (b *Base) swap(idx *index) {
	b.mu.Lock()
	b.idx = idx
	b.mu.Unlock()
}
