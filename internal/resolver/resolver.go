// Package resolver reconciles free-form entity references produced by the
// oracle with canonical entity IDs.
//
// Matching is exact on purpose: a reference either is a canonical ID, or
// equals an entity name after trimming and case folding. Anything else is
// unresolved and the caller drops the instruction that carried it.
package resolver

import (
	"strings"

	"multiverse-ripple/internal/entity"

	"github.com/google/uuid"
)

// IsCanonicalID reports whether ref is a UUID in its canonical 36-char form.
func IsCanonicalID(ref string) bool {
	if len(ref) != 36 {
		return false
	}
	_, err := uuid.Parse(ref)
	return err == nil
}

// Resolve maps reference to an entity ID. A canonical ID is returned
// unchanged without consulting known.
func Resolve(reference string, known []*entity.Entity) (string, bool) {
	if IsCanonicalID(reference) {
		return reference, true
	}
	needle := strings.TrimSpace(reference)
	if needle == "" {
		return "", false
	}
	for _, e := range known {
		if e == nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(e.Name), needle) {
			return e.ID, true
		}
	}
	return "", false
}

// Index resolves repeatedly against the same collection. It also accepts
// non-UUID IDs that belong to the collection, since seeded worlds may use
// semantic IDs.
type Index struct {
	byName map[string]string
	byID   map[string]struct{}
}

func NewIndex(known []*entity.Entity) *Index {
	idx := &Index{
		byName: make(map[string]string, len(known)),
		byID:   make(map[string]struct{}, len(known)),
	}
	for _, e := range known {
		if e == nil {
			continue
		}
		idx.byID[e.ID] = struct{}{}
		key := strings.ToLower(strings.TrimSpace(e.Name))
		if _, taken := idx.byName[key]; !taken {
			idx.byName[key] = e.ID
		}
	}
	return idx
}

func (idx *Index) Resolve(reference string) (string, bool) {
	if IsCanonicalID(reference) {
		return reference, true
	}
	if _, ok := idx.byID[reference]; ok {
		return reference, true
	}
	needle := strings.ToLower(strings.TrimSpace(reference))
	if needle == "" {
		return "", false
	}
	id, ok := idx.byName[needle]
	return id, ok
}
