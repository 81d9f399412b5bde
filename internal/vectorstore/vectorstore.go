package vectorstore

import (
	"errors"
	"fmt"

	"trialtrends/internal/core"
)

// ErrDimensionMismatch is returned when records in one store have vectors of
// different lengths.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Store is the ordered, read-only set of condition embeddings used for
// grouping. Iteration order is the order records were added and decides
// which name becomes canonical within a group.
type Store struct {
	records    []core.EmbeddingRecord
	index      map[string]int
	dimensions int
	dropped    int
}

// StoreStats provides metrics about the store
type StoreStats struct {
	Records    int `json:"records"`
	Dimensions int `json:"dimensions"`
	Dropped    int `json:"dropped"` // Duplicate names removed after normalization
}

// New builds a store from records in order. Condition names are normalized;
// when two records normalize to the same name the first one wins.
func New(records []core.EmbeddingRecord) (*Store, error) {
	s := &Store{
		records: make([]core.EmbeddingRecord, 0, len(records)),
		index:   make(map[string]int, len(records)),
	}
	for _, rec := range records {
		if _, err := s.add(rec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) add(rec core.EmbeddingRecord) (bool, error) {
	name := core.NormalizeCondition(rec.Condition)
	if name == "" {
		return false, nil
	}
	if len(rec.Vector) == 0 {
		return false, fmt.Errorf("%w: empty vector for %q", ErrDimensionMismatch, name)
	}
	if s.dimensions == 0 {
		s.dimensions = len(rec.Vector)
	} else if len(rec.Vector) != s.dimensions {
		return false, fmt.Errorf("%w: %q has %d dimensions, store has %d",
			ErrDimensionMismatch, name, len(rec.Vector), s.dimensions)
	}
	if _, exists := s.index[name]; exists {
		s.dropped++
		return false, nil
	}

	vector := make([]float64, len(rec.Vector))
	copy(vector, rec.Vector)

	s.index[name] = len(s.records)
	s.records = append(s.records, core.EmbeddingRecord{Condition: name, Vector: vector})
	return true, nil
}

// Len returns the number of records
func (s *Store) Len() int {
	return len(s.records)
}

// Dimensions returns the vector length shared by all records, 0 when empty
func (s *Store) Dimensions() int {
	return s.dimensions
}

// Records returns the records in store order. The slice must not be modified.
func (s *Store) Records() []core.EmbeddingRecord {
	return s.records
}

// Lookup returns the vector stored for a condition name
func (s *Store) Lookup(condition string) ([]float64, bool) {
	i, ok := s.index[core.NormalizeCondition(condition)]
	if !ok {
		return nil, false
	}
	return s.records[i].Vector, true
}

// Mask returns, for every record in store order, whether its name is in members.
func (s *Store) Mask(members map[string]bool) []bool {
	mask := make([]bool, len(s.records))
	for i, rec := range s.records {
		mask[i] = members[rec.Condition]
	}
	return mask
}

// Restrict returns the records whose names are in members, keeping store order.
func (s *Store) Restrict(members map[string]bool) []core.EmbeddingRecord {
	mask := s.Mask(members)
	var out []core.EmbeddingRecord
	for i, keep := range mask {
		if keep {
			out = append(out, s.records[i])
		}
	}
	return out
}

// Stats reports the size of the store
func (s *Store) Stats() StoreStats {
	return StoreStats{Records: len(s.records), Dimensions: s.dimensions, Dropped: s.dropped}
}
