package tpmlog

import "errors"

// MaxMessageSize bounds the message of a stored record.
const MaxMessageSize = 1 << 20

// ErrCorruptRecord means a stored record cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt record")

// TailState is the position of the last record in a store.
type TailState struct {
	Index uint64
	PCR   []byte
}

// Store is the local secure append-only log. Records are numbered from 1.
type Store interface {
	// Append persists r and returns the index it was assigned.
	Append(r SignedRecord) (uint64, error)
	// Iter streams records with Index >= startIdx. The returned func stops
	// the stream early and releases its resources.
	Iter(startIdx uint64) (<-chan SignedRecord, func() error, error)
	Tail() (TailState, bool, error)
	Close() error
}

// RangeStore is a Store that can answer timestamp window queries.
type RangeStore interface {
	Store
	// Range returns up to limit records with start <= Timestamp < end in
	// insertion order.
	Range(start, end float64, limit int) ([]SignedRecord, error)
}

// ReadAll drains Iter from startIdx into a slice.
func ReadAll(s Store, startIdx uint64) ([]SignedRecord, error) {
	ch, done, err := s.Iter(startIdx)
	if err != nil {
		return nil, err
	}
	var recs []SignedRecord
	for r := range ch {
		recs = append(recs, r)
	}
	return recs, done()
}
