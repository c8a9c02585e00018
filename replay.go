package tpmlog

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrVerificationMismatch is the parent of every per-record verification failure.
var ErrVerificationMismatch = errors.New("verification mismatch")

var (
	// ErrSignatureInvalid means a record signature does not verify over its message.
	ErrSignatureInvalid = fmt.Errorf("%w: signature invalid", ErrVerificationMismatch)
	// ErrChainBroken means a record PCR does not follow from its predecessor.
	ErrChainBroken = fmt.Errorf("%w: chain broken", ErrVerificationMismatch)
)

// ChainTracker checks that consecutive records form one extend sequence.
// The zero value is not usable; use NewChainTracker.
type ChainTracker struct {
	alg  HashAlg
	prev []byte
}

// NewChainTracker starts tracking from start, which may be nil when the
// predecessor of the first record is unknown.
func NewChainTracker(alg HashAlg, start []byte) *ChainTracker {
	return &ChainTracker{alg: alg, prev: append([]byte(nil), start...)}
}

// Last returns the PCR value of the last record seen.
func (t *ChainTracker) Last() []byte { return t.prev }

// Check validates r against the previous record and advances to it.
// A new-chain record must equal H(zero || digest). Any other record must
// equal H(prev || digest); without a known predecessor it becomes the anchor.
// After a mismatch the tracker re-anchors on r.
func (t *ChainTracker) Check(r SignedRecord) error {
	digest := SumDigest(t.alg, CanonicalMessage(r.Message))

	var want []byte
	switch {
	case r.IsNewChain:
		want = ExtendDigest(t.alg, ZeroDigest(t.alg), digest)
	case len(t.prev) == 0:
		if len(r.PCR) != t.alg.Size() {
			return fmt.Errorf("%w: pcr is %d bytes", ErrChainBroken, len(r.PCR))
		}
		t.prev = append([]byte(nil), r.PCR...)
		return nil
	default:
		want = ExtendDigest(t.alg, t.prev, digest)
	}

	t.prev = append([]byte(nil), r.PCR...)
	if !hmac.Equal(want, r.PCR) {
		return fmt.Errorf("%w: pcr %s, expected %s",
			ErrChainBroken, hex.EncodeToString(r.PCR), hex.EncodeToString(want))
	}
	return nil
}

// ReplayError locates the first record that failed a replay.
type ReplayError struct {
	Position int
	Err      error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Position, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// ReplayChain recomputes the PCR sequence of records starting from start
// and returns the last PCR value. It stops at the first inconsistency.
func ReplayChain(alg HashAlg, records []SignedRecord, start []byte) ([]byte, error) {
	t := NewChainTracker(alg, start)
	for i, r := range records {
		if err := t.Check(r); err != nil {
			return nil, &ReplayError{Position: i, Err: err}
		}
	}
	return t.Last(), nil
}
