package tpmlog

import (
	"bytes"
	"errors"
	"testing"
)

func TestReplayChain(t *testing.T) {
	c := newTestChain(t, newFakeTPM(SHA256), nil)
	recs := signMessages(t, c, "a", "b", "c", "d")

	last, err := ReplayChain(SHA256, recs, nil)
	if err != nil {
		t.Fatalf("ReplayChain: %v", err)
	}
	if !bytes.Equal(last, recs[3].PCR) {
		t.Errorf("replay ended at %x, want %x", last, recs[3].PCR)
	}
}

func TestReplayChain_FromKnownStart(t *testing.T) {
	c := newTestChain(t, newFakeTPM(SHA256), nil)
	recs := signMessages(t, c, "a", "b", "c")

	// Replaying only the tail needs the predecessor as the start value.
	if _, err := ReplayChain(SHA256, recs[1:], recs[0].PCR); err != nil {
		t.Fatalf("replay from known start: %v", err)
	}
	if _, err := ReplayChain(SHA256, recs[2:], recs[0].PCR); err == nil {
		t.Fatal("replay from the wrong start succeeded")
	}
}

func TestReplayChain_DetectsTampering(t *testing.T) {
	c := newTestChain(t, newFakeTPM(SHA256), nil)
	base := signMessages(t, c, "a", "b", "c", "d")

	tests := map[string]func([]SignedRecord) []SignedRecord{
		"removed record": func(r []SignedRecord) []SignedRecord {
			return append(append([]SignedRecord{}, r[:1]...), r[2:]...)
		},
		"reordered": func(r []SignedRecord) []SignedRecord {
			out := append([]SignedRecord{}, r...)
			out[1], out[2] = out[2], out[1]
			return out
		},
		"edited message": func(r []SignedRecord) []SignedRecord {
			out := append([]SignedRecord{}, r...)
			out[2].Message = "x"
			return out
		},
		"forged new chain": func(r []SignedRecord) []SignedRecord {
			out := append([]SignedRecord{}, r...)
			out[2].IsNewChain = true
			return out
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReplayChain(SHA256, mutate(base), nil)
			if !errors.Is(err, ErrChainBroken) {
				t.Fatalf("expected ErrChainBroken, got %v", err)
			}
			if !errors.Is(err, ErrVerificationMismatch) {
				t.Error("chain break is not a verification mismatch")
			}
			var re *ReplayError
			if !errors.As(err, &re) {
				t.Fatalf("expected *ReplayError, got %T", err)
			}
		})
	}
}

func TestChainTracker_ReanchorsAfterMismatch(t *testing.T) {
	c := newTestChain(t, newFakeTPM(SHA256), nil)
	recs := signMessages(t, c, "a", "b", "c", "d")

	tr := NewChainTracker(SHA256, nil)
	if err := tr.Check(recs[0]); err != nil {
		t.Fatal(err)
	}
	// recs[1] missing: recs[2] breaks, then recs[3] follows recs[2] again.
	if err := tr.Check(recs[2]); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected break, got %v", err)
	}
	if err := tr.Check(recs[3]); err != nil {
		t.Fatalf("tracker did not re-anchor: %v", err)
	}
}

func TestChainTracker_AnchorsOnFirstMidChainRecord(t *testing.T) {
	c := newTestChain(t, newFakeTPM(SHA256), nil)
	recs := signMessages(t, c, "a", "b", "c")

	tr := NewChainTracker(SHA256, nil)
	if err := tr.Check(recs[1]); err != nil {
		t.Fatalf("mid-chain record without predecessor: %v", err)
	}
	if err := tr.Check(recs[2]); err != nil {
		t.Fatalf("follow-up record: %v", err)
	}
	if !bytes.Equal(tr.Last(), recs[2].PCR) {
		t.Error("Last does not report the newest PCR")
	}

	bad := recs[1]
	bad.PCR = []byte{1, 2, 3}
	if err := NewChainTracker(SHA256, nil).Check(bad); !errors.Is(err, ErrChainBroken) {
		t.Errorf("short PCR accepted as anchor: %v", err)
	}
}
