package tpmlog

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

//revive:disable:cyclomatic High complexity acceptable in tests
//revive:disable:cognitive-complexity High complexity acceptable in tests
//revive:disable:function-length Long test functions are acceptable

var errBoom = errors.New("boom")

func TestChain_InitializeNotProvisioned(t *testing.T) {
	tpm := newFakeTPM(SHA256)
	dir := t.TempDir()
	c := NewChain(tpm, ChainConfig{
		PCRIndex: DefaultPCRIndex,
		Keys: KeyFiles{
			Public:  filepath.Join(dir, "missing.pub"),
			Private: filepath.Join(dir, "missing.priv"),
		},
		Logger: discardLogger(),
	})

	err := c.Initialize()
	if !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}
	if n := tpm.callCount(OpLoadKey); n != 0 {
		t.Errorf("LoadKey called %d times before the existence check passed", n)
	}
	if c.State().KeyLoaded {
		t.Error("key reported loaded after failed Initialize")
	}
}

func TestChain_InitializeMissingPrimary(t *testing.T) {
	keys := writeKeyFiles(t)
	keys.Primary = filepath.Join(t.TempDir(), "primary.ctx")
	c := NewChain(newFakeTPM(SHA256), ChainConfig{Keys: keys, Logger: discardLogger()})

	if err := c.Initialize(); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned for missing primary context, got %v", err)
	}
}

func TestChain_InitializeKeyLoadFailed(t *testing.T) {
	tpm := newFakeTPM(SHA256)
	tpm.failOn(OpLoadKey, errBoom)
	c := NewChain(tpm, ChainConfig{Keys: writeKeyFiles(t), Logger: discardLogger()})

	err := c.Initialize()
	if !errors.Is(err, ErrKeyLoadFailed) {
		t.Fatalf("expected ErrKeyLoadFailed, got %v", err)
	}
	op, ok := IsTPMFailure(err)
	if !ok || op != OpLoadKey {
		t.Errorf("expected TPM failure for %s, got %q (%v)", OpLoadKey, op, ok)
	}
}

func TestChain_ResetLockoutFailureIsNotFatal(t *testing.T) {
	tpm := newFakeTPM(SHA256)
	tpm.failOn(OpResetLockout, errBoom)
	var logs bytes.Buffer
	c := NewChain(tpm, ChainConfig{
		PCRIndex:     DefaultPCRIndex,
		Keys:         writeKeyFiles(t),
		ResetLockout: true,
		Logger:       bufferLogger(&logs),
	})

	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if tpm.callCount(OpResetLockout) != 1 {
		t.Error("dictionary lockout reset was not attempted")
	}
	if !strings.Contains(logs.String(), "dictionary lockout reset failed") {
		t.Errorf("missing lockout warning in logs: %s", logs.String())
	}
}

func TestChain_SignBeforeInitialize(t *testing.T) {
	c := NewChain(newFakeTPM(SHA256), ChainConfig{Logger: discardLogger()})
	if _, err := c.Sign(LogEntry{Message: "x"}); !errors.Is(err, ErrKeyNotLoaded) {
		t.Fatalf("expected ErrKeyNotLoaded, got %v", err)
	}
	if _, err := c.VerifyExternal(SignedRecord{}); !errors.Is(err, ErrKeyNotLoaded) {
		t.Fatalf("expected ErrKeyNotLoaded from VerifyExternal, got %v", err)
	}
}

func TestChain_SignFollowsExtendSequence(t *testing.T) {
	for _, alg := range []HashAlg{SHA1, SHA256} {
		t.Run(alg.String(), func(t *testing.T) {
			tpm := newFakeTPM(alg)
			c := newTestChain(t, tpm, nil)

			recs := signMessages(t, c, "first", "second", "third")

			prev := ZeroDigest(alg)
			for i, r := range recs {
				want := ExtendDigest(alg, prev, SumDigest(alg, []byte(r.Message)))
				if !bytes.Equal(r.PCR, want) {
					t.Fatalf("record %d: PCR %x, want %x", i, r.PCR, want)
				}
				if len(r.PCR) != alg.Size() {
					t.Errorf("record %d: PCR is %d bytes", i, len(r.PCR))
				}
				ok, err := c.VerifyExternal(r)
				if err != nil || !ok {
					t.Errorf("record %d does not verify: ok=%v err=%v", i, ok, err)
				}
				prev = r.PCR
			}
			if !recs[0].IsNewChain {
				t.Error("first record after a fresh PCR must start a new chain")
			}
			if recs[1].IsNewChain || recs[2].IsNewChain {
				t.Error("later records must not start a new chain")
			}
			if !bytes.Equal(c.State().LastPCR, recs[2].PCR) {
				t.Error("chain state does not track the last PCR")
			}
			if _, err := ReplayChain(alg, recs, nil); err != nil {
				t.Errorf("replay failed: %v", err)
			}
		})
	}
}

func TestChain_NewChainAfterReset(t *testing.T) {
	tpm := newFakeTPM(SHA256)
	c := newTestChain(t, tpm, nil)

	before := signMessages(t, c, "a", "b")
	if err := tpm.ResetPCR(DefaultPCRIndex); err != nil {
		t.Fatal(err)
	}
	after := signMessages(t, c, "c", "d")

	if !before[0].IsNewChain || before[1].IsNewChain {
		t.Errorf("unexpected new-chain flags before reset: %v %v", before[0].IsNewChain, before[1].IsNewChain)
	}
	if !after[0].IsNewChain {
		t.Error("first record after reset must start a new chain")
	}
	if after[1].IsNewChain {
		t.Error("second record after reset must not start a new chain")
	}

	all := append(before, after...)
	if _, err := ReplayChain(SHA256, all, nil); err != nil {
		t.Errorf("replay across reset failed: %v", err)
	}
}

func TestChain_NotNewChainWhenRegisterInUse(t *testing.T) {
	tpm := newFakeTPM(SHA256)
	if err := tpm.ExtendPCR(DefaultPCRIndex, SumDigest(SHA256, []byte("earlier boot"))); err != nil {
		t.Fatal(err)
	}
	c := newTestChain(t, tpm, nil)

	recs := signMessages(t, c, "resume")
	if recs[0].IsNewChain {
		t.Error("record extending a non-zero PCR must not start a new chain")
	}
}

func TestChain_SignFailurePhases(t *testing.T) {
	tests := []struct {
		op    string
		phase error
	}{
		{OpHash, ErrHashFailed},
		{OpExtendPCR, ErrExtendFailed},
		{OpReadPCR, ErrReadFailed},
		{OpSign, ErrSignFailed},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			tpm := newFakeTPM(SHA256)
			c := newTestChain(t, tpm, nil)
			tpm.failOn(tt.op, errBoom)

			r, err := c.Sign(LogEntry{Message: "doomed"})
			if !errors.Is(err, tt.phase) {
				t.Fatalf("expected %v, got %v", tt.phase, err)
			}
			if !errors.Is(err, errBoom) {
				t.Errorf("cause not preserved: %v", err)
			}
			if op, ok := IsTPMFailure(err); !ok || op != tt.op {
				t.Errorf("expected TPM failure op %s, got %q", tt.op, op)
			}
			if r.PCR != nil || r.Signature != nil {
				t.Error("a partial record was returned")
			}

			// The next entry goes through once the TPM recovers.
			tpm.failOn(tt.op, nil)
			if _, err := c.Sign(LogEntry{Message: "next"}); err != nil {
				t.Errorf("sign after recovery: %v", err)
			}
		})
	}
}

func TestChain_ReadFailureForgetsLastPCR(t *testing.T) {
	tpm := newFakeTPM(SHA256)
	c := newTestChain(t, tpm, nil)
	signMessages(t, c, "one")

	tpm.failOn(OpReadPCR, errBoom)
	if _, err := c.Sign(LogEntry{Message: "two"}); err == nil {
		t.Fatal("expected read failure")
	}
	if c.State().LastPCR != nil {
		t.Error("LastPCR must be cleared when the post-extend read fails")
	}
}

func TestChain_WarnsWhenPCRMovedElsewhere(t *testing.T) {
	tpm := newFakeTPM(SHA256)
	var logs bytes.Buffer
	c := newTestChain(t, tpm, bufferLogger(&logs))
	signMessages(t, c, "one")

	// Someone else extends the register between two signs.
	if err := tpm.ExtendPCR(DefaultPCRIndex, SumDigest(SHA256, []byte("intruder"))); err != nil {
		t.Fatal(err)
	}
	logs.Reset()
	signMessages(t, c, "two")

	out := logs.String()
	if !strings.Contains(out, "pcr moved outside this chain") || !strings.Contains(out, `"event":"security"`) {
		t.Errorf("expected a security warning, got: %s", out)
	}
}

func TestChain_CountDefaultsToOne(t *testing.T) {
	c := newTestChain(t, newFakeTPM(SHA256), nil)
	id := 291

	r, err := c.Sign(LogEntry{Message: "m", CanID: &id, Timestamp: 12.5})
	if err != nil {
		t.Fatal(err)
	}
	if r.Count != 1 {
		t.Errorf("Count = %d, want 1", r.Count)
	}
	if r.CanID == nil || *r.CanID != 291 || r.Timestamp != 12.5 {
		t.Errorf("entry fields not carried over: %+v", r)
	}

	r, err = c.Sign(LogEntry{Message: "m", Count: 4})
	if err != nil {
		t.Fatal(err)
	}
	if r.Count != 4 {
		t.Errorf("Count = %d, want 4", r.Count)
	}
}

func TestChain_VerifyExternalRejectsTampering(t *testing.T) {
	tpm := newFakeTPM(SHA256)
	c := newTestChain(t, tpm, nil)
	r := signMessages(t, c, "original")[0]

	forged := r
	forged.Message = "forged"
	ok, err := c.VerifyExternal(forged)
	if err != nil {
		t.Fatalf("VerifyExternal: %v", err)
	}
	if ok {
		t.Error("forged message verified")
	}

	tpm.failOn(OpVerify, errBoom)
	if _, err := c.VerifyExternal(r); err == nil {
		t.Error("TPM failure during verify was swallowed")
	} else if op, _ := IsTPMFailure(err); op != OpVerify {
		t.Errorf("expected %s failure, got %v", OpVerify, err)
	}
}

func TestChain_InitializeVerifierRequiresKey(t *testing.T) {
	c := NewChain(newFakeTPM(SHA256), ChainConfig{Logger: discardLogger()})
	if err := c.InitializeVerifier(); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}

	c = NewChain(newFakeTPM(SHA256), ChainConfig{
		VerifyKey: filepath.Join(t.TempDir(), "absent.pub"),
		Logger:    discardLogger(),
	})
	if err := c.InitializeVerifier(); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned for missing file, got %v", err)
	}
}

func TestChain_StateIsACopy(t *testing.T) {
	c := newTestChain(t, newFakeTPM(SHA256), nil)
	signMessages(t, c, "x")

	s := c.State()
	s.LastPCR[0] ^= 0xff
	if bytes.Equal(s.LastPCR, c.State().LastPCR) {
		t.Error("State exposes internal PCR buffer")
	}
}

func TestChain_InitializeReadsCurrentPCR(t *testing.T) {
	tpm := newFakeTPM(SHA256)
	seed := SumDigest(SHA256, []byte("seed"))
	if err := tpm.ExtendPCR(DefaultPCRIndex, seed); err != nil {
		t.Fatal(err)
	}
	c := newTestChain(t, tpm, nil)
	want := ExtendDigest(SHA256, ZeroDigest(SHA256), seed)
	if !bytes.Equal(c.State().LastPCR, want) {
		t.Errorf("LastPCR %x, want %x", c.State().LastPCR, want)
	}
}
