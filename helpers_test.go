package tpmlog

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// fakeTPM is a software TPM: PCRs are extended with the real hash function
// and signatures are HMACs under a fixed key.
type fakeTPM struct {
	mu      sync.Mutex
	alg     HashAlg
	pcrs    map[int][]byte
	key     []byte
	calls   []string
	extends [][]byte
	fail    map[string]error
	resets  int
	active  int // concurrent operations in flight
	overlap bool
}

func newFakeTPM(alg HashAlg) *fakeTPM {
	return &fakeTPM{
		alg:  alg,
		pcrs: make(map[int][]byte),
		key:  []byte("fake-signing-key"),
		fail: make(map[string]error),
	}
}

func (f *fakeTPM) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active++
	if f.active > 1 {
		f.overlap = true
	}
	f.calls = append(f.calls, op)
	if err := f.fail[op]; err != nil {
		return failure(op, err)
	}
	return nil
}

func (f *fakeTPM) leave() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakeTPM) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

func (f *fakeTPM) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeTPM) Algorithm() HashAlg { return f.alg }

func (f *fakeTPM) Hash(data []byte) ([]byte, error) {
	defer f.leave()
	if err := f.enter(OpHash); err != nil {
		return nil, err
	}
	return SumDigest(f.alg, data), nil
}

func (f *fakeTPM) ExtendPCR(index int, digest []byte) error {
	defer f.leave()
	if err := f.enter(OpExtendPCR); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extends = append(f.extends, append([]byte(nil), digest...))
	f.pcrs[index] = ExtendDigest(f.alg, f.pcrLocked(index), digest)
	return nil
}

func (f *fakeTPM) pcrLocked(index int) []byte {
	if v, ok := f.pcrs[index]; ok {
		return v
	}
	return ZeroDigest(f.alg)
}

func (f *fakeTPM) ReadPCR(index int) ([]byte, error) {
	defer f.leave()
	if err := f.enter(OpReadPCR); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.pcrLocked(index)...), nil
}

func (f *fakeTPM) ResetPCR(index int) error {
	defer f.leave()
	if err := f.enter(OpResetPCR); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pcrs, index)
	return nil
}

func (f *fakeTPM) LoadKey(KeyFiles) (KeyHandle, error) {
	defer f.leave()
	if err := f.enter(OpLoadKey); err != nil {
		return KeyHandle{}, err
	}
	return KeyHandle{Handle: 0x80000001}, nil
}

func (f *fakeTPM) LoadExternalKey(path string) (KeyHandle, error) {
	defer f.leave()
	if err := f.enter(OpLoadExternal); err != nil {
		return KeyHandle{}, err
	}
	return KeyHandle{Handle: 0x80000002, Path: path}, nil
}

func (f *fakeTPM) mac(digest []byte) []byte {
	m := hmac.New(sha256.New, f.key)
	m.Write(digest)
	return m.Sum(nil)
}

func (f *fakeTPM) Sign(_ KeyHandle, digest []byte) ([]byte, error) {
	defer f.leave()
	if err := f.enter(OpSign); err != nil {
		return nil, err
	}
	return f.mac(digest), nil
}

func (f *fakeTPM) Verify(_ KeyHandle, digest, signature []byte) (bool, error) {
	defer f.leave()
	if err := f.enter(OpVerify); err != nil {
		return false, err
	}
	return hmac.Equal(f.mac(digest), signature), nil
}

func (f *fakeTPM) ResetDictionaryLockout() error {
	defer f.leave()
	if err := f.enter(OpResetLockout); err != nil {
		return err
	}
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}

func (f *fakeTPM) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bufferLogger returns a JSON logger writing into buf.
func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// writeKeyFiles creates placeholder key blobs so existence checks pass.
func writeKeyFiles(t *testing.T) KeyFiles {
	t.Helper()
	dir := t.TempDir()
	files := KeyFiles{
		Public:  filepath.Join(dir, PublicKeyFile),
		Private: filepath.Join(dir, PrivateKeyFile),
	}
	for _, p := range []string{files.Public, files.Private} {
		if err := os.WriteFile(p, []byte("blob"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	return files
}

// newTestChain returns an initialized chain over tpm that can sign and verify.
func newTestChain(t *testing.T, tpm TPM, logger *slog.Logger) *Chain {
	t.Helper()
	if logger == nil {
		logger = discardLogger()
	}
	keys := writeKeyFiles(t)
	c := NewChain(tpm, ChainConfig{
		PCRIndex:  DefaultPCRIndex,
		Keys:      keys,
		VerifyKey: keys.Public,
		Logger:    logger,
	})
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.InitializeVerifier(); err != nil {
		t.Fatalf("InitializeVerifier: %v", err)
	}
	return c
}

// signMessages signs each message in order and returns the records.
func signMessages(t *testing.T, c *Chain, msgs ...string) []SignedRecord {
	t.Helper()
	out := make([]SignedRecord, 0, len(msgs))
	for i, m := range msgs {
		r, err := c.Sign(LogEntry{Message: m, Timestamp: float64(1000 + i)})
		if err != nil {
			t.Fatalf("Sign(%q): %v", m, err)
		}
		out = append(out, r)
	}
	return out
}
