package tpmlog

//revive:disable:cyclomatic High complexity acceptable in tests

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// scriptedTools stands in for the tpm2-tools binaries: it records every
// invocation and writes the files the real tools would.
type scriptedTools struct {
	alg     HashAlg
	calls   [][]string
	pcr     []byte
	verify  func() ([]byte, error)
	failure error
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (s *scriptedTools) run(_ context.Context, name string, args ...string) ([]byte, error) {
	s.calls = append(s.calls, append([]string{name}, args...))
	if n := len(args); n > 0 && strings.HasPrefix(args[n-1], "--tcti=") {
		args = args[:n-1]
	}
	if s.failure != nil {
		return []byte("ERROR: Esys_Something failed"), s.failure
	}
	switch filepath.Base(name) {
	case "tpm2_hash":
		data, err := os.ReadFile(args[len(args)-1])
		if err != nil {
			return nil, err
		}
		return nil, os.WriteFile(argAfter(args, "-o"), SumDigest(s.alg, data), 0600)
	case "tpm2_pcrread":
		return nil, os.WriteFile(argAfter(args, "-o"), s.pcr, 0600)
	case "tpm2_sign":
		return nil, os.WriteFile(argAfter(args, "-o"), []byte("sig"), 0600)
	case "tpm2_verifysignature":
		if s.verify != nil {
			return s.verify()
		}
	}
	return nil, nil
}

func newScriptedTPM(t *testing.T, cfg TPMConfig) (*ToolsTPM, *scriptedTools) {
	t.Helper()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	tpm, err := NewToolsTPM(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s := &scriptedTools{alg: tpm.Algorithm(), pcr: ZeroDigest(tpm.Algorithm())}
	tpm.run = s.run
	return tpm, s
}

func TestToolsTPM_Commands(t *testing.T) {
	tpm, s := newScriptedTPM(t, TPMConfig{ToolsDir: "/opt/tpm2", TCTI: "device:/dev/tpmrm0"})

	digest, err := tpm.Hash([]byte("hello"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !bytes.Equal(digest, SumDigest(SHA256, []byte("hello"))) {
		t.Errorf("Hash = %x", digest)
	}

	if err := tpm.ExtendPCR(23, digest); err != nil {
		t.Fatalf("ExtendPCR: %v", err)
	}
	pcr, err := tpm.ReadPCR(23)
	if err != nil || !bytes.Equal(pcr, ZeroDigest(SHA256)) {
		t.Fatalf("ReadPCR = %x, %v", pcr, err)
	}
	key, err := tpm.LoadKey(KeyFiles{Primary: "primary.ctx", Public: "key.pub", Private: "key.priv"})
	if err != nil {
		t.Fatal(err)
	}
	sig, err := tpm.Sign(key, digest)
	if err != nil || string(sig) != "sig" {
		t.Fatalf("Sign = %q, %v", sig, err)
	}

	want := [][]string{
		{"/opt/tpm2/tpm2_hash", "-g", "sha256"},
		{"/opt/tpm2/tpm2_pcrextend", "23:sha256=" + hex.EncodeToString(digest)},
		{"/opt/tpm2/tpm2_pcrread", "sha256:23"},
		{"/opt/tpm2/tpm2_load", "-C", "primary.ctx", "-u", "key.pub", "-r", "key.priv"},
		{"/opt/tpm2/tpm2_sign", "-c", key.Path, "-d"},
	}
	if len(s.calls) != len(want) {
		t.Fatalf("%d tool calls, want %d", len(s.calls), len(want))
	}
	for i, w := range want {
		got := strings.Join(s.calls[i], " ")
		if s.calls[i][0] != w[0] {
			t.Errorf("call %d runs %s, want %s", i, s.calls[i][0], w[0])
		}
		for _, part := range w[1:] {
			if !strings.Contains(got, part) {
				t.Errorf("call %d (%s) lacks %q", i, got, part)
			}
		}
		if last := s.calls[i][len(s.calls[i])-1]; last != "--tcti=device:/dev/tpmrm0" {
			t.Errorf("call %d ends with %q", i, last)
		}
	}
}

func TestToolsTPM_Verify(t *testing.T) {
	tpm, s := newScriptedTPM(t, TPMConfig{})
	key := KeyHandle{Path: "ext.ctx"}
	digest := SumDigest(SHA256, []byte("m"))

	if ok, err := tpm.Verify(key, digest, []byte("sig")); err != nil || !ok {
		t.Errorf("accepted signature: %v, %v", ok, err)
	}

	s.verify = func() ([]byte, error) {
		return []byte("ERROR: Esys_VerifySignature(0x2DB) - tpm:parameter(2):the signature is not valid"), errors.New("exit status 1")
	}
	if ok, err := tpm.Verify(key, digest, []byte("sig")); err != nil || ok {
		t.Errorf("rejected signature: %v, %v", ok, err)
	}

	s.verify = func() ([]byte, error) {
		return []byte("ERROR: Esys_VerifySignature(0x101) - tcti:IO failure"), errors.New("exit status 1")
	}
	_, err := tpm.Verify(key, digest, []byte("sig"))
	if op, ok := IsTPMFailure(err); !ok || op != OpVerify {
		t.Errorf("tool failure: %v", err)
	}
}

func TestToolsTPM_Failures(t *testing.T) {
	tpm, s := newScriptedTPM(t, TPMConfig{})

	s.pcr = []byte{1, 2, 3}
	if _, err := tpm.ReadPCR(23); err == nil {
		t.Error("short PCR value accepted")
	}
	s.pcr = ZeroDigest(SHA256)

	calls := len(s.calls)
	if err := tpm.ExtendPCR(42, make([]byte, 32)); err == nil {
		t.Error("out of range PCR accepted")
	}
	if err := tpm.ExtendPCR(23, make([]byte, 20)); err == nil {
		t.Error("short digest accepted")
	}
	if len(s.calls) != calls {
		t.Error("invalid input reached the tools")
	}

	s.failure = errors.New("exit status 1")
	err := tpm.ResetDictionaryLockout()
	if op, ok := IsTPMFailure(err); !ok || op != OpResetLockout {
		t.Fatalf("ResetDictionaryLockout: %v", err)
	}
	if !strings.Contains(err.Error(), "Esys_Something") {
		t.Errorf("tool output missing from %q", err)
	}
}

func TestToolsTPM_InitializeRequiresPrimary(t *testing.T) {
	tpm, s := newScriptedTPM(t, TPMConfig{})
	c := NewChain(tpm, ChainConfig{PCRIndex: DefaultPCRIndex, Keys: writeKeyFiles(t), Logger: discardLogger()})

	if err := c.Initialize(); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned without a primary context, got %v", err)
	}
	if len(s.calls) != 0 {
		t.Errorf("tools invoked before the existence check passed: %v", s.calls)
	}
}

func TestToolsTPM_CloseRemovesOwnWorkDir(t *testing.T) {
	tpm, err := NewToolsTPM(TPMConfig{Alg: SHA1})
	if err != nil {
		t.Fatal(err)
	}
	dir := tpm.workDir
	if err := tpm.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("work dir still present: %v", err)
	}

	keep := t.TempDir()
	tpm, err = NewToolsTPM(TPMConfig{WorkDir: keep})
	if err != nil {
		t.Fatal(err)
	}
	_ = tpm.Close()
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("caller work dir removed: %v", err)
	}
}

func TestSignatureRejected(t *testing.T) {
	if signatureRejected([]byte("ERROR: unable to open file")) {
		t.Error("I/O error classified as rejection")
	}
	if !signatureRejected([]byte("Could not unmarshal TPMT_SIGNATURE")) {
		t.Error("garbage signature not classified as rejection")
	}
}
