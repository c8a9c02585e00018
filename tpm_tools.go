package tpmlog

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const toolsTimeout = 30 * time.Second

// runFunc executes one tpm2-tools binary and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- fixed tool names, validated args
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// ToolsTPM drives a TPM through the tpm2-tools command line utilities.
// Intermediate values travel through files in WorkDir.
type ToolsTPM struct {
	dir     string
	tcti    string
	workDir string
	alg     HashAlg
	run     runFunc
	ownWork bool
}

// NewToolsTPM prepares a tools-backed adapter. WorkDir defaults to a fresh
// temporary directory removed on Close.
func NewToolsTPM(cfg TPMConfig) (*ToolsTPM, error) {
	if cfg.Alg == 0 {
		cfg.Alg = SHA256
	}
	t := &ToolsTPM{dir: cfg.ToolsDir, tcti: cfg.TCTI, workDir: cfg.WorkDir, alg: cfg.Alg, run: execRun}
	if t.workDir == "" {
		dir, err := os.MkdirTemp("", "tpmlog-tools-")
		if err != nil {
			return nil, fmt.Errorf("create tools work dir: %w", err)
		}
		t.workDir = dir
		t.ownWork = true
	} else if err := os.MkdirAll(t.workDir, 0700); err != nil {
		return nil, fmt.Errorf("create tools work dir: %w", err)
	}
	return t, nil
}

// Algorithm returns the configured PCR bank.
func (t *ToolsTPM) Algorithm() HashAlg { return t.alg }

func (t *ToolsTPM) tool(name string) string {
	if t.dir == "" {
		return name
	}
	return filepath.Join(t.dir, name)
}

func (t *ToolsTPM) exec(op, name string, args ...string) ([]byte, error) {
	if t.tcti != "" {
		args = append(args, "--tcti="+t.tcti)
	}
	ctx, cancel := context.WithTimeout(context.Background(), toolsTimeout)
	defer cancel()
	out, err := t.run(ctx, t.tool(name), args...)
	if err != nil {
		return out, failure(op, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out))))
	}
	return out, nil
}

func (t *ToolsTPM) path(name string) string { return filepath.Join(t.workDir, name) }

// Hash runs tpm2_hash over data.
func (t *ToolsTPM) Hash(data []byte) ([]byte, error) {
	in, out := t.path("hash.in"), t.path("hash.out")
	if err := os.WriteFile(in, data, 0600); err != nil {
		return nil, failure(OpHash, err)
	}
	if _, err := t.exec(OpHash, "tpm2_hash", "-Q", "-C", "o", "-g", t.alg.String(), "-o", out, in); err != nil {
		return nil, err
	}
	digest, err := os.ReadFile(out)
	if err != nil {
		return nil, failure(OpHash, err)
	}
	return digest, nil
}

// ExtendPCR runs tpm2_pcrextend.
func (t *ToolsTPM) ExtendPCR(index int, digest []byte) error {
	if err := checkPCRIndex(index); err != nil {
		return failure(OpExtendPCR, err)
	}
	if len(digest) != t.alg.Size() {
		return failure(OpExtendPCR, fmt.Errorf("digest is %d bytes, %s needs %d", len(digest), t.alg, t.alg.Size()))
	}
	arg := fmt.Sprintf("%d:%s=%s", index, t.alg, hex.EncodeToString(digest))
	_, err := t.exec(OpExtendPCR, "tpm2_pcrextend", arg)
	return err
}

// ReadPCR runs tpm2_pcrread and returns the raw PCR value.
func (t *ToolsTPM) ReadPCR(index int) ([]byte, error) {
	if err := checkPCRIndex(index); err != nil {
		return nil, failure(OpReadPCR, err)
	}
	out := t.path("pcr.out")
	sel := t.alg.String() + ":" + strconv.Itoa(index)
	if _, err := t.exec(OpReadPCR, "tpm2_pcrread", "-Q", "-o", out, sel); err != nil {
		return nil, err
	}
	value, err := os.ReadFile(out)
	if err != nil {
		return nil, failure(OpReadPCR, err)
	}
	if len(value) != t.alg.Size() {
		return nil, failure(OpReadPCR, fmt.Errorf("pcr value is %d bytes, want %d", len(value), t.alg.Size()))
	}
	return value, nil
}

// ResetPCR runs tpm2_pcrreset.
func (t *ToolsTPM) ResetPCR(index int) error {
	if err := checkPCRIndex(index); err != nil {
		return failure(OpResetPCR, err)
	}
	_, err := t.exec(OpResetPCR, "tpm2_pcrreset", strconv.Itoa(index))
	return err
}

// LoadKey runs tpm2_load below the primary context and saves the key context.
func (t *ToolsTPM) LoadKey(files KeyFiles) (KeyHandle, error) {
	ctxPath := files.Context
	if ctxPath == "" {
		ctxPath = t.path("key.ctx")
	}
	_, err := t.exec(OpLoadKey, "tpm2_load", "-Q",
		"-C", files.Primary, "-u", files.Public, "-r", files.Private, "-c", ctxPath)
	if err != nil {
		return KeyHandle{}, err
	}
	return KeyHandle{Path: ctxPath}, nil
}

// LoadExternalKey runs tpm2_loadexternal into the null hierarchy.
func (t *ToolsTPM) LoadExternalKey(publicPath string) (KeyHandle, error) {
	ctxPath := t.path("external.ctx")
	if _, err := t.exec(OpLoadExternal, "tpm2_loadexternal", "-Q", "-C", "n", "-u", publicPath, "-c", ctxPath); err != nil {
		return KeyHandle{}, err
	}
	return KeyHandle{Path: ctxPath}, nil
}

// Sign runs tpm2_sign over a precomputed digest.
func (t *ToolsTPM) Sign(key KeyHandle, digest []byte) ([]byte, error) {
	in, out := t.path("sign.in"), t.path("sign.out")
	if err := os.WriteFile(in, digest, 0600); err != nil {
		return nil, failure(OpSign, err)
	}
	if _, err := t.exec(OpSign, "tpm2_sign", "-Q", "-c", key.Path, "-g", t.alg.String(), "-d", "-o", out, in); err != nil {
		return nil, err
	}
	sig, err := os.ReadFile(out)
	if err != nil {
		return nil, failure(OpSign, err)
	}
	return sig, nil
}

// Verify runs tpm2_verifysignature. A rejected signature is reported as
// false; any other tool error is a failure.
func (t *ToolsTPM) Verify(key KeyHandle, digest, signature []byte) (bool, error) {
	dig, sig := t.path("verify.digest"), t.path("verify.sig")
	if err := os.WriteFile(dig, digest, 0600); err != nil {
		return false, failure(OpVerify, err)
	}
	if err := os.WriteFile(sig, signature, 0600); err != nil {
		return false, failure(OpVerify, err)
	}
	out, err := t.exec(OpVerify, "tpm2_verifysignature", "-Q", "-c", key.Path, "-g", t.alg.String(), "-d", dig, "-s", sig)
	if err == nil {
		return true, nil
	}
	if signatureRejected(out) {
		return false, nil
	}
	return false, err
}

func signatureRejected(output []byte) bool {
	s := strings.ToLower(string(output))
	return strings.Contains(s, "signature is not valid") ||
		strings.Contains(s, "0x2db") ||
		strings.Contains(s, "could not unmarshal")
}

// ResetDictionaryLockout clears the lockout and disables further lockouts.
func (t *ToolsTPM) ResetDictionaryLockout() error {
	_, err := t.exec(OpResetLockout, "tpm2_dictionarylockout",
		"--setup-parameters", "--max-tries=4294967295", "--clear-lockout")
	return err
}

// Close removes the scratch directory when the adapter created it.
func (t *ToolsTPM) Close() error {
	if t.ownWork {
		return os.RemoveAll(t.workDir)
	}
	return nil
}
