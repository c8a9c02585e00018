// Package tpmlog implements a TPM-anchored tamper-evident logging pipeline.
// Log lines are hashed, extended into a PCR, signed by a TPM-resident key and
// published; a remote verifier re-validates signatures and chain continuity.
package tpmlog

import (
	"crypto"
	_ "crypto/sha1" // #nosec G505 -- SHA-1 PCR bank support
	_ "crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

// Names of the TPM primitives, reported in TPMFailure.Op.
const (
	OpHash          = "hash"
	OpExtendPCR     = "extendPcr"
	OpReadPCR       = "readPcr"
	OpResetPCR      = "resetPcr"
	OpSign          = "sign"
	OpVerify        = "verify"
	OpLoadKey       = "loadKey"
	OpLoadExternal  = "loadExternalKey"
	OpResetLockout  = "resetDictionaryLockout"
	OpCreatePrimary = "createPrimary"
	OpCreateKey     = "createKey"
)

// TPMFailure reports that a named TPM primitive failed.
// Adapters never retry; the caller decides what to do with it.
type TPMFailure struct {
	Op  string
	Err error
}

func (f *TPMFailure) Error() string {
	return fmt.Sprintf("tpm %s failed: %v", f.Op, f.Err)
}

func (f *TPMFailure) Unwrap() error { return f.Err }

func failure(op string, err error) error {
	return &TPMFailure{Op: op, Err: err}
}

// IsTPMFailure reports whether err carries a TPMFailure and returns the failed op.
func IsTPMFailure(err error) (string, bool) {
	var f *TPMFailure
	if errors.As(err, &f) {
		return f.Op, true
	}
	return "", false
}

// HashAlg selects the PCR bank and the digest algorithm used throughout a chain.
type HashAlg int

// Supported PCR banks.
const (
	SHA1 HashAlg = iota + 1
	SHA256
)

// ParseHashAlg converts a bank name ("sha1", "sha256") to a HashAlg.
func ParseHashAlg(name string) (HashAlg, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sha1":
		return SHA1, nil
	case "sha256", "":
		return SHA256, nil
	default:
		return 0, fmt.Errorf("unsupported hash algorithm %q", name)
	}
}

func (a HashAlg) String() string {
	switch a {
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	default:
		return fmt.Sprintf("HashAlg(%d)", int(a))
	}
}

// Crypto returns the matching crypto.Hash.
func (a HashAlg) Crypto() crypto.Hash {
	if a == SHA1 {
		return crypto.SHA1
	}
	return crypto.SHA256
}

// Size is the digest length in bytes.
func (a HashAlg) Size() int { return a.Crypto().Size() }

// ZeroDigest is the value of a PCR right after reset.
func ZeroDigest(a HashAlg) []byte {
	return make([]byte, a.Size())
}

// ExtendDigest computes PCR' = H(PCR || digest) in software.
func ExtendDigest(a HashAlg, pcr, digest []byte) []byte {
	h := a.Crypto().New()
	_, _ = h.Write(pcr)
	_, _ = h.Write(digest)
	return h.Sum(nil)
}

// SumDigest hashes data in software with the bank algorithm.
func SumDigest(a HashAlg, data []byte) []byte {
	h := a.Crypto().New()
	_, _ = h.Write(data)
	return h.Sum(nil)
}

// KeyHandle identifies a key loaded into the TPM. Native adapters fill Handle
// and Name; the tools adapter works with a context file in Path.
type KeyHandle struct {
	Handle uint32
	Name   []byte
	Path   string
}

// KeyFiles points at provisioned key material on disk.
type KeyFiles struct {
	Primary string // primary context (tools backend only)
	Public  string // TPM2B_PUBLIC blob
	Private string // TPM2B_PRIVATE blob
	Context string // where the tools backend saves the loaded key context
}

// TPM is the capability adapter over the external TPM command interface.
// Every call is synchronous; any failure is returned as *TPMFailure.
// Implementations are not required to be safe for concurrent use.
type TPM interface {
	Algorithm() HashAlg
	Hash(data []byte) ([]byte, error)
	ExtendPCR(index int, digest []byte) error
	ReadPCR(index int) ([]byte, error)
	ResetPCR(index int) error
	LoadKey(files KeyFiles) (KeyHandle, error)
	LoadExternalKey(publicPath string) (KeyHandle, error)
	Sign(key KeyHandle, digest []byte) ([]byte, error)
	// Verify returns false with a nil error when the signature does not match.
	Verify(key KeyHandle, digest, signature []byte) (bool, error)
	ResetDictionaryLockout() error
	Close() error
}

// TPMConfig selects and configures a TPM adapter.
type TPMConfig struct {
	Backend  string // "native" (default) or "tools"
	Device   string // device path, or "simulator"
	Alg      HashAlg
	ToolsDir string // directory holding tpm2-tools binaries (tools backend)
	TCTI     string // optional --tcti argument (tools backend)
	WorkDir  string // scratch directory for tools backend files
}

// OpenTPM opens the adapter described by cfg.
func OpenTPM(cfg TPMConfig) (TPM, error) {
	if cfg.Alg == 0 {
		cfg.Alg = SHA256
	}
	switch cfg.Backend {
	case "", "native":
		return OpenNativeTPM(cfg.Device, cfg.Alg)
	case "tools":
		return NewToolsTPM(cfg)
	default:
		return nil, fmt.Errorf("unknown tpm backend %q", cfg.Backend)
	}
}
