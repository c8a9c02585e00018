package tpmlog

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// DefaultPCRIndex is the resettable PCR used when none is configured.
const DefaultPCRIndex = 23

var (
	// ErrNotProvisioned means required key material is missing on disk.
	ErrNotProvisioned = errors.New("key material not provisioned")
	// ErrKeyLoadFailed means the key files exist but the TPM refused to load them.
	ErrKeyLoadFailed = errors.New("key load failed")
	// ErrKeyNotLoaded is returned when signing or verifying before initialization.
	ErrKeyNotLoaded = errors.New("key not loaded")

	ErrHashFailed   = errors.New("hash phase failed")
	ErrExtendFailed = errors.New("extend phase failed")
	ErrReadFailed   = errors.New("pcr read phase failed")
	ErrSignFailed   = errors.New("sign phase failed")
)

// ChainConfig configures a Chain.
type ChainConfig struct {
	PCRIndex     int
	Keys         KeyFiles // signing key (Initialize)
	VerifyKey    string   // public key blob (InitializeVerifier)
	ResetLockout bool     // clear dictionary lockout during Initialize
	Logger       *slog.Logger
}

// ChainState is the chain position as last observed by this process.
type ChainState struct {
	PCRIndex  int
	LastPCR   []byte
	KeyLoaded bool
}

// Chain owns the PCR hash chain and turns log entries into signed records.
// A Chain is not safe for concurrent use: Sign calls must be sequential,
// otherwise PCR extends from different entries interleave.
type Chain struct {
	cfg ChainConfig
	tpm TPM
	alg HashAlg
	log *slog.Logger

	key       KeyHandle
	verifyKey KeyHandle
	canVerify bool
	state     ChainState
}

// NewChain creates a chain bound to tpm. Call Initialize before Sign.
func NewChain(tpm TPM, cfg ChainConfig) *Chain {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		cfg:   cfg,
		tpm:   tpm,
		alg:   tpm.Algorithm(),
		log:   logger,
		state: ChainState{PCRIndex: cfg.PCRIndex},
	}
}

// Initialize checks that the signing key files exist, optionally clears the
// dictionary lockout, loads the key and records the current PCR value.
// The tools backend always needs a primary context.
func (c *Chain) Initialize() error {
	required := []string{c.cfg.Keys.Public, c.cfg.Keys.Private}
	if _, tools := c.tpm.(*ToolsTPM); tools || c.cfg.Keys.Primary != "" {
		required = append(required, c.cfg.Keys.Primary)
	}
	if err := requireFiles(required...); err != nil {
		return err
	}

	if c.cfg.ResetLockout {
		if err := c.tpm.ResetDictionaryLockout(); err != nil {
			c.log.Warn("dictionary lockout reset failed", "err", err)
		}
	}

	key, err := c.tpm.LoadKey(c.cfg.Keys)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyLoadFailed, err)
	}
	c.key = key
	c.state.KeyLoaded = true

	pcr, err := c.tpm.ReadPCR(c.cfg.PCRIndex)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	c.state.LastPCR = pcr
	c.log.Info("chain ready",
		"pcr", c.cfg.PCRIndex,
		"bank", c.alg.String(),
		"value", hex.EncodeToString(pcr),
		"fresh", bytes.Equal(pcr, ZeroDigest(c.alg)))
	return nil
}

// InitializeVerifier loads the external public key used by VerifyExternal.
func (c *Chain) InitializeVerifier() error {
	if c.cfg.VerifyKey == "" {
		return fmt.Errorf("%w: no verification key configured", ErrNotProvisioned)
	}
	if err := requireFiles(c.cfg.VerifyKey); err != nil {
		return err
	}
	key, err := c.tpm.LoadExternalKey(c.cfg.VerifyKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyLoadFailed, err)
	}
	c.verifyKey = key
	c.canVerify = true
	return nil
}

func requireFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			return fmt.Errorf("%w: key path not configured", ErrNotProvisioned)
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %s", ErrNotProvisioned, p)
		}
	}
	return nil
}

// State returns a copy of the current chain state.
func (c *Chain) State() ChainState {
	s := c.state
	s.LastPCR = append([]byte(nil), c.state.LastPCR...)
	return s
}

// Algorithm returns the PCR bank of the underlying TPM.
func (c *Chain) Algorithm() HashAlg { return c.alg }

// Sign hashes the entry message, extends the PCR with the digest, reads the
// PCR back and signs the digest. Any failure aborts the record; the returned
// error wraps the phase sentinel and the *TPMFailure.
//
// The extend is not idempotent. Callers must not retry Sign for an entry
// whose extend may already have happened.
func (c *Chain) Sign(entry LogEntry) (SignedRecord, error) {
	if !c.state.KeyLoaded {
		return SignedRecord{}, ErrKeyNotLoaded
	}

	digest, err := c.tpm.Hash(CanonicalMessage(entry.Message))
	if err != nil {
		return SignedRecord{}, fmt.Errorf("%w: %w", ErrHashFailed, err)
	}

	if err := c.tpm.ExtendPCR(c.cfg.PCRIndex, digest); err != nil {
		return SignedRecord{}, fmt.Errorf("%w: %w", ErrExtendFailed, err)
	}

	pcr, err := c.tpm.ReadPCR(c.cfg.PCRIndex)
	if err != nil {
		// The register moved but we did not see where to.
		c.state.LastPCR = nil
		return SignedRecord{}, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	prev := c.state.LastPCR
	c.state.LastPCR = pcr

	sig, err := c.tpm.Sign(c.key, digest)
	if err != nil {
		return SignedRecord{}, fmt.Errorf("%w: %w", ErrSignFailed, err)
	}

	// New chain iff the register held the reset value right before this extend.
	newChain := bytes.Equal(pcr, ExtendDigest(c.alg, ZeroDigest(c.alg), digest))
	if !newChain && prev != nil && !bytes.Equal(pcr, ExtendDigest(c.alg, prev, digest)) {
		c.log.Warn("pcr moved outside this chain",
			"event", "security",
			"pcr", c.cfg.PCRIndex,
			"previous", hex.EncodeToString(prev),
			"observed", hex.EncodeToString(pcr))
	}

	count := entry.Count
	if count == 0 {
		count = 1
	}
	return SignedRecord{
		Message:    entry.Message,
		CanID:      entry.CanID,
		Timestamp:  entry.Timestamp,
		Count:      count,
		PCR:        pcr,
		Signature:  sig,
		IsNewChain: newChain,
	}, nil
}

// VerifyExternal recomputes the digest of the record message and checks the
// signature with the external public key. It says nothing about chain order.
func (c *Chain) VerifyExternal(r SignedRecord) (bool, error) {
	if !c.canVerify {
		return false, ErrKeyNotLoaded
	}
	digest, err := c.tpm.Hash(CanonicalMessage(r.Message))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrHashFailed, err)
	}
	return c.tpm.Verify(c.verifyKey, digest, r.Signature)
}
