package tpmlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxtpm"
)

const (
	// DefaultDevice is the kernel resource-managed TPM device.
	DefaultDevice = "/dev/tpmrm0"
	// SimulatorDevice selects the in-process reference TPM simulator.
	SimulatorDevice = "simulator"

	// maxHashBuffer is the largest TPM2B_MAX_BUFFER accepted by TPM2_Hash.
	maxHashBuffer = 1024
	maxPCRIndex   = 23

	// PublicKeyFile and PrivateKeyFile are the blob names written by Provision.
	PublicKeyFile  = "key.pub"
	PrivateKeyFile = "key.priv"
)

// NativeTPM talks TPM 2.0 commands directly over a device or the simulator.
type NativeTPM struct {
	mu       sync.Mutex
	tpm      transport.TPMCloser
	alg      HashAlg
	srk      *tpm2.AuthHandle
	keyTypes map[uint32]tpm2.TPMAlgID
}

type simulatorTPM struct {
	transport.TPM
	sim *simulator.Simulator
}

func (s simulatorTPM) Close() error { return s.sim.Close() }

// OpenNativeTPM opens device (DefaultDevice when empty, or SimulatorDevice).
func OpenNativeTPM(device string, alg HashAlg) (*NativeTPM, error) {
	if alg == 0 {
		alg = SHA256
	}
	var t transport.TPMCloser
	switch device {
	case SimulatorDevice:
		sim, err := simulator.Get()
		if err != nil {
			return nil, fmt.Errorf("start tpm simulator: %w", err)
		}
		t = simulatorTPM{TPM: transport.FromReadWriter(sim), sim: sim}
	default:
		if device == "" {
			device = DefaultDevice
		}
		dev, err := linuxtpm.Open(device)
		if err != nil {
			return nil, fmt.Errorf("open tpm device %s: %w", device, err)
		}
		t = dev
	}
	return &NativeTPM{tpm: t, alg: alg, keyTypes: make(map[uint32]tpm2.TPMAlgID)}, nil
}

// Algorithm returns the configured PCR bank.
func (n *NativeTPM) Algorithm() HashAlg { return n.alg }

func (n *NativeTPM) algID() tpm2.TPMAlgID {
	if n.alg == SHA1 {
		return tpm2.TPMAlgSHA1
	}
	return tpm2.TPMAlgSHA256
}

// Hash computes a digest inside the TPM, using a hash sequence for long input.
func (n *NativeTPM) Hash(data []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(data) > maxHashBuffer {
		return n.hashSequenceLocked(data)
	}
	rsp, err := tpm2.Hash{
		Data:      tpm2.TPM2BMaxBuffer{Buffer: data},
		HashAlg:   n.algID(),
		Hierarchy: tpm2.TPMRHOwner,
	}.Execute(n.tpm)
	if err != nil {
		return nil, failure(OpHash, err)
	}
	return rsp.OutHash.Buffer, nil
}

func (n *NativeTPM) hashSequenceLocked(data []byte) ([]byte, error) {
	start, err := tpm2.HashSequenceStart{HashAlg: n.algID()}.Execute(n.tpm)
	if err != nil {
		return nil, failure(OpHash, err)
	}
	seq := tpm2.AuthHandle{Handle: start.SequenceHandle, Auth: tpm2.PasswordAuth(nil)}

	for len(data) > maxHashBuffer {
		_, err := tpm2.SequenceUpdate{
			SequenceHandle: seq,
			Buffer:         tpm2.TPM2BMaxBuffer{Buffer: data[:maxHashBuffer]},
		}.Execute(n.tpm)
		if err != nil {
			_, _ = tpm2.FlushContext{FlushHandle: start.SequenceHandle}.Execute(n.tpm)
			return nil, failure(OpHash, err)
		}
		data = data[maxHashBuffer:]
	}

	rsp, err := tpm2.SequenceComplete{
		SequenceHandle: seq,
		Buffer:         tpm2.TPM2BMaxBuffer{Buffer: data},
		Hierarchy:      tpm2.TPMRHOwner,
	}.Execute(n.tpm)
	if err != nil {
		_, _ = tpm2.FlushContext{FlushHandle: start.SequenceHandle}.Execute(n.tpm)
		return nil, failure(OpHash, err)
	}
	return rsp.Result.Buffer, nil
}

// ExtendPCR extends the PCR at index with digest in the configured bank.
func (n *NativeTPM) ExtendPCR(index int, digest []byte) error {
	if err := checkPCRIndex(index); err != nil {
		return failure(OpExtendPCR, err)
	}
	if len(digest) != n.alg.Size() {
		return failure(OpExtendPCR, fmt.Errorf("digest is %d bytes, %s needs %d", len(digest), n.alg, n.alg.Size()))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := tpm2.PCRExtend{
		PCRHandle: tpm2.AuthHandle{Handle: tpm2.TPMHandle(index), Auth: tpm2.PasswordAuth(nil)},
		Digests: tpm2.TPMLDigestValues{
			Digests: []tpm2.TPMTHA{{HashAlg: n.algID(), Digest: digest}},
		},
	}.Execute(n.tpm)
	if err != nil {
		return failure(OpExtendPCR, err)
	}
	return nil
}

// ReadPCR returns the current value of the PCR at index.
func (n *NativeTPM) ReadPCR(index int) ([]byte, error) {
	if err := checkPCRIndex(index); err != nil {
		return nil, failure(OpReadPCR, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	rsp, err := tpm2.PCRRead{
		PCRSelectionIn: tpm2.TPMLPCRSelection{
			PCRSelections: []tpm2.TPMSPCRSelection{{
				Hash:      n.algID(),
				PCRSelect: pcrBitmap(index),
			}},
		},
	}.Execute(n.tpm)
	if err != nil {
		return nil, failure(OpReadPCR, err)
	}
	if len(rsp.PCRValues.Digests) == 0 {
		return nil, failure(OpReadPCR, fmt.Errorf("%s bank not allocated", n.alg))
	}
	return rsp.PCRValues.Digests[0].Buffer, nil
}

// ResetPCR resets a resettable PCR (16 or 23 at locality 0) to zero.
func (n *NativeTPM) ResetPCR(index int) error {
	if err := checkPCRIndex(index); err != nil {
		return failure(OpResetPCR, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := tpm2.PCRReset{
		PCRHandle: tpm2.AuthHandle{Handle: tpm2.TPMHandle(index), Auth: tpm2.PasswordAuth(nil)},
	}.Execute(n.tpm)
	if err != nil {
		return failure(OpResetPCR, err)
	}
	return nil
}

// LoadKey loads a provisioned signing key below the owner storage root key.
func (n *NativeTPM) LoadKey(files KeyFiles) (KeyHandle, error) {
	pub, priv, err := readKeyBlobs(files.Public, files.Private)
	if err != nil {
		return KeyHandle{}, failure(OpLoadKey, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	srk, err := n.storageRootLocked()
	if err != nil {
		return KeyHandle{}, failure(OpLoadKey, err)
	}
	rsp, err := tpm2.Load{
		ParentHandle: *srk,
		InPrivate:    *priv,
		InPublic:     *pub,
	}.Execute(n.tpm)
	if err != nil {
		return KeyHandle{}, failure(OpLoadKey, err)
	}
	n.rememberKeyType(uint32(rsp.ObjectHandle), pub)
	return KeyHandle{Handle: uint32(rsp.ObjectHandle), Name: rsp.Name.Buffer}, nil
}

// LoadExternalKey loads only the public part of a key for signature checks.
func (n *NativeTPM) LoadExternalKey(publicPath string) (KeyHandle, error) {
	data, err := os.ReadFile(publicPath)
	if err != nil {
		return KeyHandle{}, failure(OpLoadExternal, err)
	}
	pub, err := tpm2.Unmarshal[tpm2.TPM2BPublic](data)
	if err != nil {
		return KeyHandle{}, failure(OpLoadExternal, fmt.Errorf("parse %s: %w", publicPath, err))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	rsp, err := tpm2.LoadExternal{
		InPublic:  *pub,
		Hierarchy: tpm2.TPMRHNull,
	}.Execute(n.tpm)
	if err != nil {
		return KeyHandle{}, failure(OpLoadExternal, err)
	}
	n.rememberKeyType(uint32(rsp.ObjectHandle), pub)
	return KeyHandle{Handle: uint32(rsp.ObjectHandle), Name: rsp.Name.Buffer}, nil
}

// Sign signs digest and returns the marshaled TPMT_SIGNATURE, the same
// format tpm2_sign writes by default.
func (n *NativeTPM) Sign(key KeyHandle, digest []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	rsp, err := tpm2.Sign{
		KeyHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(key.Handle),
			Name:   tpm2.TPM2BName{Buffer: key.Name},
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digest:   tpm2.TPM2BDigest{Buffer: digest},
		InScheme: n.sigSchemeLocked(key),
		Validation: tpm2.TPMTTKHashCheck{
			Tag:       tpm2.TPMSTHashCheck,
			Hierarchy: tpm2.TPMRHNull,
		},
	}.Execute(n.tpm)
	if err != nil {
		return nil, failure(OpSign, err)
	}
	return tpm2.Marshal(rsp.Signature), nil
}

// Verify checks a marshaled TPMT_SIGNATURE over digest.
func (n *NativeTPM) Verify(key KeyHandle, digest, signature []byte) (bool, error) {
	sig, err := tpm2.Unmarshal[tpm2.TPMTSignature](signature)
	if err != nil {
		// Not a signature at all: it cannot match.
		return false, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	_, err = tpm2.VerifySignature{
		KeyHandle: tpm2.NamedHandle{
			Handle: tpm2.TPMHandle(key.Handle),
			Name:   tpm2.TPM2BName{Buffer: key.Name},
		},
		Digest:    tpm2.TPM2BDigest{Buffer: digest},
		Signature: *sig,
	}.Execute(n.tpm)
	if err == nil {
		return true, nil
	}
	if isSignatureMismatch(err) {
		return false, nil
	}
	return false, failure(OpVerify, err)
}

// ResetDictionaryLockout clears the dictionary-attack lockout counter.
func (n *NativeTPM) ResetDictionaryLockout() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := tpm2.DictionaryAttackLockReset{
		LockHandle: tpm2.AuthHandle{Handle: tpm2.TPMRHLockout, Auth: tpm2.PasswordAuth(nil)},
	}.Execute(n.tpm)
	if err != nil {
		return failure(OpResetLockout, err)
	}
	return nil
}

// Provision creates an RSA-2048 signing key below the owner storage root key
// and writes key.pub and key.priv into dir.
func (n *NativeTPM) Provision(dir string) (KeyFiles, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return KeyFiles{}, fmt.Errorf("create key dir: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	srk, err := n.storageRootLocked()
	if err != nil {
		return KeyFiles{}, failure(OpCreatePrimary, err)
	}
	rsp, err := tpm2.Create{
		ParentHandle: *srk,
		InPublic:     tpm2.New2B(signingKeyTemplate()),
	}.Execute(n.tpm)
	if err != nil {
		return KeyFiles{}, failure(OpCreateKey, err)
	}

	files := KeyFiles{
		Public:  filepath.Join(dir, PublicKeyFile),
		Private: filepath.Join(dir, PrivateKeyFile),
	}
	if err := os.WriteFile(files.Public, tpm2.Marshal(rsp.OutPublic), 0600); err != nil {
		return KeyFiles{}, fmt.Errorf("write public key: %w", err)
	}
	if err := os.WriteFile(files.Private, tpm2.Marshal(rsp.OutPrivate), 0600); err != nil {
		return KeyFiles{}, fmt.Errorf("write private key: %w", err)
	}
	return files, nil
}

// Close flushes transient objects and closes the transport.
func (n *NativeTPM) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for h := range n.keyTypes {
		_, _ = tpm2.FlushContext{FlushHandle: tpm2.TPMHandle(h)}.Execute(n.tpm)
	}
	n.keyTypes = make(map[uint32]tpm2.TPMAlgID)
	if n.srk != nil {
		_, _ = tpm2.FlushContext{FlushHandle: n.srk.Handle}.Execute(n.tpm)
		n.srk = nil
	}
	return n.tpm.Close()
}

func (n *NativeTPM) storageRootLocked() (*tpm2.AuthHandle, error) {
	if n.srk != nil {
		return n.srk, nil
	}
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic:      tpm2.New2B(tpm2.RSASRKTemplate),
	}.Execute(n.tpm)
	if err != nil {
		return nil, fmt.Errorf("create storage root key: %w", err)
	}
	n.srk = &tpm2.AuthHandle{
		Handle: rsp.ObjectHandle,
		Name:   rsp.Name,
		Auth:   tpm2.PasswordAuth(nil),
	}
	return n.srk, nil
}

func (n *NativeTPM) rememberKeyType(h uint32, pub *tpm2.TPM2BPublic) {
	keyType := tpm2.TPMAlgRSA
	if contents, err := pub.Contents(); err == nil {
		keyType = contents.Type
	}
	n.keyTypes[h] = keyType
}

func (n *NativeTPM) sigSchemeLocked(key KeyHandle) tpm2.TPMTSigScheme {
	scheme := tpm2.TPMAlgRSASSA
	if n.keyTypes[key.Handle] == tpm2.TPMAlgECC {
		scheme = tpm2.TPMAlgECDSA
	}
	return tpm2.TPMTSigScheme{
		Scheme:  scheme,
		Details: tpm2.NewTPMUSigScheme(scheme, &tpm2.TPMSSchemeHash{HashAlg: n.algID()}),
	}
}

func signingKeyTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			SignEncrypt:         true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Symmetric: tpm2.TPMTSymDefObject{Algorithm: tpm2.TPMAlgNull},
				Scheme:    tpm2.TPMTRSAScheme{Scheme: tpm2.TPMAlgNull},
				KeyBits:   2048,
			},
		),
		Unique: tpm2.NewTPMUPublicID(tpm2.TPMAlgRSA, &tpm2.TPM2BPublicKeyRSA{}),
	}
}

func readKeyBlobs(pubPath, privPath string) (*tpm2.TPM2BPublic, *tpm2.TPM2BPrivate, error) {
	pubData, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, err
	}
	privData, err := os.ReadFile(privPath)
	if err != nil {
		return nil, nil, err
	}
	pub, err := tpm2.Unmarshal[tpm2.TPM2BPublic](pubData)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", pubPath, err)
	}
	priv, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](privData)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", privPath, err)
	}
	return pub, priv, nil
}

func isSignatureMismatch(err error) bool {
	if errors.Is(err, tpm2.TPMRCSignature) {
		return true
	}
	var rc tpm2.TPMRC
	return errors.As(err, &rc) && rc == tpm2.TPMRCSignature
}

func checkPCRIndex(index int) error {
	if index < 0 || index > maxPCRIndex {
		return fmt.Errorf("pcr index %d out of range [0-%d]", index, maxPCRIndex)
	}
	return nil
}

// pcrBitmap builds the 3-byte PCR select bitmap for a single index.
func pcrBitmap(index int) []byte {
	bitmap := make([]byte, 3)
	bitmap[index/8] |= 1 << (index % 8)
	return bitmap
}
