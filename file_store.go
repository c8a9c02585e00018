package tpmlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// fileStore implements Store using POSIX files with append-only semantics.
//
// Record format in records.dat:
//
//	[8]byte: index (uint64)
//	[8]byte: timestamp (float64 bits)
//	[4]byte: count (uint32)
//	[1]byte: flags (bit0 new chain, bit1 CanId present)
//	[8]byte: CanId (int64)
//	[4]byte: message length, then message bytes
//	[1]byte: pcr length, then pcr bytes
//	[2]byte: signature length, then signature bytes
//
// Tail format in tail.dat:
//
//	[8]byte: index (uint64)
//	[1]byte: pcr length, then pcr bytes
type fileStore struct {
	dir      string
	logFile  *os.File
	tailFile *os.File
	lastIdx  uint64
	mu       sync.RWMutex
}

const (
	recordsFileName = "records.dat"
	tailFileName    = "tail.dat"
	fixedHeaderSize = 8 + 8 + 4 + 1 + 8 + 4 // idx + ts + count + flags + canId + msgLen

	flagNewChain = 1 << 0
	flagCanID    = 1 << 1
)

// OpenFileStore creates or opens a POSIX file-based store in the given directory.
func OpenFileStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	logPath := filepath.Join(dir, recordsFileName)
	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	tailPath := filepath.Join(dir, tailFileName)
	tailFile, err := os.OpenFile(tailPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("open tail file: %w", err)
	}

	s := &fileStore{dir: dir, logFile: logFile, tailFile: tailFile}
	last, err := s.scanLastIndex()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.lastIdx = last
	return s, nil
}

// Append writes a record to the log file and updates the tail.
func (s *fileStore) Append(r SignedRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(r.PCR) > math.MaxUint8 || len(r.Signature) > math.MaxUint16 || len(r.Message) > MaxMessageSize {
		return 0, fmt.Errorf("record field too large")
	}

	if err := syscall.Flock(int(s.logFile.Fd()), syscall.LOCK_EX); err != nil {
		return 0, fmt.Errorf("lock log file: %w", err)
	}
	defer syscall.Flock(int(s.logFile.Fd()), syscall.LOCK_UN)

	r.Index = s.lastIdx + 1
	buf := encodeRecord(r)
	n, err := s.logFile.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("incomplete write: %d of %d bytes", n, len(buf))
	}
	if err := s.logFile.Sync(); err != nil {
		return 0, fmt.Errorf("sync log file: %w", err)
	}
	s.lastIdx = r.Index

	if err := s.writeTailLocked(TailState{Index: r.Index, PCR: r.PCR}); err != nil {
		return 0, err
	}
	return r.Index, nil
}

func encodeRecord(r SignedRecord) []byte {
	size := fixedHeaderSize + len(r.Message) + 1 + len(r.PCR) + 2 + len(r.Signature)
	buf := make([]byte, 0, size)

	buf = binary.BigEndian.AppendUint64(buf, r.Index)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(r.Timestamp))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.Count)) // #nosec G115 -- counts are small

	var flags byte
	var canID int64
	if r.IsNewChain {
		flags |= flagNewChain
	}
	if r.CanID != nil {
		flags |= flagCanID
		canID = int64(*r.CanID)
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint64(buf, uint64(canID)) // #nosec G115 -- bit pattern round trip

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Message))) // #nosec G115 -- checked by caller
	buf = append(buf, r.Message...)
	buf = append(buf, byte(len(r.PCR)))
	buf = append(buf, r.PCR...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Signature))) // #nosec G115 -- checked by caller
	buf = append(buf, r.Signature...)
	return buf
}

// readRecord decodes one record. io.EOF means a clean end of file.
func readRecord(reader *bufio.Reader) (SignedRecord, error) {
	var r SignedRecord
	var hdr [fixedHeaderSize]byte
	if _, err := io.ReadFull(reader, hdr[:]); err != nil {
		if err == io.EOF {
			return r, io.EOF
		}
		return r, fmt.Errorf("read record header: %w", err)
	}
	r.Index = binary.BigEndian.Uint64(hdr[0:8])
	r.Timestamp = math.Float64frombits(binary.BigEndian.Uint64(hdr[8:16]))
	r.Count = int(binary.BigEndian.Uint32(hdr[16:20]))
	flags := hdr[20]
	canID := int64(binary.BigEndian.Uint64(hdr[21:29])) // #nosec G115 -- bit pattern round trip
	msgLen := binary.BigEndian.Uint32(hdr[29:33])

	r.IsNewChain = flags&flagNewChain != 0
	if flags&flagCanID != 0 {
		id := int(canID)
		r.CanID = &id
	}

	if msgLen > MaxMessageSize {
		return r, fmt.Errorf("%w: message length %d at index %d", ErrCorruptRecord, msgLen, r.Index)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(reader, msg); err != nil {
		return r, fmt.Errorf("read message: %w", err)
	}
	r.Message = string(msg)

	pcrLen, err := reader.ReadByte()
	if err != nil {
		return r, fmt.Errorf("read pcr length: %w", err)
	}
	r.PCR = make([]byte, pcrLen)
	if _, err := io.ReadFull(reader, r.PCR); err != nil {
		return r, fmt.Errorf("read pcr: %w", err)
	}

	var sigLen [2]byte
	if _, err := io.ReadFull(reader, sigLen[:]); err != nil {
		return r, fmt.Errorf("read signature length: %w", err)
	}
	r.Signature = make([]byte, binary.BigEndian.Uint16(sigLen[:]))
	if _, err := io.ReadFull(reader, r.Signature); err != nil {
		return r, fmt.Errorf("read signature: %w", err)
	}
	return r, nil
}

func (s *fileStore) scanLastIndex() (uint64, error) {
	file, err := os.Open(filepath.Join(s.dir, recordsFileName))
	if err != nil {
		return 0, fmt.Errorf("open log file for reading: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var lastIdx uint64
	for {
		r, err := readRecord(reader)
		if err == io.EOF {
			return lastIdx, nil
		}
		if err != nil {
			return 0, err
		}
		lastIdx = r.Index
	}
}

// Iter returns a channel that yields records starting from startIdx.
func (s *fileStore) Iter(startIdx uint64) (<-chan SignedRecord, func() error, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := os.Open(filepath.Join(s.dir, recordsFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("open log file for reading: %w", err)
	}

	out := make(chan SignedRecord, 64)
	done := make(chan struct{})
	var iterErr error

	go func() {
		defer close(out)
		defer file.Close()

		reader := bufio.NewReader(file)
		for {
			r, err := readRecord(reader)
			if err != nil {
				if err != io.EOF {
					iterErr = err
				}
				return
			}
			if r.Index < startIdx {
				continue
			}
			select {
			case out <- r:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cleanup := func() error {
		once.Do(func() { close(done) })
		for range out {
		}
		return iterErr
	}

	return out, cleanup, nil
}

// Tail returns the index and PCR of the last record.
func (s *fileStore) Tail() (TailState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readTailLocked()
}

func (s *fileStore) readTailLocked() (TailState, bool, error) {
	var tail TailState
	if _, err := s.tailFile.Seek(0, io.SeekStart); err != nil {
		return tail, false, fmt.Errorf("seek tail file: %w", err)
	}
	reader := bufio.NewReader(s.tailFile)
	var idx [8]byte
	if _, err := io.ReadFull(reader, idx[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return tail, false, nil
		}
		return tail, false, fmt.Errorf("read tail: %w", err)
	}
	pcrLen, err := reader.ReadByte()
	if err != nil {
		return tail, false, fmt.Errorf("read tail: %w", err)
	}
	tail.Index = binary.BigEndian.Uint64(idx[:])
	tail.PCR = make([]byte, pcrLen)
	if _, err := io.ReadFull(reader, tail.PCR); err != nil {
		return tail, false, fmt.Errorf("read tail: %w", err)
	}
	return tail, true, nil
}

func (s *fileStore) writeTailLocked(tail TailState) error {
	if err := s.tailFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate tail file: %w", err)
	}
	if _, err := s.tailFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek tail file: %w", err)
	}
	buf := binary.BigEndian.AppendUint64(nil, tail.Index)
	buf = append(buf, byte(len(tail.PCR)))
	buf = append(buf, tail.PCR...)
	if _, err := s.tailFile.Write(buf); err != nil {
		return fmt.Errorf("write tail: %w", err)
	}
	if err := s.tailFile.Sync(); err != nil {
		return fmt.Errorf("sync tail file: %w", err)
	}
	return nil
}

// Close closes the file store.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.logFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log file: %w", err))
	}
	if err := s.tailFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tail file: %w", err))
	}
	return errors.Join(errs...)
}
