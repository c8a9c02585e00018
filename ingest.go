package tpmlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultReadGrace is how long a read waits before reporting "no data yet".
const DefaultReadGrace = 200 * time.Millisecond

// DefaultMaxLine is the longest input line a LineReader accepts.
const DefaultMaxLine = 64 << 10

// LineSource yields newline-delimited messages. ok is false with a nil error
// when no complete line is available yet.
type LineSource interface {
	ReadLine() (line string, ok bool, err error)
}

// LineReader reads lines from a pollable file such as a FIFO or a pipe.
type LineReader struct {
	f       *os.File
	grace   time.Duration
	max     int
	buf     []byte
	chunk   []byte
	skip    bool // discarding the rest of an overlong line
	dropped uint64
	log     *slog.Logger
}

// NewLineReader wraps f. A zero grace uses DefaultReadGrace.
func NewLineReader(f *os.File, grace time.Duration) *LineReader {
	if grace <= 0 {
		grace = DefaultReadGrace
	}
	return &LineReader{f: f, grace: grace, max: DefaultMaxLine, chunk: make([]byte, 4096), log: slog.Default()}
}

// SetMaxLine sets the longest line accepted. Longer lines are dropped whole.
func (l *LineReader) SetMaxLine(n int) {
	if n > 0 {
		l.max = n
	}
}

// SetLogger sets where dropped lines are reported.
func (l *LineReader) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.log = logger
	}
}

// Dropped returns how many overlong lines were discarded.
func (l *LineReader) Dropped() uint64 { return l.dropped }

func (l *LineReader) drop() {
	l.dropped++
	l.log.Warn("dropping overlong input line", "max", l.max, "dropped", l.dropped)
}

// ReadLine returns the next line without its terminator. An expired read
// deadline or EOF with no complete line is reported as ok=false.
func (l *LineReader) ReadLine() (string, bool, error) {
	for {
		if i := bytes.IndexByte(l.buf, '\n'); i >= 0 {
			rest := l.buf[i+1:]
			switch {
			case l.skip:
				l.skip = false
			case i > l.max:
				l.drop()
			default:
				line := strings.TrimSuffix(string(l.buf[:i]), "\r")
				l.buf = append(l.buf[:0], rest...)
				return line, true, nil
			}
			l.buf = append(l.buf[:0], rest...)
			continue
		}
		if len(l.buf) > l.max {
			if !l.skip {
				l.drop()
			}
			l.skip = true
			l.buf = l.buf[:0]
		}

		if err := l.f.SetReadDeadline(time.Now().Add(l.grace)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return "", false, fmt.Errorf("set read deadline: %w", err)
		}
		n, err := l.f.Read(l.chunk)
		l.buf = append(l.buf, l.chunk[:n]...)
		switch {
		case err == nil && n > 0:
			continue
		case err == nil, errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, io.EOF):
			if n > 0 {
				continue
			}
			return "", false, nil
		default:
			return "", false, fmt.Errorf("read: %w", err)
		}
	}
}

// Close closes the underlying file.
func (l *LineReader) Close() error { return l.f.Close() }

// OpenFIFO opens the named pipe at path, creating it when missing. The pipe
// is opened read-write so the open does not wait for a writer and the reader
// never sees EOF when writers come and go.
func OpenFIFO(path string) (*os.File, error) {
	st, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := unix.Mkfifo(path, 0600); err != nil && !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("create fifo %s: %w", path, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat fifo %s: %w", path, err)
	case st.Mode()&os.ModeNamedPipe == 0:
		return nil, fmt.Errorf("%s exists and is not a fifo", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open fifo %s: %w", path, err)
	}
	return f, nil
}

// Signer turns an entry into a signed record. *Chain implements it.
type Signer interface {
	Sign(entry LogEntry) (SignedRecord, error)
}

// RecordPublisher accepts records for delivery. *Publisher implements it.
type RecordPublisher interface {
	Publish(r SignedRecord) bool
}

// IngestConfig configures an Ingestor.
type IngestConfig struct {
	Backoff time.Duration // pause after an empty read (default 100ms)
	Parser  Parser
	Logger  *slog.Logger
}

// Ingestor is the single signing loop: read one line, parse it, sign it,
// append it to the local store and hand it to the publisher. Exactly one
// entry is in flight at any time.
type Ingestor struct {
	src     LineSource
	signer  Signer
	store   Store
	pub     RecordPublisher
	parser  Parser
	backoff time.Duration
	log     *slog.Logger

	signed atomic.Uint64
	failed atomic.Uint64
}

// NewIngestor wires a source to a signer. store and pub may be nil.
func NewIngestor(src LineSource, signer Signer, store Store, pub RecordPublisher, cfg IngestConfig) *Ingestor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		src:     src,
		signer:  signer,
		store:   store,
		pub:     pub,
		parser:  cfg.Parser,
		backoff: cfg.Backoff,
		log:     logger,
	}
}

// Run loops until ctx is cancelled or the source fails.
func (in *Ingestor) Run(ctx context.Context) error {
	timer := time.NewTimer(in.backoff)
	timer.Stop()
	defer timer.Stop()

	for ctx.Err() == nil {
		line, ok, err := in.src.ReadLine()
		if err != nil {
			return fmt.Errorf("read line: %w", err)
		}
		if !ok {
			timer.Reset(in.backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
			continue
		}
		if line == "" {
			continue
		}
		_, _ = in.Handle(line)
	}
	in.log.Info("ingestion stopped", "signed", in.signed.Load(), "failed", in.failed.Load())
	return nil
}

// Handle processes one line. Errors are logged and returned; they never
// stop the loop.
func (in *Ingestor) Handle(line string) (SignedRecord, error) {
	entry, perr := in.parser.Parse(line)
	if perr != nil {
		in.log.Debug("parse fallback", "err", perr)
	}

	rec, err := in.signer.Sign(entry)
	if err != nil {
		in.failed.Add(1)
		op, _ := IsTPMFailure(err)
		in.log.Error("sign failed", "op", op, "err", err)
		return SignedRecord{}, err
	}
	in.signed.Add(1)

	if in.store != nil {
		idx, err := in.store.Append(rec)
		if err != nil {
			in.log.Error("local append failed", "pcr", fmt.Sprintf("%x", rec.PCR), "err", err)
		} else {
			rec.Index = idx
		}
	}

	if in.pub != nil && !in.pub.Publish(rec) {
		in.log.Debug("record not published", "index", rec.Index, "err", ErrTransportUnavailable)
	}
	return rec, nil
}

// Stats returns the number of signed and failed entries so far.
func (in *Ingestor) Stats() (signed, failed uint64) {
	return in.signed.Load(), in.failed.Load()
}
