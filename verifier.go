package tpmlog

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// VerifierState is the phase of the verification loop.
type VerifierState int32

// Verifier states. The loop alternates Polling and Draining until stopped.
const (
	StateIdle VerifierState = iota
	StatePolling
	StateDraining
)

func (s VerifierState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("VerifierState(%d)", int32(s))
	}
}

// Outcome is the verdict for one record.
type Outcome int

// Verification outcomes.
const (
	OutcomeVerified Outcome = iota
	OutcomeSignatureInvalid
	OutcomeChainBroken
	OutcomeTPMFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVerified:
		return "verified"
	case OutcomeSignatureInvalid:
		return "signature-invalid"
	case OutcomeChainBroken:
		return "chain-broken"
	case OutcomeTPMFailure:
		return "tpm-failure"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Verification is the result of checking one record.
type Verification struct {
	Record    SignedRecord
	Outcome   Outcome
	Err       error
	Duplicate bool // outcome taken from an earlier check of the same record
}

// RecordVerifier checks one record signature. *Chain implements it.
type RecordVerifier interface {
	Algorithm() HashAlg
	VerifyExternal(r SignedRecord) (bool, error)
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	PollInterval   time.Duration // pause between polls (default 10s)
	InitialLimit   int           // batch size of the first poll (default 5)
	BatchLimit     int           // batch size of later polls (default 100)
	QueueSize      int           // bounded work queue capacity (default 256)
	DequeueTimeout time.Duration // worker wake-up period to observe stop (default 500ms)
	CacheSize      int           // remembered outcomes for duplicates (default 4096)
	Now            func() time.Time
	// OnResult, when set, receives every verification after it is logged.
	OnResult func(Verification)
	Logger   *slog.Logger
}

// Verifier polls a remote store for signed records and re-validates them.
// One poll loop produces into a bounded queue; one worker drains it.
type Verifier struct {
	cfg    VerifierConfig
	chain  RecordVerifier
	query  RemoteQuery
	cursor Cursor
	log    *slog.Logger

	queue   chan SignedRecord
	running atomic.Bool
	state   atomic.Int32
	polls   atomic.Uint64
	seen    *lru.Cache[string, Verification]
	tracker *ChainTracker

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var errStopped = errors.New("verifier stopped")

// NewVerifier wires a verifier. The chain must already have its external key loaded.
func NewVerifier(chain RecordVerifier, query RemoteQuery, cursor Cursor, cfg VerifierConfig) (*Verifier, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.InitialLimit <= 0 {
		cfg.InitialLimit = 5
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 500 * time.Millisecond
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seen, err := lru.New[string, Verification](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("outcome cache: %w", err)
	}
	return &Verifier{
		cfg:     cfg,
		chain:   chain,
		query:   query,
		cursor:  cursor,
		log:     logger,
		queue:   make(chan SignedRecord, cfg.QueueSize),
		seen:    seen,
		tracker: NewChainTracker(chain.Algorithm(), nil),
		stop:    make(chan struct{}),
	}, nil
}

// State returns the current loop phase.
func (v *Verifier) State() VerifierState { return VerifierState(v.state.Load()) }

// Start launches the poll loop and the drain worker.
func (v *Verifier) Start(ctx context.Context) {
	if !v.running.CompareAndSwap(false, true) {
		return
	}
	v.wg.Add(2)
	go func() {
		defer v.wg.Done()
		v.drain()
	}()
	go func() {
		defer v.wg.Done()
		v.pollLoop(ctx)
	}()
}

// Stop clears the run flag and waits for the poll loop and the worker.
// Records already queued are verified before Stop returns.
func (v *Verifier) Stop() {
	v.running.Store(false)
	v.stopOnce.Do(func() { close(v.stop) })
	v.wg.Wait()
	v.state.Store(int32(StateIdle))
}

// Run starts the verifier and stops it when ctx is done.
func (v *Verifier) Run(ctx context.Context) error {
	v.Start(ctx)
	<-ctx.Done()
	v.Stop()
	return nil
}

func (v *Verifier) pollLoop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Stop aborts an in-flight query or rate-limit wait.
	go func() {
		select {
		case <-v.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	timer := time.NewTimer(v.cfg.PollInterval)
	timer.Stop()
	defer timer.Stop()

	for v.running.Load() {
		if _, err := v.PollOnce(ctx); err != nil && !errors.Is(err, errStopped) && ctx.Err() == nil {
			v.log.Warn("poll failed, window will be re-queried", "err", err)
		}
		timer.Reset(v.cfg.PollInterval)
		select {
		case <-v.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// PollOnce runs one Polling phase: query [cursor, now), enqueue every
// record, then persist now as the new cursor. On any failure the cursor is
// left unchanged so the window is queried again.
func (v *Verifier) PollOnce(ctx context.Context) (int, error) {
	v.state.Store(int32(StatePolling))
	defer v.state.Store(int32(StateDraining))

	from, err := v.cursor.Load()
	if err != nil {
		return 0, err
	}
	now := unixSeconds(v.cfg.Now())
	limit := v.cfg.BatchLimit
	if v.polls.Load() == 0 {
		limit = v.cfg.InitialLimit
	}

	recs, err := v.query.Query(ctx, from, now, limit)
	if err != nil {
		return 0, err
	}
	v.polls.Add(1)

	for i, r := range recs {
		select {
		case v.queue <- r:
		case <-v.stop:
			return i, errStopped
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}

	if err := v.cursor.Store(now); err != nil {
		return len(recs), err
	}
	v.log.Debug("poll complete", "from", from, "to", now, "records", len(recs))
	return len(recs), nil
}

func (v *Verifier) drain() {
	timer := time.NewTimer(v.cfg.DequeueTimeout)
	defer timer.Stop()

	for {
		select {
		case r := <-v.queue:
			v.Check(r)
		case <-timer.C:
			if !v.running.Load() {
				v.drainRemaining()
				return
			}
		}
		timer.Reset(v.cfg.DequeueTimeout)
	}
}

func (v *Verifier) drainRemaining() int {
	n := 0
	for {
		select {
		case r := <-v.queue:
			v.Check(r)
			n++
		default:
			return n
		}
	}
}

// Flush verifies every queued record on the calling goroutine and returns
// how many it checked. Use it with PollOnce when the loop is not running.
func (v *Verifier) Flush() int {
	if v.running.Load() {
		return 0
	}
	return v.drainRemaining()
}

// Check verifies one record and logs the outcome. A record seen before gets
// its cached outcome; TPM failures are not cached.
func (v *Verifier) Check(r SignedRecord) Verification {
	key := recordKey(r)
	if prev, ok := v.seen.Get(key); ok {
		prev.Duplicate = true
		prev.Record = r
		v.log.Debug("duplicate record", "id", r.ID, "outcome", prev.Outcome.String())
		v.report(prev)
		return prev
	}

	res := Verification{Record: r}
	ok, err := v.chain.VerifyExternal(r)
	// The tracker advances onto r whatever the signature verdict.
	cerr := v.tracker.Check(r)
	switch {
	case err != nil:
		res.Outcome, res.Err = OutcomeTPMFailure, err
	case !ok:
		res.Outcome, res.Err = OutcomeSignatureInvalid, ErrSignatureInvalid
	case cerr != nil:
		res.Outcome, res.Err = OutcomeChainBroken, cerr
	}

	v.logOutcome(res)
	if res.Outcome != OutcomeTPMFailure {
		v.seen.Add(key, res)
	}
	v.report(res)
	return res
}

func (v *Verifier) logOutcome(res Verification) {
	attrs := []any{
		"id", res.Record.ID,
		"timestamp", res.Record.Timestamp,
		"pcr", hex.EncodeToString(res.Record.PCR),
		"new_chain", res.Record.IsNewChain,
	}
	switch res.Outcome {
	case OutcomeVerified:
		v.log.Info("record verified", attrs...)
	case OutcomeTPMFailure:
		op, _ := IsTPMFailure(res.Err)
		v.log.Error("record not verified", append(attrs, "op", op, "err", res.Err)...)
	default:
		v.log.Warn("verification mismatch",
			append(attrs, "event", "security", "outcome", res.Outcome.String(), "err", res.Err)...)
	}
}

func (v *Verifier) report(res Verification) {
	if v.cfg.OnResult != nil {
		v.cfg.OnResult(res)
	}
}
