package tpmlog

import (
	"context"
	"log/slog"
	"time"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	QueueSize   int           // buffered documents awaiting delivery (default 256)
	SendTimeout time.Duration // per-document send timeout (default 10s)
	Logger      *slog.Logger
}

// Publisher hands signed records to a Transport without ever blocking the
// signing loop. Delivery happens on the goroutine running Run.
type Publisher struct {
	t       Transport
	log     *slog.Logger
	timeout time.Duration
	queue   chan Document
}

// NewPublisher creates a publisher over t.
func NewPublisher(t Transport, cfg PublisherConfig) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		t:       t,
		log:     logger,
		timeout: cfg.SendTimeout,
		queue:   make(chan Document, cfg.QueueSize),
	}
}

// Publish queues r for delivery. It returns false without blocking when the
// transport is disconnected or the queue is full; the local store remains
// the durable copy either way.
func (p *Publisher) Publish(r SignedRecord) bool {
	if !p.t.Connected() {
		return false
	}
	select {
	case p.queue <- r.Document():
		return true
	default:
		p.log.Warn("publish queue full, record kept locally only", "index", r.Index)
		return false
	}
}

// Run delivers queued documents until ctx is done. Send failures are logged
// and the document is dropped from the queue.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-p.queue:
			sctx, cancel := context.WithTimeout(ctx, p.timeout)
			err := p.t.Send(sctx, d)
			cancel()
			if err != nil {
				p.log.Warn("publish failed", "pcr", d.PCR, "err", err)
			}
		}
	}
}

// Pending is the number of queued documents.
func (p *Publisher) Pending() int { return len(p.queue) }
