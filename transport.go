package tpmlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrTransportUnavailable is returned when a transport cannot deliver right now.
var ErrTransportUnavailable = errors.New("transport unavailable")

// Transport delivers published documents to a remote collector.
// Reconnection is the transport's own job.
type Transport interface {
	// Connected reports whether Send is currently worth attempting. It must not block.
	Connected() bool
	Send(ctx context.Context, d Document) error
	Close() error
}

// HTTPTransport posts documents to a collector's /api/v1/records endpoint.
type HTTPTransport struct {
	BaseURL  string       // Base URL of the collector (e.g., "https://collector.example.com")
	Client   *http.Client // HTTP client (can customize timeouts, TLS, etc.)
	Encoding Encoding
	Username string
	Password string
	// RetryAfter is how long the transport reports itself disconnected after a failed send.
	RetryAfter time.Duration

	mu        sync.Mutex
	downUntil time.Time
}

// NewHTTPTransport creates an HTTP transport for a collector.
func NewHTTPTransport(baseURL string, enc Encoding) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:    baseURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
		Encoding:   enc,
		RetryAfter: 5 * time.Second,
	}
}

// Connected is false for RetryAfter after a failed send.
func (t *HTTPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Now().After(t.downUntil)
}

func (t *HTTPTransport) markDown() {
	t.mu.Lock()
	t.downUntil = time.Now().Add(t.RetryAfter)
	t.mu.Unlock()
}

// Send posts one document.
func (t *HTTPTransport) Send(ctx context.Context, d Document) error {
	data, err := EncodeDocument(d, t.Encoding)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/api/v1/records", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", t.Encoding.ContentType())
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		t.markDown()
		return fmt.Errorf("%w: post record: %w", ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= http.StatusInternalServerError {
			t.markDown()
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.Client.CloseIdleConnections()
	return nil
}

// LocalTransport appends documents straight into an in-process store.
// Useful for tests or single-machine deployments where the collector is co-located.
type LocalTransport struct {
	Store Store
}

// NewLocalTransport creates a transport writing into store.
func NewLocalTransport(store Store) *LocalTransport {
	return &LocalTransport{Store: store}
}

// Connected is always true.
func (t *LocalTransport) Connected() bool { return true }

// Send decodes the document and appends it to the store.
func (t *LocalTransport) Send(_ context.Context, d Document) error {
	r, err := d.Record()
	if err != nil {
		return err
	}
	_, err = t.Store.Append(r)
	return err
}

// Close does not close the underlying store.
func (t *LocalTransport) Close() error { return nil }

// NopTransport never delivers; the local store stays the only copy.
type NopTransport struct{}

func (NopTransport) Connected() bool                       { return false }
func (NopTransport) Send(context.Context, Document) error { return ErrTransportUnavailable }
func (NopTransport) Close() error                          { return nil }
