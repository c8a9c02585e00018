package tpmlog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport streams documents as JSON text frames over one WebSocket.
// A background loop redials with exponential backoff while the socket is down.
type WSTransport struct {
	url    string
	header http.Header
	log    *slog.Logger
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	redial chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSTransport starts dialing url in the background.
func NewWSTransport(url string, header http.Header, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &WSTransport{
		url:    url,
		header: header,
		log:    logger,
		dialer: websocket.DefaultDialer,
		redial: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	t.redial <- struct{}{}
	t.wg.Add(1)
	go t.maintain()
	return t
}

func (t *WSTransport) maintain() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.redial:
		}
		conn, ok := t.dial()
		if !ok {
			return
		}
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.log.Info("websocket connected", "url", t.url)

		t.wg.Add(1)
		go t.drainReads(conn)
	}
}

func (t *WSTransport) dial() (*websocket.Conn, bool) {
	backoff := 500 * time.Millisecond
	for {
		conn, _, err := t.dialer.DialContext(t.ctx, t.url, t.header)
		if err == nil {
			return conn, true
		}
		t.log.Debug("websocket dial failed", "url", t.url, "err", err)
		select {
		case <-t.ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

// drainReads consumes control frames and notices when the peer goes away.
func (t *WSTransport) drainReads(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			t.drop(conn)
			return
		}
	}
}

// drop forgets conn if it is still current and schedules a redial.
func (t *WSTransport) drop(conn *websocket.Conn) {
	t.mu.Lock()
	current := t.conn == conn
	if current {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
	if current && t.ctx.Err() == nil {
		select {
		case t.redial <- struct{}{}:
		default:
		}
	}
}

// Connected reports whether a socket is open.
func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Send writes d as a JSON frame. A write error drops the socket.
func (t *WSTransport) Send(ctx context.Context, d Document) error {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return ErrTransportUnavailable
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = conn.SetWriteDeadline(deadline)
	err := conn.WriteJSON(d)
	t.mu.Unlock()

	if err != nil {
		t.drop(conn)
		return fmt.Errorf("%w: websocket write: %w", ErrTransportUnavailable, err)
	}
	return nil
}

// Close stops redialing and closes the socket.
func (t *WSTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	t.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}
