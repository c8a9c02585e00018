package tpmlog

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	xsrfHeader   = "X-XSRF-TOKEN"
	maxBodyBytes = 1 << 20
)

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	Collection string // accepted query collection; empty accepts any
	Username   string // basic auth; empty disables auth
	Password   string
	XSRFToken  string // required on queries when set
	MaxLimit   int    // upper bound for a query $limit (default 1000)
	Logger     *slog.Logger
}

// Collector is the remote record store: it accepts published documents and
// answers the verifier's window queries.
type Collector struct {
	store     RangeStore
	cfg       CollectorConfig
	log       *slog.Logger
	tlsConfig *tls.Config
	upgrader  websocket.Upgrader
}

// NewCollector creates a collector backed by store.
func NewCollector(store RangeStore, cfg CollectorConfig) *Collector {
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 1000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store: store,
		cfg:   cfg,
		log:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetTLSConfig clones cfg and stores it for use when serving HTTPS requests.
// If cfg is nil a default configuration will be used.
func (c *Collector) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		c.tlsConfig = nil
		return
	}
	c.tlsConfig = cfg.Clone()
}

// isProtobuf checks if the request content type is protobuf.
func isProtobuf(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	return strings.HasPrefix(contentType, "application/x-protobuf") ||
		strings.HasPrefix(contentType, "application/protobuf")
}

func (c *Collector) authorized(r *http.Request) bool {
	if c.cfg.Username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(c.cfg.Password)) == 1
	return userOK && passOK
}

func (c *Collector) xsrfValid(r *http.Request) bool {
	if c.cfg.XSRFToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get(xsrfHeader)), []byte(c.cfg.XSRFToken)) == 1
}

// decodeDocument decodes a Document from either JSON or Protobuf.
func decodeDocument(r *http.Request) (Document, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return Document{}, fmt.Errorf("read body: %w", err)
	}
	enc := EncodingJSON
	if isProtobuf(r) {
		enc = EncodingProto
	}
	return DecodeDocument(body, enc)
}

func (c *Collector) ingest(d Document) (string, uint64, error) {
	rec, err := d.Record()
	if err != nil {
		return "", 0, err
	}
	rec.ID = uuid.NewString()
	idx, err := c.store.Append(rec)
	if err != nil {
		return "", 0, fmt.Errorf("store record: %w", err)
	}
	return rec.ID, idx, nil
}

// HandleRecord handles POST /api/v1/records - one published document.
// Supports both JSON and Protocol Buffer encoding.
func (c *Collector) HandleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !c.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="tpmlog"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	d, err := decodeDocument(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid record: %v", err), http.StatusBadRequest)
		return
	}
	id, idx, err := c.ingest(d)
	if err != nil {
		c.log.Error("record rejected", "err", err)
		http.Error(w, fmt.Sprintf("Invalid record: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"_id":   id,
		"index": idx,
	})
}

// HandleStream handles GET /api/v1/ws - a WebSocket carrying one JSON
// document per text frame.
func (c *Collector) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("stream closed", "remote", r.RemoteAddr, "err", err)
			}
			return
		}
		d, err := DecodeDocument(data, EncodingJSON)
		if err == nil {
			_, _, err = c.ingest(d)
		}
		if err != nil {
			c.log.Warn("stream record rejected", "remote", r.RemoteAddr, "err", err)
		}
	}
}

// HandleQuery handles POST /api/v1/query - aggregation window queries.
func (c *Collector) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !c.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="tpmlog"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !c.xsrfValid(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var q QueryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&q); err != nil {
		http.Error(w, fmt.Sprintf("Invalid query: %v", err), http.StatusBadRequest)
		return
	}
	if c.cfg.Collection != "" && q.Collection != c.cfg.Collection {
		http.Error(w, fmt.Sprintf("Unknown collection %q", q.Collection), http.StatusNotFound)
		return
	}

	start, end, inclusive, limit := q.Window()
	if inclusive {
		end = math.Nextafter(end, inf)
	}
	if limit <= 0 || limit > c.cfg.MaxLimit {
		limit = c.cfg.MaxLimit
	}
	recs, err := c.store.Range(start, end, limit)
	if err != nil {
		c.log.Error("query failed", "err", err)
		http.Error(w, "Query failed", http.StatusInternalServerError)
		return
	}

	items := make([]QueryItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, QueryItem{ID: rec.ID, Payload: rec.Document()})
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	_ = json.NewEncoder(w).Encode(items)
}

// SetupRoutes configures HTTP routes for the collector.
func (c *Collector) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/records", c.HandleRecord)
	mux.HandleFunc("/api/v1/ws", c.HandleStream)
	mux.HandleFunc("/api/v1/query", c.HandleQuery)
}

func (c *Collector) tlsConfigWithDefaults() *tls.Config {
	if c.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := c.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// Serve listens on addr until ctx is done, over TLS when certFile is set.
func (c *Collector) Serve(ctx context.Context, addr, certFile, keyFile string) error {
	mux := http.NewServeMux()
	c.SetupRoutes(mux)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		TLSConfig:         c.tlsConfigWithDefaults(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.log.Info("collector listening", "addr", addr, "tls", certFile != "")
		if certFile != "" {
			errCh <- server.ListenAndServeTLS(certFile, keyFile)
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
