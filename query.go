package tpmlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// ErrRemoteQueryFailed wraps every failure of a remote record query.
var ErrRemoteQueryFailed = errors.New("remote query failed")

// RemoteQuery fetches candidate records with start <= Timestamp < end.
type RemoteQuery interface {
	Query(ctx context.Context, start, end float64, limit int) ([]SignedRecord, error)
}

var inf = math.Inf(1)

// Decimal is a number written as {"$numberDecimal": "<value>"}.
type Decimal float64

// MarshalJSON writes the extended-JSON decimal form.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"$numberDecimal": strconv.FormatFloat(float64(d), 'f', -1, 64),
	})
}

// UnmarshalJSON accepts the value as a string or a bare number.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Value json.RawMessage `json:"$numberDecimal"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	if len(wrapped.Value) == 0 {
		return errors.New("missing $numberDecimal")
	}
	raw := wrapped.Value
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = []byte(s)
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return fmt.Errorf("parse $numberDecimal: %w", err)
	}
	*d = Decimal(v)
	return nil
}

// TimeRange bounds payload.Timestamp. LTE is accepted for older clients.
type TimeRange struct {
	GTE *Decimal `json:"$gte,omitempty"`
	LT  *Decimal `json:"$lt,omitempty"`
	LTE *Decimal `json:"$lte,omitempty"`
}

// QueryMatch is the $match stage.
type QueryMatch struct {
	Timestamp TimeRange `json:"payload.Timestamp"`
}

// QueryStage is one element of the aggregation pipeline.
type QueryStage struct {
	Limit *int        `json:"$limit,omitempty"`
	Match *QueryMatch `json:"$match,omitempty"`
}

// QueryRequest is the body posted to the remote query endpoint.
type QueryRequest struct {
	Collection string       `json:"collection"`
	Query      []QueryStage `json:"query"`
}

// QueryItem is one element of the query answer.
type QueryItem struct {
	ID      string   `json:"_id"`
	Payload Document `json:"payload"`
}

// NewQueryRequest builds the pipeline [{$limit}, {$match: [start, end)}].
func NewQueryRequest(collection string, start, end float64, limit int) QueryRequest {
	gte, lt := Decimal(start), Decimal(end)
	return QueryRequest{
		Collection: collection,
		Query: []QueryStage{
			{Limit: &limit},
			{Match: &QueryMatch{Timestamp: TimeRange{GTE: &gte, LT: &lt}}},
		},
	}
}

// Window extracts the time window and limit from a request. A missing lower
// bound is 0, a missing upper bound is +Inf, and a missing limit is 0.
func (q QueryRequest) Window() (start, end float64, inclusiveEnd bool, limit int) {
	end = inf
	for _, st := range q.Query {
		if st.Limit != nil {
			limit = *st.Limit
		}
		if st.Match == nil {
			continue
		}
		tr := st.Match.Timestamp
		if tr.GTE != nil {
			start = float64(*tr.GTE)
		}
		switch {
		case tr.LT != nil:
			end = float64(*tr.LT)
		case tr.LTE != nil:
			end, inclusiveEnd = float64(*tr.LTE), true
		}
	}
	return start, end, inclusiveEnd, limit
}

// HTTPQueryConfig configures an HTTPQuery.
type HTTPQueryConfig struct {
	URL        string
	Collection string
	Username   string
	Password   string
	XSRFToken  string
	Client     *http.Client
	// Rate and Burst throttle outgoing queries; zero Rate means unlimited.
	Rate   rate.Limit
	Burst  int
	Logger *slog.Logger
}

// HTTPQuery posts aggregation queries to a remote record store.
type HTTPQuery struct {
	cfg     HTTPQueryConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewHTTPQuery creates a query client.
func NewHTTPQuery(cfg HTTPQueryConfig) *HTTPQuery {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := cfg.Rate
	if limit == 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPQuery{cfg: cfg, client: client, limiter: rate.NewLimiter(limit, burst), log: logger}
}

// Query fetches up to limit records in [start, end). Payloads that cannot be
// decoded are logged as security events and skipped.
func (q *HTTPQuery) Query(ctx context.Context, start, end float64, limit int) ([]SignedRecord, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteQueryFailed, err)
	}

	body, err := json.Marshal(NewQueryRequest(q.cfg.Collection, start, end, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: encode query: %w", ErrRemoteQueryFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrRemoteQueryFailed, err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	if q.cfg.XSRFToken != "" {
		req.Header.Set(xsrfHeader, q.cfg.XSRFToken)
	}
	if q.cfg.Username != "" {
		req.SetBasicAuth(q.cfg.Username, q.cfg.Password)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteQueryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: server returned %d: %s", ErrRemoteQueryFailed, resp.StatusCode, msg)
	}

	var items []QueryItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: decode answer: %w", ErrRemoteQueryFailed, err)
	}

	out := make([]SignedRecord, 0, len(items))
	for _, it := range items {
		r, err := it.Payload.Record()
		if err != nil {
			q.log.Warn("malformed remote record", "event", "security", "id", it.ID, "err", err)
			continue
		}
		r.ID = it.ID
		out = append(out, r)
	}
	return out, nil
}
