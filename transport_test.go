package tpmlog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

//revive:disable:function-length Long test functions are acceptable

func newTestCollector(t *testing.T, cfg CollectorConfig) (RangeStore, *httptest.Server) {
	t.Helper()
	store := openTestSQLite(t)
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	c := NewCollector(store, cfg)
	mux := http.NewServeMux()
	c.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return store, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHTTPTransport_Send(t *testing.T) {
	for _, enc := range []Encoding{EncodingJSON, EncodingProto} {
		t.Run(string(enc), func(t *testing.T) {
			store, srv := newTestCollector(t, CollectorConfig{Username: "logger", Password: "pw"})
			rec := sampleRecords(t, 1)[0]

			tr := NewHTTPTransport(srv.URL, enc)
			tr.Username, tr.Password = "logger", "pw"
			defer tr.Close()

			if !tr.Connected() {
				t.Fatal("fresh transport reports disconnected")
			}
			if err := tr.Send(context.Background(), rec.Document()); err != nil {
				t.Fatalf("Send: %v", err)
			}
			got, err := ReadAll(store, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 {
				t.Fatalf("collector stored %d records", len(got))
			}
			assertSameRecord(t, got[0], rec)
		})
	}
}

func TestHTTPTransport_Unauthorized(t *testing.T) {
	_, srv := newTestCollector(t, CollectorConfig{Username: "logger", Password: "pw"})
	tr := NewHTTPTransport(srv.URL, EncodingJSON)
	tr.Username, tr.Password = "logger", "wrong"

	err := tr.Send(context.Background(), sampleRecords(t, 1)[0].Document())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401, got %v", err)
	}
	if !tr.Connected() {
		t.Error("client error must not mark the transport down")
	}
}

func TestHTTPTransport_ServerErrorMarksDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, EncodingJSON)
	tr.RetryAfter = time.Hour
	if err := tr.Send(context.Background(), Document{}); err == nil {
		t.Fatal("expected error")
	}
	if tr.Connected() {
		t.Error("transport still connected after 503")
	}
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(url, EncodingJSON)
	err := tr.Send(context.Background(), Document{})
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	if tr.Connected() {
		t.Error("transport still connected after dial failure")
	}
}

func TestLocalTransport(t *testing.T) {
	store := openTestSQLite(t)
	tr := NewLocalTransport(store)
	rec := sampleRecords(t, 1)[0]

	if !tr.Connected() {
		t.Fatal("local transport must be connected")
	}
	if err := tr.Send(context.Background(), rec.Document()); err != nil {
		t.Fatal(err)
	}
	if err := tr.Send(context.Background(), Document{PCR: "xyz"}); err == nil {
		t.Error("malformed document accepted")
	}
	got, _ := ReadAll(store, 0)
	if len(got) != 1 {
		t.Fatalf("stored %d records", len(got))
	}
	assertSameRecord(t, got[0], rec)
}

func TestNopTransport(t *testing.T) {
	var tr NopTransport
	if tr.Connected() {
		t.Error("nop transport connected")
	}
	if err := tr.Send(context.Background(), Document{}); !errors.Is(err, ErrTransportUnavailable) {
		t.Errorf("Send = %v", err)
	}
}

func TestWSTransport_StreamsToCollector(t *testing.T) {
	store, srv := newTestCollector(t, CollectorConfig{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"

	tr := NewWSTransport(url, nil, discardLogger())
	defer tr.Close()
	waitFor(t, "websocket connect", tr.Connected)

	recs := sampleRecords(t, 3)
	for _, r := range recs {
		if err := tr.Send(context.Background(), r.Document()); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	waitFor(t, "records stored", func() bool {
		got, _ := ReadAll(store, 0)
		return len(got) == 3
	})
	got, _ := ReadAll(store, 0)
	for i := range recs {
		assertSameRecord(t, got[i], recs[i])
	}
}

func TestWSTransport_UnavailableUntilConnected(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	tr := NewWSTransport(url, nil, discardLogger())
	if tr.Connected() {
		t.Error("connected to a closed server")
	}
	if err := tr.Send(context.Background(), Document{}); !errors.Is(err, ErrTransportUnavailable) {
		t.Errorf("Send = %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = tr.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked while redialing")
	}
}

func TestMQTTTransport_DisconnectedBroker(t *testing.T) {
	tr := NewMQTTTransport(MQTTConfig{
		Broker: "tcp://127.0.0.1:1",
		Topic:  "tpmlog/test",
		Logger: discardLogger(),
	})
	defer tr.Close()

	if tr.Connected() {
		t.Fatal("connected to a closed port")
	}
	if err := tr.Send(context.Background(), Document{}); !errors.Is(err, ErrTransportUnavailable) {
		t.Errorf("Send = %v", err)
	}
}
