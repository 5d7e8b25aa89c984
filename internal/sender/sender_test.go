package sender

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Guliveer/dynoscale/agent/internal/config"
	"github.com/Guliveer/dynoscale/agent/internal/models"
	"github.com/Guliveer/dynoscale/agent/internal/version"
)

func testConfig(url string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Dyno = "web.1"
	cfg.URL = url
	return cfg
}

func TestEncodeCSV(t *testing.T) {
	records := []models.StoredRecord{
		{ID: 1, Record: models.Record{Timestamp: 1_700_000_000, Metric: 42, Source: "web"}},
		{ID: 2, Record: models.Record{Timestamp: 1_700_000_001, Metric: -3, Source: "rq:default", Metadata: "a,b"}},
	}
	want := "1700000000,42,web,\r\n1700000001,-3,rq:default,a,b\r\n"
	if got := string(EncodeCSV(records)); got != want {
		t.Errorf("EncodeCSV() = %q, want %q", got, want)
	}
}

func TestEncodeCSV_Empty(t *testing.T) {
	if got := EncodeCSV(nil); len(got) != 0 {
		t.Errorf("EncodeCSV(nil) = %q, want empty", got)
	}
}

func TestSend_Headers(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    []byte
		gotMethod  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"config":{"publish_frequency":30}}`))
	}))
	defer srv.Close()

	s := New(testConfig(srv.URL), nil, srv.Client())
	resp, err := s.Send(context.Background(), []byte("1,2,web,\r\n"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !resp.OK() {
		t.Errorf("StatusCode = %d, want 2xx", resp.StatusCode)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if ct := gotHeaders.Get("Content-Type"); ct != ContentType {
		t.Errorf("Content-Type = %q, want %q", ct, ContentType)
	}
	if ua := gotHeaders.Get("User-Agent"); ua != version.UserAgent() {
		t.Errorf("User-Agent = %q, want %q", ua, version.UserAgent())
	}
	// net/http canonicalizes incoming keys, underscores included.
	if dyno := gotHeaders.Get(DynoHeader); dyno != "web.1" {
		t.Errorf("%s = %q, want web.1", DynoHeader, dyno)
	}
	if string(gotBody) != "1,2,web,\r\n" {
		t.Errorf("body = %q", gotBody)
	}
	if d, ok := ParseConfigResponse(resp.Body); !ok || d != 30*time.Second {
		t.Errorf("ParseConfigResponse() = (%v, %v), want (30s, true)", d, ok)
	}
}

func TestSend_EmptyPayload(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := New(testConfig(srv.URL), nil, srv.Client())
	if _, err := s.Send(context.Background(), nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Send(nil) error = %v, want ErrEmptyPayload", err)
	}
	if called {
		t.Error("empty payload must not reach the collector")
	}
}

func TestSend_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(testConfig(srv.URL), nil, srv.Client())
	resp, err := s.Send(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.OK() || resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", resp.StatusCode)
	}
}

func TestSend_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := New(testConfig(url), nil, nil)
	if _, err := s.Send(context.Background(), []byte("x")); err == nil {
		t.Error("Send() to a closed server should fail")
	}
}

func TestResponse_OK(t *testing.T) {
	var nilResp *Response
	if nilResp.OK() {
		t.Error("nil response must not be OK")
	}
	for code, want := range map[int]bool{199: false, 200: true, 204: true, 299: true, 300: false, 404: false} {
		if got := (&Response{StatusCode: code}).OK(); got != want {
			t.Errorf("OK() for %d = %v, want %v", code, got, want)
		}
	}
}

func TestParseConfigResponse(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   time.Duration
		wantOK bool
	}{
		{"int", `{"config":{"publish_frequency":123}}`, 123 * time.Second, true},
		{"float", `{"config":{"publish_frequency":1.5}}`, 1500 * time.Millisecond, true},
		{"string int", `{"config":{"publish_frequency":"123"}}`, 123 * time.Second, true},
		{"string float", `{"config":{"publish_frequency":"0.25"}}`, 250 * time.Millisecond, true},
		{"huge", `{"config":{"publish_frequency":1e10}}`, MaxPublishFrequency, true},
		{"huge string", `{"config":{"publish_frequency":"1e300"}}`, MaxPublishFrequency, true},
		{"below max", `{"config":{"publish_frequency":9223372035}}`, 9223372035 * time.Second, true},
		{"negative string", `{"config":{"publish_frequency":"-123"}}`, 0, false},
		{"negative", `{"config":{"publish_frequency":-1}}`, 0, false},
		{"zero", `{"config":{"publish_frequency":0}}`, 0, false},
		{"true", `{"config":{"publish_frequency":true}}`, 0, false},
		{"false", `{"config":{"publish_frequency":false}}`, 0, false},
		{"array", `{"config":{"publish_frequency":[]}}`, 0, false},
		{"object", `{"config":{"publish_frequency":{}}}`, 0, false},
		{"nan string", `{"config":{"publish_frequency":"NaN"}}`, 0, false},
		{"missing key", `{"config":{}}`, 0, false},
		{"config true", `{"config":true}`, 0, false},
		{"config null", `{"config":null}`, 0, false},
		{"no config", `{}`, 0, false},
		{"not json", `<html>`, 0, false},
		{"empty", ``, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseConfigResponse([]byte(tt.body))
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseConfigResponse() = (%v, %v), want (%v, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
