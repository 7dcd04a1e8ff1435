package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoSetsDefaultUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := New(Config{Timeout: 2 * time.Second})
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if gotUA != "segdl/1.0" {
		t.Fatalf("expected default user agent, got %q", gotUA)
	}
}

func TestDoAppliesConfiguredHeadersAndUserAgent(t *testing.T) {
	var gotUA, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCustom = r.Header.Get("X-Custom")
	}))
	defer srv.Close()

	c := New(Config{
		Timeout:   2 * time.Second,
		UserAgent: "my-agent/2.0",
		Headers:   map[string]string{"X-Custom": "value"},
	})
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if gotUA != "my-agent/2.0" {
		t.Fatalf("expected configured user agent, got %q", gotUA)
	}
	if gotCustom != "value" {
		t.Fatalf("expected configured header forwarded, got %q", gotCustom)
	}
}

func TestNewAppliesTimeoutDefaults(t *testing.T) {
	c := New(Config{})
	if c.http.Timeout != 30*time.Second {
		t.Fatalf("expected default 30s timeout, got %v", c.http.Timeout)
	}
}
