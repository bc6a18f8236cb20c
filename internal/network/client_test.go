package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cirunner/pkg/api"
)

func TestClient_TraceHTTPWritesExchanges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 1, "token": "secret-runner-token"}`))
	}))
	defer server.Close()

	tracePath := filepath.Join(t.TempDir(), "http.log")
	client, err := NewClient(ClientOptions{UserAgent: "cirunner-test", TraceHTTP: true, TraceFile: tracePath})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	a := NewAPI(server.URL, client, api.VersionInfo{})
	if _, err := a.Register(context.Background(), "d", "reg", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("trace file not written: %v", err)
	}
	out := string(data)
	for _, want := range []string{">>>", "<<<", "POST /api/v4/runners", "secret-runner-token"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in trace file, got:\n%s", want, out)
		}
	}
}

func TestClient_NoTraceFileByDefault(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(wd)

	client, err := NewClient(ClientOptions{})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	client.Close()

	if _, err := os.Stat(filepath.Join(dir, "http-trace.log")); !os.IsNotExist(err) {
		t.Error("expected no trace file when tracing is disabled")
	}
}

func TestTextual(t *testing.T) {
	tests := map[string]bool{
		"application/json":               true,
		"application/json; charset=utf-8": true,
		"text/plain":                     true,
		"application/zip":                false,
		"multipart/form-data; boundary=x": false,
		"":                               false,
	}
	for ct, want := range tests {
		if got := textual(ct); got != want {
			t.Errorf("textual(%q) = %v, want %v", ct, got, want)
		}
	}
}
