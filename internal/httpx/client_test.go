package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
)

func TestPostJSONRetriesServerError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["text"] != "Staking NPM" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if atomic.AddInt32(&count, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 1)
	var out map[string]any
	if _, err := client.PostJSON(context.Background(), srv.URL, map[string]string{"text": "Staking NPM"}, &out); err != nil {
		t.Fatalf("PostJSON failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected response: %#v", out)
	}
	if atomic.LoadInt32(&count) != 2 {
		t.Fatalf("expected one retry, got %d attempts", count)
	}
}

func TestPostJSONAcceptsEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if _, err := New(time.Second, 0).PostJSON(context.Background(), srv.URL, map[string]string{}, nil); err != nil {
		t.Fatalf("expected empty response to succeed: %v", err)
	}
}

func TestPostJSONMapsAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(time.Second, 2).PostJSON(context.Background(), srv.URL, map[string]string{}, nil)
	if !clierr.HasCode(err, clierr.CodeAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}
