package api

import (
	"encoding/json"
	"net/http"
	"testing"
)

func decodeMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return m
}

func TestHealth(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodGet, "/api/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	m := decodeMap(t, body)
	if m["status"] != "ok" || m["store"] != "ok" || m["retrieval"] != "disabled" {
		t.Fatalf("unexpected health %v", m)
	}
}

func TestHealthDegradedRetrieval(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, func(h *Handler) { h.retrieval = failingChecker{} })

	resp, body := api.do(t, http.MethodGet, "/api/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	m := decodeMap(t, body)
	if m["status"] != "degraded" || m["retrieval"] != "unavailable" {
		t.Fatalf("unexpected health %v", m)
	}
}

func TestHealthStoreDown(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)
	_ = api.store.Close()

	resp, body := api.do(t, http.MethodGet, "/api/health", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if m := decodeMap(t, body); m["store"] != "unreachable" {
		t.Fatalf("unexpected health %v", m)
	}
}

func TestConfigReportsFeatures(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t)

	_, body := api.do(t, http.MethodGet, "/api/config", "user-1", "")
	var f Features
	if err := json.Unmarshal(body, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Voice || f.Image || len(f.Backends) != 1 || f.Backends[0] != "tides" {
		t.Fatalf("unexpected features %+v", f)
	}

	_, body = api.do(t, http.MethodGet, "/api/me", "user-1", "")
	if m := decodeMap(t, body); m["username"] != "ada" {
		t.Fatalf("unexpected me %v", m)
	}
}
