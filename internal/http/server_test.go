package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"caskdb/pkg/dberrors"
	"caskdb/pkg/engine"
	"caskdb/pkg/metrics"
)

// failingStore returns the same error from every call
type failingStore struct {
	err error
}

func (f *failingStore) Set(key, value string) error          { return f.err }
func (f *failingStore) Get(key string) (string, bool, error) { return "", false, f.err }
func (f *failingStore) Delete(key string) error              { return f.err }
func (f *failingStore) Compact() error                       { return f.err }
func (f *failingStore) Stats() (engine.Stats, error)         { return engine.Stats{}, f.err }

func newTestServer(t *testing.T) (*Server, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	db, err := engine.Open(engine.Options{Dir: t.TempDir(), Pattern: "data", MaxWrites: 100, Metrics: reg})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewServer(db, reg, ""), reg
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func do(s *Server, method, target string, form url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)

	rr := do(s, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(t)

	rr := do(s, http.MethodGet, "/health", nil)
	if rr.Header().Get(headerRequestID) == "" {
		t.Fatal("expected a generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "client-id")
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	if got := rr.Header().Get(headerRequestID); got != "client-id" {
		t.Fatalf("expected client request id to be kept, got %q", got)
	}
}

func TestPutGetDeleteFlow(t *testing.T) {
	s, _ := newTestServer(t)

	// PUT
	rr := do(s, http.MethodPut, "/api/string", url.Values{"key": {"foo"}, "value": {"bar"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Status != StatusSuccess {
		t.Fatalf("put: expected status %s, got %s", StatusSuccess, resp.Status)
	}

	// GET
	rr = do(s, http.MethodGet, "/api/string?key=foo", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if resp.Value == nil || *resp.Value != "bar" {
		t.Fatalf("get: expected value 'bar', got %v", resp.Value)
	}

	// DELETE
	rr = do(s, http.MethodDelete, "/api?key=foo", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	// GET after delete -> 404
	rr = do(s, http.MethodGet, "/api/string?key=foo", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestEmptyValue(t *testing.T) {
	s, _ := newTestServer(t)

	rr := do(s, http.MethodPut, "/api/string", url.Values{"key": {"k"}, "value": {""}})
	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(s, http.MethodGet, "/api/string?key=k", nil)
	resp := decodeResp(t, rr)
	if rr.Code != http.StatusOK || resp.Value == nil || *resp.Value != "" {
		t.Fatalf("get: expected empty value, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMissingParamsAndMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	if rr := do(s, http.MethodPut, "/api/string", url.Values{}); rr.Code != http.StatusBadRequest {
		t.Fatalf("put-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := do(s, http.MethodPut, "/api/string", url.Values{"key": {"k"}}); rr.Code != http.StatusBadRequest {
		t.Fatalf("put-missing-value: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := do(s, http.MethodGet, "/api/string", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("get-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := do(s, http.MethodDelete, "/api", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("delete-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := do(s, http.MethodPost, "/health", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCompactAndStats(t *testing.T) {
	s, _ := newTestServer(t)

	for i := 0; i < 5; i++ {
		do(s, http.MethodPut, "/api/string", url.Values{"key": {"k"}, "value": {fmt.Sprint(i)}})
	}

	if rr := do(s, http.MethodPost, "/api/compact", nil); rr.Code != http.StatusOK {
		t.Fatalf("compact: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr := do(s, http.MethodGet, "/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if resp.Stats == nil {
		t.Fatalf("stats: missing payload, body=%s", rr.Body.String())
	}
	if resp.Stats.LiveKeys != 1 || resp.Stats.Segments != 1 || resp.Stats.Compactions != 1 {
		t.Fatalf("stats: unexpected payload %+v", resp.Stats)
	}
	if resp.Stats.Disk == "" {
		t.Fatal("stats: expected human-readable disk size")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	do(s, http.MethodPut, "/api/string", url.Values{"key": {"k"}, "value": {"v"}})

	rr := do(s, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `caskdb_writes_total{op="put"} 1`) {
		t.Fatalf("metrics: missing write counter, body=%s", rr.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{dberrors.ErrKeyTooLarge, http.StatusBadRequest},
		{dberrors.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("read: %w", dberrors.ErrCorruptRecord), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		s := NewServer(&failingStore{err: tc.err}, nil, "")
		if rr := do(s, http.MethodGet, "/api/string?key=k", nil); rr.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rr.Code)
		}
	}
}

func TestCompactFailure(t *testing.T) {
	s := NewServer(&failingStore{err: fmt.Errorf("%w: disk full", dberrors.ErrCompaction)}, nil, "")

	rr := do(s, http.MethodPost, "/api/compact", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("compact: expected 500, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Status != StatusError || !strings.Contains(resp.Error, "compaction failed") {
		t.Fatalf("compact: unexpected response %+v", resp)
	}
}
