package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"astrodb/internal/db"
	"astrodb/internal/metrics"
	"astrodb/internal/store"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	reg := prometheus.NewRegistry()
	st, err := store.Open(context.Background(), db.Config{Path: filepath.Join(t.TempDir(), "astrodb.db")}, store.Options{
		Metrics: metrics.NewPrometheus(reg),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	handler, err := New(Config{Store: st, BasePath: "/v0", Gatherer: reg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			st.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func submit(t *testing.T, srv *testServer, tids ...string) int64 {
	t.Helper()
	var targets []map[string]any
	for _, tid := range tids {
		targets = append(targets, map[string]any{"tid": tid, "position": map[string]any{"a": 10.5, "b": -3.25}, "exposure_time": 60})
	}
	if targets == nil {
		targets = []map[string]any{}
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals", map[string]any{"targets": targets})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var out SubmitProposalResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	return out.PID
}

func setStatus(t *testing.T, srv *testServer, pid int64, status string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPut, fmt.Sprintf("%s/v0/proposals/%d/status", srv.URL, pid), map[string]any{"status": status})
}

func TestProposalLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	pid := submit(t, srv, "t1", "t2")
	if pid != 1 {
		t.Fatalf("pid = %d, want 1", pid)
	}

	res, data := doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/proposals/%d/images", srv.URL, pid), nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "not_ready" {
		t.Fatalf("expected not_ready, got %d %s", res.StatusCode, string(data))
	}

	res, data = setStatus(t, srv, pid, "ready")
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %d %s", res.StatusCode, string(data))
	}
	for _, st := range []string{"running", "ready"} {
		if res, data := setStatus(t, srv, pid, st); res.StatusCode != http.StatusOK {
			t.Fatalf("set %s: %d %s", st, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/proposals/%d/status", srv.URL, pid), nil)
	var status StatusResponse
	_ = json.Unmarshal(data, &status)
	if res.StatusCode != http.StatusOK || status.Status != "ready" || status.StatusCode != 2 {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}

	imgURL := fmt.Sprintf("%s/v0/proposals/%d/targets/t1/image", srv.URL, pid)
	res, data = doJSON(t, client, http.MethodPost, imgURL, map[string]any{"data": []byte("pixels"), "content_type": "image/fits"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("store image: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, imgURL, map[string]any{"data": []byte("again")})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflict" {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/proposals/%d/targets/nope/image", srv.URL, pid), map[string]any{"uri": "https://x.org/a.fits"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/proposals/%d/images", srv.URL, pid), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("images: %d %s", res.StatusCode, string(data))
	}
	var images imageList
	if err := json.Unmarshal(data, &images); err != nil {
		t.Fatalf("unmarshal images: %v", err)
	}
	if len(images.Items) != 1 || string(images.Items[0].Data) != "pixels" || images.Items[0].TID != "t1" {
		t.Fatalf("unexpected images: %+v", images.Items)
	}

	res, data = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/v0/proposals/%d", srv.URL, pid), nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/proposals/%d", srv.URL, pid), nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found after delete, got %d %s", res.StatusCode, string(data))
	}
}

func TestSubmitRejectsDuplicateTIDs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	body := map[string]any{"targets": []map[string]any{
		{"tid": "a", "position": map[string]any{"a": 1, "b": 2}, "exposure_time": 1},
		{"tid": "a", "position": map[string]any{"a": 3, "b": 4}, "exposure_time": 1},
	}}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals", body)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflict" {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}

	body = map[string]any{"targets": []map[string]any{
		{"tid": "a", "position": map[string]any{"a": 1, "b": 2}, "exposure_time": -5},
	}}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals", body)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("expected bad_request, got %d %s", res.StatusCode, string(data))
	}
}

func TestQueueAndListPaging(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for i := 0; i < 3; i++ {
		submit(t, srv, "t1", "t2")
	}
	if res, data := setStatus(t, srv, 2, "running"); res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/queue", nil)
	var queue proposalList
	_ = json.Unmarshal(data, &queue)
	if res.StatusCode != http.StatusOK || len(queue.Items) != 2 || queue.Items[1].PID != 3 || len(queue.Items[1].Targets) != 2 {
		t.Fatalf("queue: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals?limit=2", nil)
	var page proposalList
	_ = json.Unmarshal(data, &page)
	if res.StatusCode != http.StatusOK || len(page.Items) != 2 || page.NextCursor != "2" {
		t.Fatalf("page 1: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals?limit=2&cursor="+page.NextCursor, nil)
	page = proposalList{}
	_ = json.Unmarshal(data, &page)
	if res.StatusCode != http.StatusOK || len(page.Items) != 1 || page.Items[0].PID != 3 || page.NextCursor != "" {
		t.Fatalf("page 2: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals?status=running", nil)
	page = proposalList{}
	_ = json.Unmarshal(data, &page)
	if res.StatusCode != http.StatusOK || len(page.Items) != 1 || page.Items[0].Status != "running" {
		t.Fatalf("running filter: %d %s", res.StatusCode, string(data))
	}
}

func TestEventsAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	pid := submit(t, srv, "t1")
	setStatus(t, srv, pid, "running")

	res, data := doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/events?pid=%d&limit=1", srv.URL, pid), nil)
	var evts paginatedEvents
	_ = json.Unmarshal(data, &evts)
	if res.StatusCode != http.StatusOK || len(evts.Items) != 1 || evts.Items[0].Type != "proposal.status_changed" || evts.NextCursor == "" {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `astrodb_store_operations_total{operation="submit_proposal",outcome="ok"} 1`) {
		t.Fatalf("metrics: %d %s", res.StatusCode, string(data))
	}
}

func TestHealthAndUnknownProposal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"sqlite"`) {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/proposals/42/status", nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("unknown pid: %d %s", res.StatusCode, string(data))
	}
	res, data = setStatus(t, srv, 42, "running")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("set status unknown pid: %d %s", res.StatusCode, string(data))
	}
	res, data = setStatus(t, srv, 42, "finished")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status value: %d %s", res.StatusCode, string(data))
	}
}
