package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bobg/dist"
	"github.com/bobg/dist/graph"
	"github.com/bobg/dist/graph/mem"
	"github.com/bobg/dist/identity"
	"github.com/bobg/dist/metrics"
	"github.com/bobg/dist/records"
)

const demoAddr = "d7879fb665af3a1d5a8f36bbe29907d4"

const demoBody = `{"description":"demo","files":[{"filename":"a.txt","content":"hello"}]}`

type fixture struct {
	g   *graph.Graph
	srv *httptest.Server
	m   *metrics.Metrics
}

func newFixture(t *testing.T, id *identity.Identity) *fixture {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	g := graph.New(mem.New())
	svc := records.New(g, records.WithIdentity(id), records.WithMetrics(m))
	srv := httptest.NewServer(New(g, svc, WithMetrics(m, reg)))
	t.Cleanup(func() {
		srv.Close()
		g.Close()
	})
	return &fixture{g: g, srv: srv, m: m}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(v); err != nil {
		t.Fatal(err)
	}
}

func TestPublishAndGet(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(t, "POST", "/records", demoBody)
	if status != http.StatusCreated {
		t.Fatalf("got status %d (%s), want 201", status, body)
	}
	var pub publishResponse
	if err := json.Unmarshal(body, &pub); err != nil {
		t.Fatal(err)
	}
	if pub.Address != demoAddr {
		t.Errorf("got address %s, want %s", pub.Address, demoAddr)
	}

	status, body = f.do(t, "GET", "/records/"+demoAddr, "")
	if status != http.StatusOK {
		t.Fatalf("got status %d (%s), want 200", status, body)
	}
	var rec dist.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Address != demoAddr || rec.Files["a.txt"].Content != "hello" {
		t.Errorf("got %+v", rec)
	}
}

func TestGetErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Tampered content under the demo address.
	rec := &dist.Record{
		Address:     demoAddr,
		Description: "demo",
		Files:       map[string]dist.File{"a.txt": {Filename: "a.txt", Content: "evil"}},
	}
	fields, err := rec.Fields()
	if err != nil {
		t.Fatal(err)
	}
	if err = f.g.Put(ctx, demoAddr, fields); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		path string
		want int
	}{
		{"/records/" + demoAddr, http.StatusNotFound},
		{"/records/00000000000000000000000000000000", http.StatusNotFound},
		{"/records/xyz", http.StatusBadRequest},
	}
	var bodies [][]byte
	for _, c := range cases {
		status, body := f.do(t, "GET", c.path, "")
		if status != c.want {
			t.Errorf("%s: got status %d, want %d", c.path, status, c.want)
		}
		bodies = append(bodies, body)
	}
	if !bytes.Equal(bodies[0], bodies[1]) {
		t.Errorf("tampered and absent records are distinguishable: %s vs. %s", bodies[0], bodies[1])
	}
}

func TestPublishErrors(t *testing.T) {
	f := newFixture(t, nil)

	for _, body := range []string{
		`not json`,
		`{"description":"x","files":[]}`,
		`{"files":[{"filename":""}]}`,
	} {
		if status, _ := f.do(t, "POST", "/records", body); status != http.StatusBadRequest {
			t.Errorf("%s: got status %d, want 400", body, status)
		}
	}
}

func TestWatch(t *testing.T) {
	f := newFixture(t, nil)

	conn := f.dial(t, "/records/"+demoAddr+"/watch")

	var msg watchMessage
	readJSON(t, conn, &msg)
	if msg.Record != nil {
		t.Errorf("got %+v before publishing, want null", msg.Record)
	}

	if status, body := f.do(t, "POST", "/records", demoBody); status != http.StatusCreated {
		t.Fatalf("got status %d (%s)", status, body)
	}
	readJSON(t, conn, &msg)
	if msg.Record == nil || msg.Record.Address != demoAddr {
		t.Errorf("got %+v after publishing", msg.Record)
	}
}

func TestIndex(t *testing.T) {
	id := &identity.Identity{Alias: "alice", Pub: "a1ce"}
	f := newFixture(t, id)

	conn := f.dial(t, "/me/records/watch")

	if status, body := f.do(t, "POST", "/records", demoBody); status != http.StatusCreated {
		t.Fatalf("got status %d (%s)", status, body)
	}

	var msg indexMessage
	readJSON(t, conn, &msg)
	if len(msg.Entries) != 1 || msg.Entries[0].Address != demoAddr {
		t.Errorf("got %+v", msg.Entries)
	}

	status, body := f.do(t, "GET", "/me/records", "")
	if status != http.StatusOK {
		t.Fatalf("got status %d (%s)", status, body)
	}
	var idx indexResponse
	if err := json.Unmarshal(body, &idx); err != nil {
		t.Fatal(err)
	}
	want := indexResponse{
		Alias: "alice",
		Pub:   "a1ce",
		Entries: []dist.IndexEntry{{
			EntryKey:        demoAddr,
			Address:         demoAddr,
			Description:     "demo",
			CreatedAt:       idx.Entries[0].CreatedAt,
			FilenamePreview: "a.txt",
		}},
	}
	if diff := cmp.Diff(want, idx); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if status, body = f.do(t, "DELETE", "/me/records/"+demoAddr, ""); status != http.StatusNoContent {
		t.Fatalf("got status %d (%s), want 204", status, body)
	}
	readJSON(t, conn, &msg)
	if len(msg.Entries) != 0 {
		t.Errorf("got %+v after removal, want none", msg.Entries)
	}

	// The record outlives its index entry.
	if status, _ = f.do(t, "GET", "/records/"+demoAddr, ""); status != http.StatusOK {
		t.Errorf("got status %d for the record after removal, want 200", status)
	}
}

func TestIndexNotReady(t *testing.T) {
	f := newFixture(t, nil)
	if status, _ := f.do(t, "GET", "/me/records", ""); status != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", status)
	}
	if status, _ := f.do(t, "DELETE", "/me/records/"+demoAddr, ""); status != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", status)
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, nil)

	f.do(t, "POST", "/records", demoBody)
	f.do(t, "GET", "/records/"+demoAddr, "")

	// The middleware counts a request after its response is written.
	getCount := f.m.HTTPRequests.WithLabelValues("GET", "/records/{address}", "200")
	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(getCount) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := testutil.ToFloat64(getCount); got != 1 {
		t.Errorf("got %v GET requests, want 1", got)
	}
	if got := testutil.ToFloat64(f.m.Published); got != 1 {
		t.Errorf("got %v publications, want 1", got)
	}

	status, body := f.do(t, "GET", "/metrics", "")
	if status != http.StatusOK {
		t.Fatalf("got status %d", status)
	}
	if !bytes.Contains(body, []byte("dist_records_published_total 1")) {
		t.Errorf("metrics output lacks publication count:\n%s", body)
	}
}
