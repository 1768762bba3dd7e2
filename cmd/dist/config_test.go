package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/dist"
)

func TestParseConfig(t *testing.T) {
	const input = `
graph:
  type: lru
  size: 100
  nested:
    type: mem
credentials: /tmp/creds.yaml
lru: 50
peers:
  - type: mem
pull_interval: 5s
`
	conf, err := parseConfig([]byte(input))
	if err != nil {
		t.Fatal(err)
	}
	want := &config{
		Graph: map[string]interface{}{
			"type":   "lru",
			"size":   100,
			"nested": map[string]interface{}{"type": "mem"},
		},
		Credentials:  "/tmp/creds.yaml",
		Listen:       defaultListen,
		LRU:          50,
		Peers:        []map[string]interface{}{{"type": "mem"}},
		PullInterval: 5 * time.Second,
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	ctx := context.Background()
	if _, err = newBackend(ctx, conf, false, nil); err != nil {
		t.Fatal(err)
	}
	peers, err := conf.peers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 {
		t.Errorf("got %d peers, want 1", len(peers))
	}
}

func TestParseConfigErrors(t *testing.T) {
	for _, input := range []string{
		`listen: ":1"`,
		"graph:\n  conn: x\n",
		"graph: [",
	} {
		if _, err := parseConfig([]byte(input)); err == nil {
			t.Errorf("no error for %q", input)
		}
	}
}

func TestLanguageOf(t *testing.T) {
	cases := map[string]string{
		"main.go":   "go",
		"README.md": "markdown",
		"Makefile":  "",
		"x.weird":   "",
	}
	for name, want := range cases {
		if got := languageOf(name); got != want {
			t.Errorf("%s: got %q, want %q", name, got, want)
		}
	}
}

func TestPrintEntries(t *testing.T) {
	entries := []dist.IndexEntry{{
		Address:         "d7879fb665af3a1d5a8f36bbe29907d4",
		Description:     "demo",
		CreatedAt:       0,
		FilenamePreview: "a.txt",
	}}
	buf := new(bytes.Buffer)
	printEntries(buf, entries, false)
	out := buf.String()
	if !strings.HasPrefix(out, "d7879fb6...") || !strings.HasSuffix(out, "demo\n") {
		t.Errorf("got %q", out)
	}
}
