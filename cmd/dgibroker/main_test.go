package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/dgibroker/internal/broker"
	"github.com/danmuck/dgibroker/internal/testutil/testlog"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateExampleConfig(t *testing.T) {
	testlog.Start(t)
	out, err := execute(t, "config", "validate", "--config", "ex.config.toml")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "node_id:   node-a") || !strings.Contains(out, "peers:     2") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestConfigInitThenValidate(t *testing.T) {
	testlog.Start(t)
	for _, name := range []string{"node.toml", "node.yaml"} {
		path := filepath.Join(t.TempDir(), name)
		if _, err := execute(t, "config", "init", "--out", path); err != nil {
			t.Fatalf("init %s: %v", name, err)
		}
		if _, err := execute(t, "config", "init", "--out", path); err == nil {
			t.Fatalf("init %s: expected refusal without --force", name)
		}
		if _, err := execute(t, "config", "init", "--out", path, "--force"); err != nil {
			t.Fatalf("init %s --force: %v", name, err)
		}
		if _, err := execute(t, "config", "validate", "-c", path); err != nil {
			t.Fatalf("validate %s: %v", name, err)
		}
	}
}

func TestVersionShort(t *testing.T) {
	testlog.Start(t)
	out, err := execute(t, "version", "--short")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestSendAndPeersUseAdminAPI(t *testing.T) {
	testlog.Start(t)
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/peers/node-b/send":
			b, _ := io.ReadAll(r.Body)
			gotPath, gotBody = r.URL.Path, string(b)
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"status":"queued"}`))
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"broker: peer not connected: node-c"}`))
		case r.URL.Path == "/peers":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"peers": []broker.PeerStatus{{ID: "node-b", Connected: true, Connects: 2}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := execute(t, "send", "node-b", "hello", "--admin", srv.URL)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/peers/node-b/send" || gotBody != "hello" || !strings.Contains(out, "queued 5 bytes") {
		t.Fatalf("unexpected send: path=%q body=%q out=%q", gotPath, gotBody, out)
	}
	if _, err := execute(t, "send", "node-c", "x", "--admin", srv.URL); err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Fatalf("expected not connected error, got %v", err)
	}
	if _, err := execute(t, "send", "node-b", "--admin", srv.URL); err == nil {
		t.Fatalf("expected missing payload error")
	}

	out, err = execute(t, "peers", "--admin", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if !strings.Contains(out, "node-b") || !strings.Contains(out, "true") {
		t.Fatalf("unexpected peers output:\n%s", out)
	}
}
