package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"classrelay/internal/app"
	"classrelay/internal/config"
	"classrelay/internal/testutil"
	"classrelay/pkg/protocol"
)

const waitTimeout = 5 * time.Second

type relay struct {
	app     *app.Application
	baseURL string
	dbPath  string
}

// startRelay runs a full relay on an ephemeral port backed by a temporary
// database. mutate may adjust the configuration first.
func startRelay(t *testing.T, dbPath string, mutate func(*config.Config)) *relay {
	t.Helper()

	cfg := config.DefaultConfig()
	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "relay.db")
	}
	cfg.Database.Path = dbPath
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	application, err := app.NewApplication(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	r := &relay{app: application, baseURL: "http://" + application.Addr(), dbPath: dbPath}
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *relay) stop(t *testing.T) {
	t.Helper()
	if r.app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := r.app.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	r.app = nil
}

func (r *relay) dial(t *testing.T) *testutil.WSClient {
	t.Helper()
	c, err := testutil.DialRelay(context.Background(), r.baseURL)
	if err != nil {
		t.Fatalf("DialRelay failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (r *relay) join(t *testing.T, reg *protocol.Register) (*testutil.WSClient, *protocol.ConnectionConfirmed) {
	t.Helper()
	c := r.dial(t)
	confirmed, err := c.Register(reg)
	if err != nil {
		t.Fatalf("Register(%s, %s) failed: %v", reg.Role, reg.LanguageCode, err)
	}
	return c, confirmed
}

func (r *relay) getJSON(t *testing.T, method, path string, v any) int {
	t.Helper()
	req, err := http.NewRequest(method, r.baseURL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func waitTranslation(t *testing.T, c *testutil.WSClient) *protocol.Translation {
	t.Helper()
	msg, err := c.Wait(protocol.TagTranslation, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	return msg.(*protocol.Translation)
}

func waitError(t *testing.T, c *testutil.WSClient) *protocol.Error {
	t.Helper()
	msg, err := c.Wait(protocol.TagError, waitTimeout)
	if err != nil {
		t.Fatal(err)
	}
	return msg.(*protocol.Error)
}

// eventually polls cond until it holds or the wait timeout passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
