package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/taskq/comms"
	"github.com/GoCodeAlone/taskq/config"
	"github.com/GoCodeAlone/taskq/manager"
	"github.com/GoCodeAlone/taskq/metrics"
	"github.com/GoCodeAlone/taskq/task"
)

const testPassword = "secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := *config.DefaultConfig()
	cfg.Server.Addr = ":0"
	cfg.Auth = config.AuthConfig{
		AdminUser: "admin",
		AdminPass: string(hash),
		JWTSecret: "test-secret-key-1234567890",
	}
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(testConfig(t), "test", discardLogger())
}

// newWiredServer returns a server backed by a real manager over a
// temporary SQLite store, with routes registered.
func newWiredServer(t *testing.T) (*Server, *manager.Manager) {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := comms.NewInMemoryBus()
	mgr, err := manager.New(context.Background(), store, manager.WithBus(bus), manager.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}

	s := newTestServer(t)
	s.SetQueue(mgr)
	s.SetBus(bus)
	s.SetMetrics(metrics.New())
	s.registerRoutes()
	t.Cleanup(func() { s.Stop(context.Background()) }) //nolint:errcheck
	return s, mgr
}

func login(t *testing.T, s *Server, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: "admin", Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	return rr
}

func token(t *testing.T, s *Server) string {
	t.Helper()
	rr := login(t, s, testPassword)
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}
