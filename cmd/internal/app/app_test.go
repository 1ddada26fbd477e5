package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestEnvCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{in: "", want: []string{"def"}},
		{in: " , ,", want: []string{"def"}},
		{in: "http://localhost:3000", want: []string{"http://localhost:3000"}},
		{in: "a, b ,,c", want: []string{"a", "b", "c"}},
	}

	for _, tc := range cases {
		t.Setenv("BOTGATE_TEST_CSV", tc.in)
		got := EnvCSV("BOTGATE_TEST_CSV", []string{"def"})
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("EnvCSV(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("BOTGATE_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("BOTGATE_PAIRING_MODE", "qr")
	t.Setenv("BOTGATE_PAIRING_TTL", "45s")
	t.Setenv("BOTGATE_MAX_SESSIONS_PER_ORIGIN", "not-a-number")
	t.Setenv("BOTGATE_REPLY_RATE", "2.5")
	t.Setenv("BOTGATE_WS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.PairingMode != "qr" || cfg.PairingTTL != 45*time.Second {
		t.Fatalf("pairing=%q ttl=%v", cfg.PairingMode, cfg.PairingTTL)
	}
	if cfg.MaxSessionsPerOrigin != 3 {
		t.Fatalf("MaxSessionsPerOrigin=%d want default 3", cfg.MaxSessionsPerOrigin)
	}
	if cfg.ReplyRate != 2.5 {
		t.Fatalf("ReplyRate=%v", cfg.ReplyRate)
	}
	if len(cfg.WSAllowedOrigins) != 2 || cfg.WSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("WSAllowedOrigins=%v", cfg.WSAllowedOrigins)
	}
	if cfg.Driver != "fake" || cfg.CommandPrefix != "." {
		t.Fatalf("driver=%q prefix=%q", cfg.Driver, cfg.CommandPrefix)
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Driver:               "fake",
		SessionsDir:          filepath.Join(dir, "sessions"),
		SeenFile:             filepath.Join(dir, "seen_jids.json"),
		DownloadsDir:         filepath.Join(dir, "downloads"),
		StaticDir:            dir,
		PairingMode:          "code",
		PairingTTL:           time.Minute,
		OpTimeout:            5 * time.Second,
		MaxSessionsPerOrigin: 3,
		MaxAttemptsPerOrigin: 10,
		AttemptWindow:        time.Minute,
		RoomBacklog:          16,
		RoomTTL:              time.Minute,
	}
}

func newTestApp(t *testing.T, cfg Config) (*App, *httptest.Server) {
	t.Helper()
	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return a, srv
}

func get(t *testing.T, url string) (int, string, http.Header) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b), resp.Header
}

func TestNew_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Driver = "carrier-pigeon"
	if _, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestApp_ProbesAndMetrics(t *testing.T) {
	_, srv := newTestApp(t, testConfig(t))

	if code, body, hdr := get(t, srv.URL+"/healthz"); code != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz=%d %q", code, body)
	} else if hdr.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}
	if code, body, _ := get(t, srv.URL+"/readyz"); code != http.StatusOK || body != "ready\n" {
		t.Fatalf("readyz=%d %q", code, body)
	}
	if code, body, _ := get(t, srv.URL+"/metrics"); code != http.StatusOK || !strings.Contains(body, "botgate_sessions_active") {
		t.Fatalf("metrics=%d missing gauge", code)
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReadinessRequireDB = true
	_, srv := newTestApp(t, cfg)

	if code, _, _ := get(t, srv.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz=%d want 503", code)
	}
}

func TestApp_ConnectThenList(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.StaticDir, "index.html"), []byte("<h1>pair</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, srv := newTestApp(t, cfg)

	resp, err := http.Post(srv.URL+"/api/connect", "application/json", strings.NewReader(`{"number":"+24105730123"}`))
	if err != nil {
		t.Fatal(err)
	}
	var connected struct {
		Success  bool   `json:"success"`
		SocketID string `json:"socketId"`
	}
	err = json.NewDecoder(resp.Body).Decode(&connected)
	_ = resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK || !connected.Success || connected.SocketID == "" {
		t.Fatalf("connect status=%d body=%+v err=%v", resp.StatusCode, connected, err)
	}

	code, body, _ := get(t, srv.URL+"/api/sessions")
	if code != http.StatusOK || !strings.Contains(body, `"number":"24105730123"`) || !strings.Contains(body, `"total":1`) {
		t.Fatalf("sessions=%d %s", code, body)
	}
	if n := a.Sessions().ActiveCount(); n != 1 {
		t.Fatalf("ActiveCount=%d want 1", n)
	}

	if code, body, _ := get(t, srv.URL+"/"); code != http.StatusOK || !strings.Contains(body, "pair") {
		t.Fatalf("static=%d %q", code, body)
	}
}
