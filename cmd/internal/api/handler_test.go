package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Crazynotdev/Tts/cmd/internal/admission"
	"github.com/Crazynotdev/Tts/cmd/internal/authstate"
	"github.com/Crazynotdev/Tts/cmd/internal/protocol/fake"
	"github.com/Crazynotdev/Tts/cmd/internal/session"
)

type stubController struct {
	attachReq session.AttachRequest
	attachRes session.AttachResult
	attachErr error

	disconnected  string
	disconnectErr error

	status session.StatusReport
	list   []session.Snapshot
}

func (s *stubController) Attach(_ context.Context, req session.AttachRequest) (session.AttachResult, error) {
	s.attachReq = req
	return s.attachRes, s.attachErr
}

func (s *stubController) Disconnect(_ context.Context, idOrNumber string) error {
	s.disconnected = idOrNumber
	return s.disconnectErr
}

func (s *stubController) Status(string) session.StatusReport { return s.status }
func (s *stubController) List() []session.Snapshot          { return s.list }

func newServer(t *testing.T, ctrl Controller, cfg Config) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), ctrl, cfg).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, hdr map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	s, _ := e["code"].(string)
	return s
}

func TestConnect_Success(t *testing.T) {
	ctrl := &stubController{attachRes: session.AttachResult{
		ID: "24105730123", SocketID: "room-1", State: session.StateConnecting,
	}}
	srv := newServer(t, ctrl, Config{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/connect", `{"number":"+24105730123","socketId":"room-1"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "room-1", body["socketId"])
	assert.Equal(t, "24105730123", body["number"])
	assert.Equal(t, "connecting", body["status"])

	assert.Equal(t, "+24105730123", ctrl.attachReq.Number)
	assert.Equal(t, "room-1", ctrl.attachReq.SocketID)
	assert.Equal(t, "127.0.0.1", ctrl.attachReq.Origin)
}

func TestConnect_OriginHonorsProxyOnlyWhenTrusted(t *testing.T) {
	hdr := map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}

	ctrl := &stubController{}
	srv := newServer(t, ctrl, Config{})
	do(t, http.MethodPost, srv.URL+"/api/connect", `{"number":"+33612345678"}`, hdr)
	assert.Equal(t, "127.0.0.1", ctrl.attachReq.Origin)

	trusted := &stubController{}
	srv = newServer(t, trusted, Config{TrustProxy: true})
	do(t, http.MethodPost, srv.URL+"/api/connect", `{"number":"+33612345678"}`, hdr)
	assert.Equal(t, "203.0.113.9", trusted.attachReq.Origin)
}

func TestConnect_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"bad json", `{"number":`, nil, http.StatusBadRequest, "invalid_json"},
		{"unknown field", `{"number":"+1","extra":1}`, nil, http.StatusBadRequest, "invalid_json"},
		{"missing number", `{"number":"  "}`, nil, http.StatusBadRequest, "missing_number"},
		{"invalid number", `{"number":"abc"}`, &session.OpError{Op: "session.Attach", Kind: session.ErrInvalidNumber}, http.StatusBadRequest, "invalid_number"},
		{"too many", `{"number":"+33612345678"}`, &admission.RejectedError{Reason: admission.ReasonTooManySessions}, http.StatusTooManyRequests, "too_many_sessions"},
		{"closed", `{"number":"+33612345678"}`, session.ErrClosed, http.StatusServiceUnavailable, "shutting_down"},
		{"in progress", `{"number":"+33612345678"}`, &session.OpError{Op: "session.Attach", Kind: session.ErrAttachInProgress}, http.StatusConflict, "attach_in_progress"},
		{"construct", `{"number":"+33612345678"}`, &session.OpError{Op: "session.Attach", Kind: session.ErrConstruct, Err: errors.New("dial")}, http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, &stubController{attachErr: tt.err}, Config{})
			resp, body := do(t, http.MethodPost, srv.URL+"/api/connect", tt.body, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantCode, errCode(body))
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestConnect_RateLimitedSetsRetryAfter(t *testing.T) {
	rej := &admission.RejectedError{Reason: admission.ReasonRateLimited, RetryAfter: 1500 * time.Millisecond}
	srv := newServer(t, &stubController{attachErr: rej}, Config{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/connect", `{"number":"+33612345678"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate_limited", errCode(body))
}

func TestConnect_InProgressAsksToRetry(t *testing.T) {
	err := &session.OpError{Op: "session.Attach", ID: "33612345678", Kind: session.ErrAttachInProgress}
	srv := newServer(t, &stubController{attachErr: err}, Config{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/connect", `{"number":"+33612345678"}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "attach_in_progress", errCode(body))
	assert.Nil(t, body["existing"])
}

func TestStatus(t *testing.T) {
	connected := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	ctrl := &stubController{status: session.StatusReport{
		ID: "24105730123", State: session.StateConnected, Origin: "10.0.0.1", ConnectedAt: connected,
	}}
	srv := newServer(t, ctrl, Config{})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/status/24105730123", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "connected", body["status"])
	assert.Equal(t, "10.0.0.1", body["origin"])
	assert.Equal(t, "2026-03-14T15:09:26Z", body["connectedAt"])
	assert.NotContains(t, body, "pairingMode")
}

func TestStatus_UnknownIsIdle(t *testing.T) {
	srv := newServer(t, &stubController{status: session.StatusReport{ID: "1", State: session.StateIdle}}, Config{})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/status/1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["status"])
	assert.NotContains(t, body, "connectedAt")
}

func TestDisconnect(t *testing.T) {
	ctrl := &stubController{}
	srv := newServer(t, ctrl, Config{})

	resp, body := do(t, http.MethodDelete, srv.URL+"/api/disconnect/24105730123", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "24105730123", ctrl.disconnected)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/disconnect", `{"number":"+33612345678"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "+33612345678", ctrl.disconnected)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/disconnect", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_number", errCode(body))
}

func TestDisconnect_NotFound(t *testing.T) {
	ctrl := &stubController{disconnectErr: &session.OpError{Op: "session.Disconnect", ID: "1", Kind: session.ErrNotFound}}
	srv := newServer(t, ctrl, Config{})

	resp, body := do(t, http.MethodDelete, srv.URL+"/api/disconnect/1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errCode(body))
}

func TestSessions(t *testing.T) {
	ctrl := &stubController{list: []session.Snapshot{
		{ID: "111", State: session.StateConnected},
		{ID: "222", State: session.StateAwaitingCredential},
	}}
	srv := newServer(t, ctrl, Config{})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/sessions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["total"])

	items := body["sessions"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "111", first["number"])
	assert.Equal(t, true, first["isConnected"])
	assert.Equal(t, false, first["isConnecting"])
	second := items[1].(map[string]any)
	assert.Equal(t, true, second["isConnecting"])
	assert.Equal(t, false, second["isConnected"])
}

func TestSessions_EmptyIsArray(t *testing.T) {
	srv := newServer(t, &stubController{}, Config{})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/sessions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{}, body["sessions"])
	assert.Equal(t, float64(0), body["total"])
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newServer(t, &stubController{}, Config{})

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/connect", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPI_AgainstController(t *testing.T) {
	auth, err := authstate.NewFileStore(t.TempDir())
	require.NoError(t, err)
	factory := fake.NewFactory(fake.Options{EmitQROnConnect: true, PairingCode: "123456789"})
	ctrl := session.NewController(factory, auth, session.Config{},
		session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(ctrl.Close)

	srv := newServer(t, ctrl, Config{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/connect", `{"number":"+24105730123"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["socketId"], 26)

	require.Eventually(t, func() bool {
		_, st := do(t, http.MethodGet, srv.URL+"/api/status/24105730123", "", nil)
		return st["status"] == "awaiting_credential"
	}, 2*time.Second, 10*time.Millisecond)

	_, st := do(t, http.MethodGet, srv.URL+"/api/status/24105730123", "", nil)
	assert.Equal(t, "code", st["pairingMode"])

	_, list := do(t, http.MethodGet, srv.URL+"/api/sessions", "", nil)
	assert.Equal(t, float64(1), list["total"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/disconnect/24105730123", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, st := do(t, http.MethodGet, srv.URL+"/api/status/24105730123", "", nil)
		return st["status"] == "idle"
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/disconnect/24105730123", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
