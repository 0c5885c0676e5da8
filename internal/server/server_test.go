package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"settleline/internal/config"
	"settleline/internal/db"
	"settleline/internal/domain"
	"settleline/internal/engine"
	"settleline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("test-market"))
	e.Log = log.New(io.Discard, "", 0)
	auth.Logger = e.Log
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
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
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
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

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func asHeaders(accountID string) map[string]string {
	return map[string]string{"X-Account-Id": accountID}
}

func TestSettlementScenarioOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowLegacyAccountHeader: true})
	defer cleanup()
	client := srv.Client()

	// Health needs no auth; everything else does.
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status %d: %s", res.StatusCode, string(data))
	}
	var envlp errorEnvelope
	if err := json.Unmarshal(data, &envlp); err != nil || envlp.Error.Code != "unauthorized" {
		t.Fatalf("error envelope %s (%v)", string(data), err)
	}

	for _, acc := range []map[string]any{
		{"id": "cust", "role": "customer"},
		{"id": "exec", "role": "executor"},
	} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts", acc, asHeaders("cust"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create account status %d: %s", res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts/cust/topup",
		map[string]any{"amount": 500}, asHeaders("cust"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("topup status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks",
		map[string]any{"title": "Translate the manual", "budget": 100}, asHeaders("cust"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/select",
		map[string]any{"executor_id": "exec"}, asHeaders("cust"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("select status %d: %s", res.StatusCode, string(data))
	}
	var a domain.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal assignment: %v", err)
	}

	// Selecting the same pair again maps to 409 with the conflict reason.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/select",
		map[string]any{"executor_id": "exec"}, asHeaders("cust"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate select status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envlp); err != nil || envlp.Error.Code != "already_selected" {
		t.Fatalf("conflict envelope %s (%v)", string(data), err)
	}

	// Only the assigned executor may start.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+a.ID+"/start", nil, asHeaders("cust"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("start as customer status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+a.ID+"/start", nil, asHeaders("exec"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+a.ID+"/submit", nil, asHeaders("exec"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+a.ID+"/accept", nil, asHeaders("cust"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &a); err != nil || a.Status != domain.AssignmentAccepted {
		t.Fatalf("assignment after accept: %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/escrows/exec", nil, asHeaders("cust"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get escrow status %d: %s", res.StatusCode, string(data))
	}
	var esc domain.Escrow
	if err := json.Unmarshal(data, &esc); err != nil || esc.Status != domain.EscrowReleased {
		t.Fatalf("escrow after accept: %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/accounts/exec", nil, asHeaders("exec"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get account status %d", res.StatusCode)
	}
	var exec domain.Account
	if err := json.Unmarshal(data, &exec); err != nil || exec.Balance != 100 {
		t.Fatalf("executor account %s (%v)", string(data), err)
	}

	// Notifications are private to their owner.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/accounts/exec/notifications", nil, asHeaders("cust"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign notifications status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/accounts/exec/notifications", nil, asHeaders("exec"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("own notifications status %d", res.StatusCode)
	}
	var notifications []domain.Notification
	if err := json.Unmarshal(data, &notifications); err != nil || len(notifications) == 0 {
		t.Fatalf("notifications %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=assignment", nil, asHeaders("cust"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d", res.StatusCode)
	}
	var events []domain.Event
	if err := json.Unmarshal(data, &events); err != nil || len(events) == 0 {
		t.Fatalf("events %s (%v)", string(data), err)
	}
}

func TestDisputeVersionConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowLegacyAccountHeader: true})
	defer cleanup()
	client := srv.Client()

	for _, acc := range []map[string]any{
		{"id": "cust", "role": "customer"},
		{"id": "exec", "role": "executor"},
		{"id": "arb", "role": "arbiter"},
	} {
		if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts", acc, asHeaders("cust")); res.StatusCode != http.StatusCreated {
			t.Fatalf("create account status %d: %s", res.StatusCode, string(data))
		}
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts/cust/topup", map[string]any{"amount": 500}, asHeaders("cust"))

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks",
		map[string]any{"title": "Disputed work", "budget": 100}, asHeaders("cust"))
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/select",
		map[string]any{"executor_id": "exec"}, asHeaders("cust"))
	var a domain.Assignment
	if err := json.Unmarshal(data, &a); err != nil || a.ContractID == nil {
		t.Fatalf("assignment %s (%v)", string(data), err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts/"+*a.ContractID+"/disputes",
		map[string]any{"reason": "no progress"}, asHeaders("cust"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open dispute status %d: %s", res.StatusCode, string(data))
	}
	var d domain.Dispute
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/disputes/"+d.ID+"/take",
		map[string]any{"expected_version": 42}, asHeaders("arb"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale take status %d: %s", res.StatusCode, string(data))
	}
	var envlp errorEnvelope
	if err := json.Unmarshal(data, &envlp); err != nil || envlp.Error.Code != "version_mismatch" {
		t.Fatalf("conflict envelope %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/disputes/"+d.ID+"/take",
		map[string]any{"expected_version": d.Version}, asHeaders("arb"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("take status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &d); err != nil || d.Status != domain.DisputeInReview {
		t.Fatalf("dispute after take %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/disputes/"+d.ID+"/decide",
		map[string]any{"outcome": "refund", "expected_version": d.Version}, asHeaders("arb"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &d); err != nil || d.Status != domain.DisputeDecided {
		t.Fatalf("dispute after decide %s (%v)", string(data), err)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login",
		map[string]any{"account_id": "cust", "role": "customer"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("login response %s (%v)", string(data), err)
	}
	headers := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts",
		map[string]any{"id": "cust", "role": "customer"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with bearer status %d: %s", res.StatusCode, string(data))
	}

	// A bad token is rejected; the legacy header is ignored when disabled.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/accounts/cust", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/accounts/cust", nil, asHeaders("cust"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("legacy header status %d", res.StatusCode)
	}
}
