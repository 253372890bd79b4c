package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/edwardtay/deadman-switch/internal/app/storage/memory"
	"github.com/edwardtay/deadman-switch/internal/ledger"

	svc "github.com/edwardtay/deadman-switch/internal/app/services/deadman"
)

type stubLedger struct {
	mu      sync.Mutex
	balance uint64
	block   uint64
}

func (s *stubLedger) Transfer(context.Context, ledger.TransferRequest) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block++
	return s.block, nil
}

func (s *stubLedger) BalanceOf(context.Context, ledger.AccountRef) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *stubLedger) {
	t.Helper()
	led := &stubLedger{}
	service := svc.NewService(memory.New(), led, ledger.AccountRef{Owner: "custody"}, nil)
	srv := httptest.NewServer(NewRouter(NewHandler(service, nil), nil))
	t.Cleanup(srv.Close)
	return srv, led
}

func do(t *testing.T, method, url, caller string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if caller != "" {
		req.Header.Set("X-Caller-ID", caller)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRegisterAndFetchAccount(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/v1/accounts", "alice",
		map[string]any{"timeout_interval_seconds": 300, "beneficiary": "bob"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/accounts/me", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get account status = %d, want 200", resp.StatusCode)
	}
	var acct struct {
		Owner         string `json:"owner"`
		Beneficiaries []struct {
			Recipient  string `json:"recipient"`
			Percentage uint8  `json:"percentage"`
		} `json:"beneficiaries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&acct); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if acct.Owner != "alice" || len(acct.Beneficiaries) != 1 || acct.Beneficiaries[0].Recipient != "bob" {
		t.Fatalf("account = %+v", acct)
	}
}

func TestRegisterValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	// Anonymous caller (missing header).
	resp := do(t, http.MethodPost, srv.URL+"/v1/accounts", "",
		map[string]any{"timeout_interval_seconds": 300, "beneficiary": "bob"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("anonymous register status = %d, want 400", resp.StatusCode)
	}

	// Duplicate registration.
	for i := 0; i < 2; i++ {
		resp = do(t, http.MethodPost, srv.URL+"/v1/accounts", "alice",
			map[string]any{"timeout_interval_seconds": 300, "beneficiary": "bob"})
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", resp.StatusCode)
	}

	// Unknown body fields are rejected.
	resp = do(t, http.MethodPost, srv.URL+"/v1/accounts", "carol",
		map[string]any{"timeout_interval_seconds": 300, "beneficiary": "bob", "bogus": true})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want 400", resp.StatusCode)
	}
}

func TestHeartbeatLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/v1/accounts/me/heartbeat", "ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unregistered heartbeat status = %d, want 404", resp.StatusCode)
	}

	do(t, http.MethodPost, srv.URL+"/v1/accounts", "alice",
		map[string]any{"timeout_interval_seconds": 300, "beneficiary": "bob"})
	resp = do(t, http.MethodPost, srv.URL+"/v1/accounts/me/heartbeat", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d, want 200", resp.StatusCode)
	}
	var hb struct {
		NextHeartbeatDue string `json:"next_heartbeat_due"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if hb.NextHeartbeatDue == "" {
		t.Fatal("missing next_heartbeat_due")
	}
}

func TestDepositWithdrawAndBalance(t *testing.T) {
	srv, led := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/v1/accounts", "alice",
		map[string]any{"timeout_interval_seconds": 300, "beneficiary": "bob"})

	led.mu.Lock()
	led.balance = 1000
	led.mu.Unlock()
	resp := do(t, http.MethodPost, srv.URL+"/v1/accounts/me/deposit", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status = %d, want 200", resp.StatusCode)
	}

	resp = do(t, http.MethodPost, srv.URL+"/v1/accounts/me/withdraw", "alice",
		map[string]any{"amount": 400, "destination": "dest"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("withdraw status = %d, want 200", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/accounts/me/balance", "alice", nil)
	var bal struct {
		Balance uint64 `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bal); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if bal.Balance != 600 {
		t.Fatalf("balance = %d, want 600", bal.Balance)
	}

	resp = do(t, http.MethodPost, srv.URL+"/v1/accounts/me/withdraw", "alice",
		map[string]any{"amount": 5000, "destination": "dest"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("overdraw status = %d, want 400", resp.StatusCode)
	}
}

func TestTrustedPartiesAndCancel(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/v1/accounts", "alice",
		map[string]any{"timeout_interval_seconds": 300, "beneficiary": "bob"})

	resp := do(t, http.MethodPost, srv.URL+"/v1/accounts/me/trusted-parties", "alice",
		map[string]any{"party": "trent"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add trusted party status = %d, want 201", resp.StatusCode)
	}

	// No pending timeout to cancel.
	resp = do(t, http.MethodPost, srv.URL+"/v1/accounts/cancel-timeout", "alice", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("cancel without marker status = %d, want 400", resp.StatusCode)
	}

	resp = do(t, http.MethodDelete, srv.URL+"/v1/accounts/me/trusted-parties/trent", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove trusted party status = %d, want 200", resp.StatusCode)
	}
	resp = do(t, http.MethodDelete, srv.URL+"/v1/accounts/me/trusted-parties/trent", "alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("remove missing trusted party status = %d, want 404", resp.StatusCode)
	}
}

func TestStatusAndHistory(t *testing.T) {
	srv, _ := newTestServer(t)
	do(t, http.MethodPost, srv.URL+"/v1/accounts", "alice",
		map[string]any{"timeout_interval_seconds": 300, "beneficiary": "bob"})

	resp := do(t, http.MethodGet, srv.URL+"/v1/accounts/me/status", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200", resp.StatusCode)
	}
	var status struct {
		TimeoutReached   bool   `json:"timeout_reached"`
		TimeUntilTimeout uint64 `json:"time_until_timeout"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.TimeoutReached || status.TimeUntilTimeout == 0 {
		t.Fatalf("status = %+v, want alive with countdown", status)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/accounts/me/history", "alice", nil)
	var history []struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 1 || history[0].Type != "register" {
		t.Fatalf("history = %+v, want single register entry", history)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	if resp := do(t, http.MethodGet, srv.URL+"/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/metrics", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
}
