package rpc

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"reliefchain/native/audit"
	"reliefchain/native/common"
	"reliefchain/native/governance"
	"reliefchain/native/ledger"
	"reliefchain/native/policy"
	"reliefchain/native/registry"
	"reliefchain/native/risk"
	"reliefchain/state"
	"reliefchain/storage"
)

type apiFixture struct {
	t      *testing.T
	server *httptest.Server
	token  string
}

func newAPIFixture(t *testing.T, jwtSecret string) *apiFixture {
	t.Helper()

	manager := state.NewManager(storage.NewMemDB())
	locks := common.NewLockTable(common.DefaultLockWait)

	l := ledger.NewLedger()
	l.SetState(manager)
	l.SetLockTable(locks)

	reg := registry.NewRegistry()
	reg.SetState(manager)

	engine := policy.NewEngine(l, reg, locks)

	riskEngine := risk.NewEngine(risk.Config{})
	riskEngine.SetDirectory(reg)
	engine.SetRiskObserver(riskEngine)

	auditLog := audit.NewLog()
	auditLog.SetState(manager)
	engine.SetAuditor(auditLog)

	gov := governance.NewEngine()
	gov.SetState(manager)
	gov.SetLockTable(locks)
	gov.SetPowerSource(reg)
	gov.SetDirectory(reg)

	srv := New(Config{
		Ledger:     l,
		Policy:     engine,
		Registry:   reg,
		Governance: gov,
		Risk:       riskEngine,
		Audit:      auditLog,
		JWTSecret:  jwtSecret,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	f := &apiFixture{t: t, server: ts}
	if jwtSecret != "" {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "ops",
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(jwtSecret))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		f.token = token
	}
	return f
}

func (f *apiFixture) do(method, path string, body interface{}) (int, map[string]interface{}) {
	f.t.Helper()
	return f.doWithHeader(method, path, body, "", "")
}

func (f *apiFixture) doWithHeader(method, path string, body interface{}, header, value string) (int, map[string]interface{}) {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		f.t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	if header != "" {
		req.Header.Set(header, value)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		f.t.Fatalf("read response: %v", err)
	}
	decoded := map[string]interface{}{}
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			f.t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp.StatusCode, decoded
}

func (f *apiFixture) post(path string, body interface{}) (int, map[string]interface{}) {
	f.t.Helper()
	return f.do(http.MethodPost, path, body)
}

func (f *apiFixture) get(path string) (int, map[string]interface{}) {
	f.t.Helper()
	return f.do(http.MethodGet, path, nil)
}

func (f *apiFixture) mustPost(path string, body interface{}, want int) map[string]interface{} {
	f.t.Helper()
	status, decoded := f.post(path, body)
	if status != want {
		f.t.Fatalf("POST %s: status %d, want %d (%v)", path, status, want, decoded)
	}
	return decoded
}

func (f *apiFixture) seedProgram() {
	f.t.Helper()
	f.mustPost("/v1/programs", map[string]string{
		"id":                     "prog-cyclone",
		"name":                   "Cyclone Relief",
		"disaster":               "cyclone",
		"state":                  "Odisha",
		"district":               "Puri",
		"totalBudget":            "10000000",
		"perHouseholdAllocation": "25000",
		"dailyLimit":             "5000",
	}, http.StatusCreated)
	f.mustPost("/v1/programs/prog-cyclone/status", map[string]string{"status": "active"}, http.StatusOK)
	f.mustPost("/v1/beneficiaries", map[string]interface{}{
		"id":        "ben-1",
		"programId": "prog-cyclone",
		"address":   "addr-ben-1",
		"name":      "Household One",
		"status":    "active",
	}, http.StatusCreated)
	f.mustPost("/v1/merchants", map[string]string{
		"id":        "merch-1",
		"programId": "prog-cyclone",
		"address":   "addr-merch-1",
		"category":  "food",
		"status":    "active",
	}, http.StatusCreated)
}

func TestPaymentFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t, "")
	f.seedProgram()

	f.mustPost("/v1/airdrops", map[string]string{
		"beneficiaryId": "ben-1",
		"requestId":     "air-1",
	}, http.StatusOK)

	status, balance := f.get("/v1/accounts/addr-ben-1/balance")
	if status != http.StatusOK || balance["balance"] != "25000" {
		t.Fatalf("beneficiary balance: status %d, body %v", status, balance)
	}

	payment := map[string]string{
		"beneficiaryId": "ben-1",
		"merchantId":    "merch-1",
		"amount":        "1500",
		"category":      "food",
		"requestId":     "pay-1",
	}
	first := f.mustPost("/v1/payments", payment, http.StatusOK)
	if first["txId"] == "" {
		t.Fatal("payment receipt missing txId")
	}
	if replayed, _ := first["replayed"].(bool); replayed {
		t.Fatal("fresh payment marked replayed")
	}

	// The same request id must return the original receipt without spending twice.
	second := f.mustPost("/v1/payments", payment, http.StatusOK)
	if second["txId"] != first["txId"] {
		t.Fatalf("replay txId %v, want %v", second["txId"], first["txId"])
	}
	if replayed, _ := second["replayed"].(bool); !replayed {
		t.Fatal("replayed payment not marked replayed")
	}

	status, merchBalance := f.get("/v1/accounts/addr-merch-1/balance")
	if status != http.StatusOK || merchBalance["balance"] != "1500" {
		t.Fatalf("merchant balance: status %d, body %v", status, merchBalance)
	}

	status, verify := f.get("/v1/audit/verify")
	if status != http.StatusOK {
		t.Fatalf("audit verify status %d", status)
	}
	if intact, _ := verify["intact"].(bool); !intact {
		t.Fatalf("audit chain not intact: %v", verify)
	}
	if verified, _ := verify["verified"].(float64); verified < 2 {
		t.Fatalf("verified %v entries, want at least 2", verify["verified"])
	}
}

func TestIdempotencyKeyHeader(t *testing.T) {
	f := newAPIFixture(t, "")
	f.seedProgram()

	// Clients may carry the retry key in the Idempotency-Key header instead
	// of the JSON body.
	body := map[string]string{"beneficiaryId": "ben-1", "amount": "20000"}
	status, first := f.doWithHeader(http.MethodPost, "/v1/airdrops", body, "Idempotency-Key", "air-hdr-1")
	if status != http.StatusOK {
		t.Fatalf("airdrop status %d (%v)", status, first)
	}
	if replayed, _ := first["replayed"].(bool); replayed {
		t.Fatal("fresh airdrop marked replayed")
	}

	status, second := f.doWithHeader(http.MethodPost, "/v1/airdrops", body, "Idempotency-Key", "air-hdr-1")
	if status != http.StatusOK {
		t.Fatalf("retry status %d (%v)", status, second)
	}
	if second["txId"] != first["txId"] {
		t.Fatalf("retry txId %v, want %v", second["txId"], first["txId"])
	}
	if replayed, _ := second["replayed"].(bool); !replayed {
		t.Fatal("retried airdrop not marked replayed")
	}
	status, balance := f.get("/v1/accounts/addr-ben-1/balance")
	if status != http.StatusOK || balance["balance"] != "20000" {
		t.Fatalf("balance after retry: status %d, body %v", status, balance)
	}

	// A body request id still wins over the header.
	status, receipt := f.doWithHeader(http.MethodPost, "/v1/airdrops", map[string]string{
		"beneficiaryId": "ben-1",
		"amount":        "1000",
		"requestId":     "air-body-1",
	}, "Idempotency-Key", "air-hdr-1")
	if status != http.StatusOK {
		t.Fatalf("body-key airdrop status %d (%v)", status, receipt)
	}
	if replayed, _ := receipt["replayed"].(bool); replayed {
		t.Fatal("distinct body request id served as replay")
	}

	// Without either carrier the request is rejected before touching state.
	status, _ = f.post("/v1/airdrops", map[string]string{"beneficiaryId": "ben-1", "amount": "1000"})
	if status != http.StatusBadRequest {
		t.Fatalf("missing request id status %d, want 400", status)
	}
}

func TestEngineErrorsMapToStatuses(t *testing.T) {
	f := newAPIFixture(t, "")
	f.seedProgram()
	f.mustPost("/v1/airdrops", map[string]string{
		"beneficiaryId": "ben-1",
		"requestId":     "air-1",
	}, http.StatusOK)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{
			name:   "malformed amount",
			method: http.MethodPost,
			path:   "/v1/payments",
			body: map[string]string{
				"beneficiaryId": "ben-1", "merchantId": "merch-1",
				"amount": "abc", "requestId": "pay-bad",
			},
			want: http.StatusBadRequest,
		},
		{
			name:   "daily limit breach",
			method: http.MethodPost,
			path:   "/v1/payments",
			body: map[string]string{
				"beneficiaryId": "ben-1", "merchantId": "merch-1",
				"amount": "6000", "category": "food", "requestId": "pay-over",
			},
			want: http.StatusUnprocessableEntity,
		},
		{
			name:   "unknown beneficiary",
			method: http.MethodPost,
			path:   "/v1/payments",
			body: map[string]string{
				"beneficiaryId": "ghost", "merchantId": "merch-1",
				"amount": "100", "category": "food", "requestId": "pay-ghost",
			},
			want: http.StatusNotFound,
		},
		{
			name:   "unknown program",
			method: http.MethodGet,
			path:   "/v1/programs/nope",
			want:   http.StatusNotFound,
		},
		{
			name:   "unknown transaction",
			method: http.MethodGet,
			path:   "/v1/transactions/nope",
			want:   http.StatusNotFound,
		},
		{
			name:   "vote on missing proposal",
			method: http.MethodPost,
			path:   "/v1/proposals/99/votes",
			body:   map[string]string{"voter": "donor-1", "choice": "for"},
			want:   http.StatusNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := f.do(tc.method, tc.path, tc.body)
			if status != tc.want {
				t.Fatalf("status %d, want %d (%v)", status, tc.want, body)
			}
		})
	}
}

func TestGovernanceFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t, "")
	f.seedProgram()

	f.mustPost("/v1/donations", map[string]string{
		"donorAddress": "donor-1",
		"programId":    "prog-cyclone",
		"amount":       "500000",
		"requestId":    "don-1",
	}, http.StatusOK)

	proposal := f.mustPost("/v1/proposals", map[string]string{
		"proposer":  "donor-1",
		"programId": "prog-cyclone",
		"field":     "dailyLimit",
		"newValue":  "7500",
		"title":     "Raise the daily cap",
	}, http.StatusCreated)
	if proposal["status"] != "active" {
		t.Fatalf("proposal status %v, want active", proposal["status"])
	}

	f.mustPost("/v1/proposals/1/votes", map[string]string{
		"voter": "donor-1", "choice": "for",
	}, http.StatusOK)

	status, tally := f.get("/v1/proposals/1/tally")
	if status != http.StatusOK {
		t.Fatalf("tally status %d", status)
	}
	if votesFor, _ := tally["votes_for"].(float64); votesFor != 500000 {
		t.Fatalf("votes_for %v, want 500000", tally["votes_for"])
	}

	// Voting is still open, so execution must be refused.
	status, _ = f.post("/v1/proposals/1/execute", nil)
	if status != http.StatusForbidden {
		t.Fatalf("premature execute status %d, want %d", status, http.StatusForbidden)
	}
}

func TestAuthGuardsAPI(t *testing.T) {
	f := newAPIFixture(t, "test-secret")

	status, _ := f.get("/healthz")
	if status != http.StatusOK {
		t.Fatalf("healthz status %d", status)
	}

	anon := &apiFixture{t: t, server: f.server}
	status, _ = anon.get("/v1/supply")
	if status != http.StatusUnauthorized {
		t.Fatalf("anonymous supply status %d, want %d", status, http.StatusUnauthorized)
	}

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "intruder",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}
	intruder := &apiFixture{t: t, server: f.server, token: forged}
	status, _ = intruder.get("/v1/supply")
	if status != http.StatusUnauthorized {
		t.Fatalf("forged token status %d, want %d", status, http.StatusUnauthorized)
	}

	status, supply := f.get("/v1/supply")
	if status != http.StatusOK || supply["totalSupply"] == nil {
		t.Fatalf("authorized supply: status %d, body %v", status, supply)
	}
}
