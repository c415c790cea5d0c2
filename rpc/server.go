package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"reliefchain/native/audit"
	"reliefchain/native/common"
	"reliefchain/native/governance"
	"reliefchain/native/ledger"
	"reliefchain/native/policy"
	"reliefchain/native/registry"
	"reliefchain/native/risk"
	"reliefchain/observability/metrics"
)

// Config carries the engine handles and API knobs for the HTTP server.
type Config struct {
	Ledger     *ledger.Ledger
	Policy     *policy.Engine
	Registry   *registry.Registry
	Governance *governance.Engine
	Risk       *risk.Engine
	Audit      *audit.Log

	Logger        *slog.Logger
	JWTSecret     string
	RatePerSecond float64
	RateBurst     int
	Tracing       bool
}

// Server serves the relief-chain HTTP API.
type Server struct {
	ledger     *ledger.Ledger
	policy     *policy.Engine
	registry   *registry.Registry
	governance *governance.Engine
	risk       *risk.Engine
	audit      *audit.Log
	logger     *slog.Logger

	router http.Handler
}

// New constructs a configured server with authentication, rate limiting, and
// request instrumentation wired in.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		ledger:     cfg.Ledger,
		policy:     cfg.Policy,
		registry:   cfg.Registry,
		governance: cfg.Governance,
		risk:       cfg.Risk,
		audit:      cfg.Audit,
		logger:     logger,
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(newRateLimiter(cfg.RatePerSecond, cfg.RateBurst).middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(authenticate(cfg.JWTSecret))

		api.Post("/tokens/mint", instrument("tokens.mint", s.handleMint))
		api.Post("/tokens/burn", instrument("tokens.burn", s.handleBurn))
		api.Post("/tokens/transfer", instrument("tokens.transfer", s.handleTransfer))
		api.Get("/accounts/{address}/balance", instrument("accounts.balance", s.handleBalance))
		api.Get("/supply", instrument("supply", s.handleSupply))
		api.Get("/transactions/{id}", instrument("transactions.get", s.handleGetTransaction))

		api.Post("/programs", instrument("programs.create", s.handleCreateProgram))
		api.Get("/programs", instrument("programs.list", s.handleListPrograms))
		api.Get("/programs/{id}", instrument("programs.get", s.handleGetProgram))
		api.Post("/programs/{id}/status", instrument("programs.status", s.handleSetProgramStatus))
		api.Post("/programs/{id}/fields", instrument("programs.fields", s.handleApplyFieldChange))
		api.Get("/programs/{id}/analytics", instrument("programs.analytics", s.handleAnalytics))

		api.Post("/beneficiaries", instrument("beneficiaries.enroll", s.handleEnrollBeneficiary))
		api.Post("/merchants", instrument("merchants.register", s.handleRegisterMerchant))
		api.Get("/merchants/{id}/risk", instrument("merchants.risk", s.handleMerchantRisk))

		api.Post("/payments", instrument("payments", s.handlePay))
		api.Post("/airdrops", instrument("airdrops", s.handleAirdrop))
		api.Post("/donations", instrument("donations", s.handleDonate))
		api.Post("/cashouts", instrument("cashouts", s.handleCashout))
		api.Post("/clawbacks", instrument("clawbacks", s.handleClawback))

		api.Post("/proposals", instrument("proposals.create", s.handlePropose))
		api.Get("/proposals", instrument("proposals.list", s.handleListProposals))
		api.Get("/proposals/{id}", instrument("proposals.get", s.handleGetProposal))
		api.Post("/proposals/{id}/votes", instrument("proposals.vote", s.handleVote))
		api.Get("/proposals/{id}/tally", instrument("proposals.tally", s.handleTally))
		api.Post("/proposals/{id}/execute", instrument("proposals.execute", s.handleExecute))

		api.Get("/audit", instrument("audit.list", s.handleAuditList))
		api.Get("/audit/verify", instrument("audit.verify", s.handleAuditVerify))
		api.Get("/audit/requests/{requestID}", instrument("audit.request", s.handleAuditByRequest))
	})

	var handler http.Handler = r
	if cfg.Tracing {
		handler = otelhttp.NewHandler(handler, "reliefd.rpc")
	}
	return handler
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrBusy):
		status = http.StatusConflict
		metrics.Relief().ObserveEntityBusy()
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrZeroAddress),
		errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, ledger.ErrRequestIDRequired):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, policy.ErrDailyLimitExceeded),
		errors.Is(err, policy.ErrBudgetExhausted),
		errors.Is(err, policy.ErrCashoutExceedsReceipts),
		errors.Is(err, registry.ErrBudgetBelowDistributed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, policy.ErrProgramNotActive),
		errors.Is(err, policy.ErrBeneficiaryNotEligible),
		errors.Is(err, policy.ErrMerchantNotEligible),
		errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, governance.ErrProposalNotActive),
		errors.Is(err, governance.ErrNoVotingPower),
		errors.Is(err, governance.ErrNotPassed):
		status = http.StatusForbidden
	case errors.Is(err, registry.ErrProgramNotFound),
		errors.Is(err, registry.ErrBeneficiaryNotFound),
		errors.Is(err, registry.ErrMerchantNotFound),
		errors.Is(err, governance.ErrProposalNotFound),
		errors.Is(err, audit.ErrEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrUnknownField):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func parseAmount(raw string, required bool) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if required {
			return nil, errors.New("amount required")
		}
		return nil, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, errors.New("amount must be a base-10 integer")
	}
	return value, nil
}
