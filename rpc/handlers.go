package rpc

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"reliefchain/core/types"
	"reliefchain/native/governance"
	"reliefchain/native/ledger"
	"reliefchain/native/registry"
)

type receiptResponse struct {
	TxID     string             `json:"txId"`
	Replayed bool               `json:"replayed"`
	Tx       *types.Transaction `json:"tx,omitempty"`
}

func newReceiptResponse(receipt *ledger.Receipt) receiptResponse {
	return receiptResponse{TxID: receipt.TxID, Replayed: receipt.Replayed, Tx: receipt.Tx}
}

func parseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, errors.New("timestamp must be RFC 3339")
	}
	return ts, nil
}

// requestID resolves the idempotency key for a mutating call. The JSON body
// wins; clients that keep retry keys out of payloads send an Idempotency-Key
// header instead.
func requestID(r *http.Request, body string) string {
	if trimmed := strings.TrimSpace(body); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

// --- Token operations ---

type mintRequest struct {
	To        string `json:"to"`
	Amount    string `json:"amount"`
	RequestID string `json:"requestId"`
	ProgramID string `json:"programId,omitempty"`
	Memo      string `json:"memo,omitempty"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.ledger.Mint(req.To, amount, ledger.TxIntent{
		RequestID: requestID(r, req.RequestID),
		Kind:      types.TxKindMint,
		ProgramID: req.ProgramID,
		Memo:      req.Memo,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

type burnRequest struct {
	From      string `json:"from"`
	Amount    string `json:"amount"`
	RequestID string `json:"requestId"`
	ProgramID string `json:"programId,omitempty"`
	Memo      string `json:"memo,omitempty"`
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req burnRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.ledger.Burn(req.From, amount, ledger.TxIntent{
		RequestID: requestID(r, req.RequestID),
		Kind:      types.TxKindBurn,
		ProgramID: req.ProgramID,
		Memo:      req.Memo,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

type transferRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	RequestID string `json:"requestId"`
	ProgramID string `json:"programId,omitempty"`
	Memo      string `json:"memo,omitempty"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.ledger.Transfer(req.From, req.To, amount, ledger.TxIntent{
		RequestID: requestID(r, req.RequestID),
		Kind:      types.TxKindTransfer,
		ProgramID: req.ProgramID,
		Memo:      req.Memo,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	balance, err := s.ledger.BalanceOf(address)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": address,
		"balance": balance.String(),
	})
}

func (s *Server) handleSupply(w http.ResponseWriter, _ *http.Request) {
	supply, err := s.ledger.TotalSupply()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"totalSupply": supply.String()})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, ok, err := s.ledger.GetTransaction(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// --- Programs ---

type programRequest struct {
	ID                     string `json:"id,omitempty"`
	Name                   string `json:"name"`
	Description            string `json:"description,omitempty"`
	Disaster               string `json:"disaster"`
	State                  string `json:"state"`
	District               string `json:"district"`
	Timezone               string `json:"timezone,omitempty"`
	StartTime              string `json:"startTime,omitempty"`
	EndTime                string `json:"endTime,omitempty"`
	TotalBudget            string `json:"totalBudget"`
	PerHouseholdAllocation string `json:"perHouseholdAllocation"`
	DailyLimit             string `json:"dailyLimit"`
}

func (s *Server) handleCreateProgram(w http.ResponseWriter, r *http.Request) {
	var req programRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	budget, err := parseAmount(req.TotalBudget, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "totalBudget: "+err.Error())
		return
	}
	perHousehold, err := parseAmount(req.PerHouseholdAllocation, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "perHouseholdAllocation: "+err.Error())
		return
	}
	dailyLimit, err := parseAmount(req.DailyLimit, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "dailyLimit: "+err.Error())
		return
	}
	startTime, err := parseTimestamp(req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "startTime: "+err.Error())
		return
	}
	endTime, err := parseTimestamp(req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "endTime: "+err.Error())
		return
	}
	program, err := s.registry.CreateProgram(&registry.Program{
		ID:                     req.ID,
		Name:                   req.Name,
		Description:            req.Description,
		DisasterType:           types.DisasterType(strings.TrimSpace(req.Disaster)),
		State:                  req.State,
		District:               req.District,
		Timezone:               req.Timezone,
		StartTime:              startTime,
		EndTime:                endTime,
		TotalBudget:            budget,
		PerHouseholdAllocation: perHousehold,
		DailyLimit:             dailyLimit,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, program)
}

func (s *Server) handleListPrograms(w http.ResponseWriter, _ *http.Request) {
	programs, err := s.registry.ListPrograms()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, programs)
}

func (s *Server) handleGetProgram(w http.ResponseWriter, r *http.Request) {
	program, ok, err := s.registry.GetProgram(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "program not found")
		return
	}
	writeJSON(w, http.StatusOK, program)
}

func (s *Server) handleSetProgramStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.registry.SetProgramStatus(id, types.ProgramStatus(strings.TrimSpace(req.Status))); err != nil {
		s.writeEngineError(w, err)
		return
	}
	program, _, err := s.registry.GetProgram(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, program)
}

func (s *Server) handleApplyFieldChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Field    string `json:"field"`
		NewValue string `json:"newValue"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	value, err := parseAmount(req.NewValue, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "newValue: "+err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.registry.ApplyFieldChange(id, strings.TrimSpace(req.Field), value, "admin"); err != nil {
		s.writeEngineError(w, err)
		return
	}
	program, _, err := s.registry.GetProgram(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, program)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.registry.Analytics(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// --- Participants ---

type beneficiaryRequest struct {
	ID            string `json:"id,omitempty"`
	ProgramID     string `json:"programId"`
	Address       string `json:"address"`
	Name          string `json:"name,omitempty"`
	HouseholdSize int    `json:"householdSize,omitempty"`
	Status        string `json:"status,omitempty"`
}

func (s *Server) handleEnrollBeneficiary(w http.ResponseWriter, r *http.Request) {
	var req beneficiaryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	beneficiary, err := s.registry.EnrollBeneficiary(&registry.Beneficiary{
		ID:            req.ID,
		ProgramID:     req.ProgramID,
		Address:       req.Address,
		Name:          req.Name,
		HouseholdSize: req.HouseholdSize,
		Status:        types.BeneficiaryStatus(strings.TrimSpace(req.Status)),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, beneficiary)
}

type merchantRequest struct {
	ID           string `json:"id,omitempty"`
	ProgramID    string `json:"programId"`
	Address      string `json:"address"`
	BusinessName string `json:"businessName,omitempty"`
	Category     string `json:"category"`
	Status       string `json:"status,omitempty"`
}

func (s *Server) handleRegisterMerchant(w http.ResponseWriter, r *http.Request) {
	var req merchantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	merchant, err := s.registry.RegisterMerchant(&registry.Merchant{
		ID:           req.ID,
		ProgramID:    req.ProgramID,
		Address:      req.Address,
		BusinessName: req.BusinessName,
		Category:     types.MerchantCategory(strings.TrimSpace(req.Category)),
		Status:       types.MerchantStatus(strings.TrimSpace(req.Status)),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, merchant)
}

func (s *Server) handleMerchantRisk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	merchant, ok, err := s.registry.GetMerchant(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "merchant not found")
		return
	}
	response := map[string]interface{}{
		"merchantId": merchant.ID,
		"score":      merchant.RiskScore,
		"level":      merchant.RiskLevel.String(),
		"reason":     merchant.RiskReason,
		"status":     merchant.Status,
	}
	if s.risk != nil {
		if live, ok := s.risk.Assess(id); ok {
			response["liveScore"] = live.Score
			response["liveLevel"] = live.Level.String()
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// --- Policy operations ---

type payRequest struct {
	BeneficiaryID string `json:"beneficiaryId"`
	MerchantID    string `json:"merchantId"`
	Amount        string `json:"amount"`
	Category      string `json:"category,omitempty"`
	RequestID     string `json:"requestId"`
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.policy.Pay(req.BeneficiaryID, req.MerchantID, amount, types.MerchantCategory(strings.TrimSpace(req.Category)), requestID(r, req.RequestID))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

type airdropRequest struct {
	BeneficiaryID string `json:"beneficiaryId"`
	Amount        string `json:"amount,omitempty"`
	RequestID     string `json:"requestId"`
}

func (s *Server) handleAirdrop(w http.ResponseWriter, r *http.Request) {
	var req airdropRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// A missing amount falls back to the program's per-household allocation.
	amount, err := parseAmount(req.Amount, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.policy.Airdrop(req.BeneficiaryID, amount, requestID(r, req.RequestID))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

type donationRequest struct {
	DonorAddress string `json:"donorAddress"`
	ProgramID    string `json:"programId"`
	Amount       string `json:"amount"`
	RequestID    string `json:"requestId"`
}

func (s *Server) handleDonate(w http.ResponseWriter, r *http.Request) {
	var req donationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.policy.Donate(req.DonorAddress, req.ProgramID, amount, requestID(r, req.RequestID))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

type cashoutRequest struct {
	MerchantID string `json:"merchantId"`
	Amount     string `json:"amount"`
	RequestID  string `json:"requestId"`
}

func (s *Server) handleCashout(w http.ResponseWriter, r *http.Request) {
	var req cashoutRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.policy.Cashout(req.MerchantID, amount, requestID(r, req.RequestID))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

type clawbackRequest struct {
	BeneficiaryID string `json:"beneficiaryId"`
	Amount        string `json:"amount"`
	Memo          string `json:"memo,omitempty"`
	RequestID     string `json:"requestId"`
}

func (s *Server) handleClawback(w http.ResponseWriter, r *http.Request) {
	var req clawbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := parseAmount(req.Amount, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := s.policy.Clawback(req.BeneficiaryID, amount, req.Memo, requestID(r, req.RequestID))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

// --- Governance ---

type proposalRequest struct {
	Proposer  string `json:"proposer"`
	ProgramID string `json:"programId"`
	Field     string `json:"field"`
	NewValue  string `json:"newValue"`
	Title     string `json:"title,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	value, err := parseAmount(req.NewValue, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "newValue: "+err.Error())
		return
	}
	proposal, err := s.governance.Propose(req.Proposer, req.ProgramID, req.Field, value, req.Title, req.Summary)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposal)
}

func (s *Server) handleListProposals(w http.ResponseWriter, _ *http.Request) {
	proposals, err := s.governance.ListProposals()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

func proposalID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	proposal, err := s.governance.GetProposal(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

type voteRequest struct {
	Voter  string `json:"voter"`
	Choice string `json:"choice"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	var req voteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	choice, ok := governance.ParseVoteChoice(req.Choice)
	if !ok {
		writeError(w, http.StatusBadRequest, "choice must be \"for\" or \"against\"")
		return
	}
	if err := s.governance.Vote(id, req.Voter, choice); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleTally(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	tally, err := s.governance.TallyProposal(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	if err := s.governance.Execute(id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	proposal, err := s.governance.GetProposal(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

// --- Audit ---

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := s.audit.List(from, limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, _ *http.Request) {
	verified, err := s.audit.Verify()
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"intact":   false,
			"verified": verified,
			"error":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"intact":   true,
		"verified": verified,
	})
}

func (s *Server) handleAuditByRequest(w http.ResponseWriter, r *http.Request) {
	entry, err := s.audit.FindByRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
