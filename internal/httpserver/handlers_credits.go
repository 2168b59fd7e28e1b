package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/nightowl/pkg/fabric"
	"github.com/wisbric/nightowl/pkg/ledger"
)

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accType := fabric.AccountType(chi.URLParam(r, "type"))
	accID := chi.URLParam(r, "id")

	switch accType {
	case fabric.AccountUser, fabric.AccountNode, fabric.AccountPlatform:
	default:
		RespondError(w, http.StatusBadRequest, "bad_request", "account type must be one of: user, node, platform")
		return
	}

	account := s.credits.Account(fabric.AccountKey{Type: accType, ID: accID})
	Respond(w, http.StatusOK, newAccountResponse(account))
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var key *fabric.AccountKey
	if accType, accID := q.Get("account_type"), q.Get("account_id"); accType != "" && accID != "" {
		key = &fabric.AccountKey{Type: fabric.AccountType(accType), ID: accID}
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	txns := s.credits.ListTransactions(key, limit)
	items := make([]transactionResponse, len(txns))
	for i, t := range txns {
		items[i] = newTransactionResponse(t)
	}
	Respond(w, http.StatusOK, map[string]any{"transactions": items})
}

func (s *Server) handleMintCredits(w http.ResponseWriter, r *http.Request) {
	var req mintCreditsRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "admin mint"
	}
	txn, err := s.credits.Mint(fabric.AccountKey{Type: fabric.AccountType(req.AccountType), ID: req.AccountID}, req.Amount, reason, "", "")
	if err != nil {
		respondStoreError(w, err)
		return
	}
	Respond(w, http.StatusCreated, newTransactionResponse(txn))
}

func (s *Server) handleTransferCredits(w http.ResponseWriter, r *http.Request) {
	var req transferCreditsRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "admin transfer"
	}
	txn, err := s.credits.Transfer(
		fabric.AccountKey{Type: fabric.AccountType(req.FromType), ID: req.FromID},
		fabric.AccountKey{Type: fabric.AccountType(req.ToType), ID: req.ToID},
		req.Amount,
		ledger.TransferOpts{Type: fabric.TxnTransfer, Reason: reason},
	)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	Respond(w, http.StatusCreated, newTransactionResponse(txn))
}

func (s *Server) handleRewardNode(w http.ResponseWriter, r *http.Request) {
	var req rewardNodeRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "admin reward"
	}
	txn, err := s.credits.RewardNode(req.NodeID, req.JobID, req.Amount, reason)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	Respond(w, http.StatusCreated, newTransactionResponse(txn))
}

func (s *Server) handleSpendCredits(w http.ResponseWriter, r *http.Request) {
	var req spendCreditsRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "user spend"
	}
	txn, err := s.credits.Transfer(
		fabric.AccountKey{Type: fabric.AccountUser, ID: req.UserID},
		fabric.AccountKey{Type: fabric.AccountPlatform, ID: "reserve"},
		req.Amount,
		ledger.TransferOpts{Type: fabric.TxnDebit, Reason: reason},
	)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	Respond(w, http.StatusCreated, newTransactionResponse(txn))
}
