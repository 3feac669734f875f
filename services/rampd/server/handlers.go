package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptoramp/observability/logging"
	"cryptoramp/services/rampd/assets"
	"cryptoramp/services/rampd/engine"
	"cryptoramp/services/rampd/models"
	"cryptoramp/services/rampd/rates"
	"cryptoramp/services/rampd/settlement"
)

const maxBodyBytes = 1 << 16

type errorBody struct {
	Error string `json:"error"`
}

type sellRequest struct {
	UserID        int64           `json:"user_id"`
	SessionKey    string          `json:"session_key"`
	Amount        decimal.Decimal `json:"amount"`
	Asset         string          `json:"asset"`
	AccountNumber string          `json:"account_number"`
	BankCode      string          `json:"bank_code"`
}

type sellResponse struct {
	Transaction    *models.Transaction `json:"transaction"`
	DepositAddress string              `json:"deposit_address"`
	DepositNotes   []string            `json:"deposit_notes"`
	ExpiresIn      int64               `json:"expires_in_seconds"`
}

type buyRequest struct {
	UserID        int64           `json:"user_id"`
	SessionKey    string          `json:"session_key"`
	Amount        decimal.Decimal `json:"amount"`
	Asset         string          `json:"asset"`
	WalletAddress string          `json:"wallet_address"`
	Email         string          `json:"email"`
}

type buyResponse struct {
	Transaction      *models.Transaction `json:"transaction"`
	AuthorizationURL string              `json:"authorization_url"`
	ExpiresIn        int64               `json:"expires_in_seconds"`
}

type confirmResponse struct {
	Confirmed   bool                `json:"confirmed"`
	Transaction *models.Transaction `json:"transaction"`
}

type rateEntry struct {
	Asset   assets.Asset    `json:"asset"`
	Display string          `json:"display"`
	Rate    decimal.Decimal `json:"rate"`
	Fiat    string          `json:"fiat_currency"`
}

func (s *Server) handleCreateSell(w http.ResponseWriter, r *http.Request) {
	var req sellRequest
	if !decodeBody(w, r, &req) {
		return
	}
	asset, err := assets.Parse(req.Asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	accountNumber := strings.TrimSpace(req.AccountNumber)
	bankCode := strings.TrimSpace(req.BankCode)
	if accountNumber == "" || bankCode == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "account_number and bank_code are required"})
		return
	}
	account, err := s.banks.ResolveBankAccount(r.Context(), accountNumber, bankCode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "bank account resolved",
		logging.MaskTail("account_number", account.AccountNumber),
		slog.String("bank_code", bankCode))

	tx, err := s.ramp.CreateSellTransaction(r.Context(), engine.SellRequest{
		UserID:     req.UserID,
		SessionKey: strings.TrimSpace(req.SessionKey),
		Amount:     req.Amount,
		Asset:      asset,
		Bank: &models.BankDetails{
			AccountNumber: accountNumber,
			BankCode:      bankCode,
			AccountName:   account.AccountName,
			BankName:      account.BankName,
		},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ramp.StartWatch(tx)
	writeJSON(w, http.StatusCreated, sellResponse{
		Transaction:    tx,
		DepositAddress: tx.WalletAddress,
		DepositNotes:   asset.DepositNotes(),
		ExpiresIn:      expiresIn(tx),
	})
}

func (s *Server) handleCreateBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	asset, err := assets.Parse(req.Asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.ramp.CreateBuyTransaction(r.Context(), engine.BuyRequest{
		UserID:        req.UserID,
		SessionKey:    strings.TrimSpace(req.SessionKey),
		Amount:        req.Amount,
		Asset:         asset,
		WalletAddress: strings.TrimSpace(req.WalletAddress),
		Email:         strings.TrimSpace(req.Email),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	charged, err := s.ramp.ProcessCharge(r.Context(), tx.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.ramp.StartWatch(charged)
	writeJSON(w, http.StatusCreated, buyResponse{
		Transaction:      charged,
		AuthorizationURL: charged.AuthorizationURL,
		ExpiresIn:        expiresIn(charged),
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.ramp.Get(r.Context(), trimmedParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := trimmedParam(r, "id")
	confirmed := s.ramp.ConfirmTransaction(r.Context(), id)
	tx, err := s.ramp.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{Confirmed: confirmed, Transaction: tx})
}

func (s *Server) handleLatestPending(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(trimmedParam(r, "userID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid user id"})
		return
	}
	tx, err := s.ramp.LatestPending(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	s.ramp.CancelSession(trimmedParam(r, "key"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	out := make([]rateEntry, 0, len(assets.All()))
	for _, asset := range assets.All() {
		price, err := s.rates.CurrentRate(asset)
		if err != nil {
			continue
		}
		out = append(out, rateEntry{Asset: asset, Display: asset.Display(), Rate: price, Fiat: models.FiatNGN})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rates": out})
}

func (s *Server) handleBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := s.banks.ListBanks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"banks": banks})
}

func expiresIn(tx *models.Transaction) int64 {
	remaining := time.Until(tx.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return int64(remaining / time.Second)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payload"})
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation),
		errors.Is(err, engine.ErrUnconfiguredAsset),
		errors.Is(err, engine.ErrMissingBankDetails),
		errors.Is(err, rates.ErrUnknownAsset),
		errors.Is(err, assets.ErrUnsupportedAsset),
		errors.Is(err, assets.ErrInvalidAddress),
		errors.Is(err, settlement.ErrAccountNotFound):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, engine.ErrSettlementFailure),
		errors.Is(err, settlement.ErrTransient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	var apiErr *settlement.APIError
	if status == http.StatusInternalServerError && errors.As(err, &apiErr) {
		status = http.StatusBadGateway
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
