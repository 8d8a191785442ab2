package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pixbridge/internal/orchestrator"
	"pixbridge/internal/store"
)

type createUserRequest struct {
	ReferralCode *string `json:"referral_code"`
}

type createReferralRequest struct {
	UserID         string `json:"user_id"`
	ReferralCode   string `json:"referral_code"`
	PaymentAddress string `json:"payment_address"`
}

type createDepositRequest struct {
	UserID        string `json:"user_id"`
	Address       string `json:"address"`
	AmountInCents int64  `json:"amount_in_cents"`
	Asset         string `json:"asset"`
	Network       string `json:"network"`
}

// pixWebhookRequest mirrors the payment processor's notification payload.
type pixWebhookRequest struct {
	BankTxID        string `json:"bankTxId"`
	BlockchainTxID  string `json:"blockchainTxID"`
	CustomerMessage string `json:"customerMessage"`
	PayerName       string `json:"payerName"`
	PayerTaxNumber  string `json:"payerTaxNumber"`
	Expiration      string `json:"expiration"`
	PixKey          string `json:"pixKey"`
	QRID            string `json:"qrId"`
	Status          string `json:"status"`
	ValueInCents    int64  `json:"valueInCents"`
}

type userResponse struct {
	ID         string    `json:"id"`
	ReferredBy *string   `json:"referred_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type referralResponse struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	ReferralCode   string `json:"referral_code"`
	PaymentAddress string `json:"payment_address"`
}

type depositResponse struct {
	TransactionID string `json:"transaction_id"`
	DepositID     string `json:"deposit_id"`
	QRCopyPaste   string `json:"qr_copy_paste"`
	QRImageURL    string `json:"qr_image_url"`
}

type transactionResponse struct {
	ID                string     `json:"id"`
	DepositID         string     `json:"deposit_id"`
	UserID            string     `json:"user_id"`
	Address           string     `json:"address"`
	AmountInCents     int64      `json:"amount_in_cents"`
	Asset             string     `json:"asset"`
	Network           string     `json:"network"`
	Status            string     `json:"status"`
	Rate              *string    `json:"rate,omitempty"`
	FeeInAsset        *int64     `json:"fee_in_asset,omitempty"`
	DestinationAmount *int64     `json:"destination_amount,omitempty"`
	NetworkTxID       *string    `json:"network_tx_id,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	RateLockedUntil   *time.Time `json:"rate_locked_until,omitempty"`
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	var req createUserRequest
	if !decodeStrict(w, r, &req) {
		return
	}

	user, err := s.users.CreateUser(r.Context(), req.ReferralCode)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrReferralCodeNotFound):
			writeError(w, http.StatusUnprocessableEntity, "referral_code_not_found")
		default:
			s.log.WithError(err).Error("create user")
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	s.log.WithField("user_id", user.ID).Info("user created")
	writeJSON(w, http.StatusCreated, userResponse{
		ID:         user.ID,
		ReferredBy: user.ReferredBy,
		CreatedAt:  user.CreatedAt,
	})
}

func (s *Server) handleReferrals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	var req createReferralRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.ReferralCode) == "" || strings.TrimSpace(req.PaymentAddress) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	ref, err := s.users.CreateReferral(r.Context(), req.UserID, strings.TrimSpace(req.ReferralCode), strings.TrimSpace(req.PaymentAddress))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrReferralCodeTaken):
			writeError(w, http.StatusConflict, "referral_code_taken")
		default:
			s.log.WithError(err).Error("create referral")
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, referralResponse{
		ID:             ref.ID,
		UserID:         ref.UserID,
		ReferralCode:   ref.ReferralCode,
		PaymentAddress: ref.PaymentAddress,
	})
}

func (s *Server) handleDeposits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	var req createDepositRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.Address) == "" || req.AmountInCents <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	receipt, err := s.svc.CreateDeposit(r.Context(), orchestrator.DepositRequest{
		UserID:        req.UserID,
		Address:       strings.TrimSpace(req.Address),
		AmountInCents: req.AmountInCents,
		Asset:         req.Asset,
		Network:       req.Network,
	})
	if err != nil {
		reason := "internal_error"
		switch {
		case errors.Is(err, orchestrator.ErrUnsupportedAsset):
			reason = "unsupported_asset"
			writeError(w, http.StatusBadRequest, reason)
		case errors.Is(err, orchestrator.ErrAmountTooLow):
			reason = "amount_too_low"
			writeError(w, http.StatusBadRequest, reason)
		case errors.Is(err, store.ErrUserNotFound):
			reason = "user_not_found"
			writeError(w, http.StatusNotFound, reason)
		case errors.Is(err, store.ErrFirstDepositCap):
			reason = "first_deposit_cap_exceeded"
			writeError(w, http.StatusUnprocessableEntity, reason)
		case errors.Is(err, store.ErrDailyCap):
			reason = "daily_cap_exceeded"
			writeError(w, http.StatusUnprocessableEntity, reason)
		case errors.Is(err, store.ErrDepositBusy):
			reason = "deposit_busy"
			writeError(w, http.StatusConflict, reason)
		default:
			s.log.WithError(err).Error("create deposit")
			writeError(w, http.StatusInternalServerError, reason)
		}
		s.log.WithFields(logrus.Fields{
			"user_id": req.UserID,
			"amount":  req.AmountInCents,
			"asset":   req.Asset,
			"reason":  reason,
		}).Warn("deposit rejected")
		return
	}

	writeJSON(w, http.StatusCreated, depositResponse{
		TransactionID: receipt.TransactionID,
		DepositID:     receipt.DepositID,
		QRCopyPaste:   receipt.QRCopyPaste,
		QRImageURL:    receipt.QRImageURL,
	})
}

func (s *Server) handleTransactionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	tx, err := s.svc.GetTransaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.log.WithError(err).Error("get transaction")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// handlePixWebhook accepts payment-status notifications. Duplicate
// deliveries return 200 so the processor stops redelivering.
func (s *Server) handlePixWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	var req pixWebhookRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	if req.QRID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	err := s.svc.HandleStatusEvent(r.Context(), orchestrator.StatusEvent{
		BankTxID:       req.BankTxID,
		BlockchainTxID: req.BlockchainTxID,
		PayerName:      req.PayerName,
		PayerTaxNumber: req.PayerTaxNumber,
		PixKey:         req.PixKey,
		QRID:           req.QRID,
		Status:         req.Status,
		ValueInCents:   req.ValueInCents,
		Expiration:     req.Expiration,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown_charge")
			return
		}
		s.log.WithFields(logrus.Fields{
			"bank_tx_id": req.BankTxID,
			"qr_id":      req.QRID,
			"status":     req.Status,
		}).WithError(err).Error("webhook processing")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

// decodeStrict applies the strict body discipline used on every endpoint:
// unknown fields and trailing content are rejected.
func decodeStrict(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return false
	}
	return true
}

func toTransactionResponse(tx store.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:                tx.ID,
		DepositID:         tx.DepositID,
		UserID:            tx.UserID,
		Address:           tx.Address,
		AmountInCents:     tx.AmountInCents,
		Asset:             tx.Asset,
		Network:           tx.Network,
		Status:            string(tx.Status),
		FeeInAsset:        tx.FeeInAsset,
		DestinationAmount: tx.DestinationAmount,
		NetworkTxID:       tx.NetworkTxID,
		FailureReason:     tx.FailureReason,
		CreatedAt:         tx.CreatedAt,
		UpdatedAt:         tx.UpdatedAt,
		RateLockedUntil:   tx.RateLockedUntil,
	}
	if tx.Rate != nil {
		r := tx.Rate.String()
		resp.Rate = &r
	}
	return resp
}
