package http

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"CharonPOS/internal/services"
	"CharonPOS/internal/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

const maxWebhookBody = 5 << 20

type Handler struct {
	Orders *services.OrderService
	// WebhookToken, when set, must match the X-Webhook-Token header.
	WebhookToken string
}

type createPaymentRequest struct {
	OrderID        any    `json:"orderId"`
	Amount         any    `json:"amount"`
	MerchantWallet string `json:"merchantWallet"`
	MerchantPubkey string `json:"merchantPubkey"`
	TokenMint      string `json:"tokenMint"`
	USDCMint       string `json:"usdcMint"`
}

// createPaymentResponse carries the payment request under both the current
// and the legacy field names.
type createPaymentResponse struct {
	OrderID      string `json:"orderId"`
	PaymentURI   string `json:"paymentUri"`
	SolanaPayURL string `json:"solanaPayUrl"`
	QRImage      string `json:"qrImage"`
	QRDataURL    string `json:"qrDataUrl"`
}

type statusResponse struct {
	Status    string `json:"status"`
	BackoffMs *int64 `json:"backoffMs,omitempty"`
	NotFound  bool   `json:"notFound,omitempty"`
}

type webhookResponse struct {
	Status  string `json:"status"`
	Events  int    `json:"events"`
	Matched int    `json:"matched"`
}

type refundResponse struct {
	Error  string `json:"error"`
	Policy string `json:"policy"`
}

func NewHandler(orders *services.OrderService, webhookToken string) *Handler {
	return &Handler{Orders: orders, WebhookToken: webhookToken}
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	orderID := cast.ToString(req.OrderID)
	amountText := cast.ToString(req.Amount)
	if orderID == "" || amountText == "" {
		writeError(w, http.StatusBadRequest, "orderId and amount are required")
		return
	}
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		writeError(w, http.StatusBadRequest, services.ErrInvalidAmount.Error())
		return
	}

	intent, err := h.Orders.CreatePayment(r.Context(), services.CreatePaymentInput{
		OrderID:        orderID,
		Amount:         amount,
		MerchantWallet: firstNonEmpty(req.MerchantWallet, req.MerchantPubkey),
		TokenMint:      firstNonEmpty(req.TokenMint, req.USDCMint),
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidOrderID),
			errors.Is(err, services.ErrInvalidAmount),
			errors.Is(err, services.ErrInvalidMerchant),
			errors.Is(err, services.ErrInvalidMint):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			// Clients treat any non-validation failure as retryable.
			writeError(w, http.StatusOK, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, createPaymentResponse{
		OrderID:      intent.Order.OrderID,
		PaymentURI:   intent.PaymentURI,
		SolanaPayURL: intent.PaymentURI,
		QRImage:      intent.QRImage,
		QRDataURL:    intent.QRImage,
	})
}

func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	res := h.Orders.Status(r.Context(), orderID)
	resp := statusResponse{Status: string(res.Status), NotFound: res.NotFound}
	if !res.NotFound {
		ms := res.Backoff.Milliseconds()
		resp.BackoffMs = &ms
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.WebhookToken != "" {
		got := r.Header.Get("X-Webhook-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid webhook token")
			return
		}
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	sum, err := h.Orders.HandleWebhook(r.Context(), bytes.TrimSpace(body))
	if err != nil {
		if errors.Is(err, webhook.ErrMalformed) {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Status: "ok", Events: sum.Events, Matched: sum.Matched})
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID any `json:"orderId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := h.Orders.Refund(r.Context(), cast.ToString(req.OrderID)); errors.Is(err, services.ErrRefundNotImplemented) {
		writeJSON(w, http.StatusNotImplemented, refundResponse{Error: "Not Implemented", Policy: services.RefundPolicy})
		return
	}
	writeError(w, http.StatusInternalServerError, "refund failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
