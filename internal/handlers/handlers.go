package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/paivaedu632/ema-sub000/internal/book"
	"github.com/paivaedu632/ema-sub000/internal/engine"
	"github.com/paivaedu632/ema-sub000/internal/ledger"
	"github.com/paivaedu632/ema-sub000/internal/rates"
	"github.com/paivaedu632/ema-sub000/internal/txrecord"
	"github.com/paivaedu632/ema-sub000/libs/auth"
)

const defaultTransactionLimit = 50

// Exchange is the engine surface the HTTP layer depends on.
type Exchange interface {
	PlaceLimitOffer(ctx context.Context, userID uuid.UUID, currency string, amount, rate decimal.Decimal) (book.Offer, error)
	CancelOffer(ctx context.Context, userID, offerID uuid.UUID) (book.Offer, error)
	Offers(userID uuid.UUID) []book.Offer
	ExecuteMarketOrder(ctx context.Context, order engine.MarketOrder) (*engine.ExecutionResult, error)
	GetBalance(ctx context.Context, userID uuid.UUID, currency string) (ledger.Wallet, error)
	Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]txrecord.Transaction, error)
}

type Handler struct {
	exchange Exchange
	logger   *slog.Logger
}

func New(exchange Exchange, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{exchange: exchange, logger: logger}
}

// RegisterRoutes mounts the authenticated API under the given group.
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/offers", h.PostOffer)
	group.GET("/offers", h.ListOffers)
	group.DELETE("/offers/:id", h.CancelOffer)
	group.POST("/orders/market", h.PlaceMarketOrder)
	group.GET("/balances/:currency", h.GetBalance)
	group.GET("/transactions", h.ListTransactions)
}

type postOfferRequest struct {
	Currency string `json:"currency" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	Rate     string `json:"rate" binding:"required"`
}

type offerResponse struct {
	ID        string `json:"id"`
	Currency  string `json:"currency"`
	Remaining string `json:"remaining"`
	Rate      string `json:"rate"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func toOfferResponse(o book.Offer) offerResponse {
	return offerResponse{
		ID:        o.ID.String(),
		Currency:  o.Currency,
		Remaining: o.Remaining.StringFixed(2),
		Rate:      o.Rate.String(),
		Status:    string(o.Status),
		CreatedAt: o.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) PostOffer(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}

	var req postOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a decimal number")
		return
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_RATE", "rate must be a decimal number")
		return
	}

	offer, err := h.exchange.PlaceLimitOffer(c.Request.Context(), userID, req.Currency, amount, rate)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toOfferResponse(offer))
}

func (h *Handler) ListOffers(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}

	offers := h.exchange.Offers(userID)
	out := make([]offerResponse, 0, len(offers))
	for _, o := range offers {
		out = append(out, toOfferResponse(o))
	}
	c.JSON(http.StatusOK, gin.H{"offers": out})
}

func (h *Handler) CancelOffer(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}
	offerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_OFFER_ID", "offer id must be a uuid")
		return
	}

	offer, err := h.exchange.CancelOffer(c.Request.Context(), userID, offerID)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOfferResponse(offer))
}

type marketOrderRequest struct {
	Side           string `json:"side" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	MaxSlippagePct string `json:"max_slippage_pct"`
	AllowFallback  bool   `json:"allow_fallback"`
}

type transactionResponse struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	FeeAmount      string `json:"fee_amount"`
	NetAmount      string `json:"net_amount"`
	Rate           string `json:"rate"`
	Status         string `json:"status"`
	ExchangeID     string `json:"exchange_id,omitempty"`
	OfferID        string `json:"offer_id,omitempty"`
	OrderMatching  bool   `json:"order_matching"`
	FallbackReason string `json:"fallback_reason,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func toTransactionResponse(t txrecord.Transaction) transactionResponse {
	out := transactionResponse{
		ID:             t.ID.String(),
		Type:           string(t.Type),
		Amount:         t.Amount.StringFixed(2),
		Currency:       t.Currency,
		FeeAmount:      t.FeeAmount.StringFixed(2),
		NetAmount:      t.NetAmount.StringFixed(2),
		Rate:           t.Rate.String(),
		Status:         string(t.Status),
		OrderMatching:  t.Metadata.OrderMatching,
		FallbackReason: t.Metadata.FallbackReason,
		CreatedAt:      t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.Metadata.ExchangeID != uuid.Nil {
		out.ExchangeID = t.Metadata.ExchangeID.String()
	}
	if t.Metadata.OfferID != uuid.Nil {
		out.OfferID = t.Metadata.OfferID.String()
	}
	return out
}

type executionResponse struct {
	Status       string                `json:"status"`
	ExchangeID   string                `json:"exchange_id"`
	Currency     string                `json:"currency"`
	Requested    string                `json:"requested"`
	Matched      string                `json:"matched"`
	AverageRate  string                `json:"average_rate"`
	Transactions []transactionResponse `json:"transactions"`
	RestingOffer *offerResponse        `json:"resting_offer,omitempty"`
}

func (h *Handler) PlaceMarketOrder(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}

	var req marketOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a decimal number")
		return
	}
	slippage := decimal.Zero
	if req.MaxSlippagePct != "" {
		slippage, err = decimal.NewFromString(req.MaxSlippagePct)
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_SLIPPAGE", "max_slippage_pct must be a decimal number")
			return
		}
	}

	result, err := h.exchange.ExecuteMarketOrder(c.Request.Context(), engine.MarketOrder{
		UserID:         userID,
		Side:           engine.Side(req.Side),
		Amount:         amount,
		MaxSlippagePct: slippage,
		AllowFallback:  req.AllowFallback,
	})
	if err != nil {
		h.respondDomainError(c, err)
		return
	}

	resp := executionResponse{
		Status:       string(result.Status),
		ExchangeID:   result.ExchangeID.String(),
		Currency:     result.Currency,
		Requested:    result.Requested.StringFixed(2),
		Matched:      result.Matched.StringFixed(2),
		AverageRate:  result.AverageRate.String(),
		Transactions: make([]transactionResponse, 0, len(result.Transactions)),
	}
	for _, t := range result.Transactions {
		resp.Transactions = append(resp.Transactions, toTransactionResponse(t))
	}
	if result.RestingOffer != nil {
		offer := toOfferResponse(*result.RestingOffer)
		resp.RestingOffer = &offer
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}

	wallet, err := h.exchange.GetBalance(c.Request.Context(), userID, c.Param("currency"))
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currency":  wallet.Currency,
		"available": wallet.Available.StringFixed(2),
		"reserved":  wallet.Reserved.StringFixed(2),
		"total":     wallet.Total().StringFixed(2),
	})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}

	limit := defaultTransactionLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	txns, err := h.exchange.Transactions(c.Request.Context(), userID, limit)
	if err != nil {
		h.respondDomainError(c, err)
		return
	}
	out := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		out = append(out, toTransactionResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": message})
}

// respondDomainError maps engine and ledger failures onto stable API codes.
func (h *Handler) respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		respondError(c, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		respondError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", err.Error())
	case errors.Is(err, ledger.ErrConcurrentConflict):
		respondError(c, http.StatusConflict, "CONCURRENT_CONFLICT", "wallet was modified concurrently, retry")
	case errors.Is(err, rates.ErrInvalidRate):
		respondError(c, http.StatusBadRequest, "INVALID_RATE", err.Error())
	case errors.Is(err, book.ErrNotFound):
		respondError(c, http.StatusNotFound, "OFFER_NOT_FOUND", err.Error())
	case errors.Is(err, book.ErrNotOwner):
		respondError(c, http.StatusForbidden, "NOT_OFFER_OWNER", err.Error())
	case errors.Is(err, book.ErrAlreadyTerminal):
		respondError(c, http.StatusConflict, "OFFER_ALREADY_CLOSED", err.Error())
	case errors.Is(err, engine.ErrUnsupportedCurrency):
		respondError(c, http.StatusBadRequest, "UNSUPPORTED_CURRENCY", err.Error())
	case errors.Is(err, engine.ErrSlippageExceeded):
		respondError(c, http.StatusUnprocessableEntity, "SLIPPAGE_EXCEEDED", err.Error())
	case errors.Is(err, engine.ErrInsufficientLiquidity):
		respondError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_LIQUIDITY", err.Error())
	default:
		h.logger.Error("unhandled api error", "error", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
