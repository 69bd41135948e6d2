package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/semanticallynull/rentalengine-backend/internal/middleware"
	"github.com/semanticallynull/rentalengine-backend/ledger"
	"github.com/semanticallynull/rentalengine-backend/lifecycle"
)

const defaultEntryLimit = 50

type entryResponse struct {
	ID           uuid.UUID   `json:"id"`
	Kind         ledger.Kind `json:"kind"`
	Amount       int64       `json:"amount"`
	BalanceAfter int64       `json:"balanceAfter"`
	Description  string      `json:"description"`
	Reference    string      `json:"reference,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

type walletResponse struct {
	Wallet  ledger.Wallet   `json:"wallet"`
	Entries []entryResponse `json:"entries"`
}

func toWalletResponse(v lifecycle.WalletView) walletResponse {
	resp := walletResponse{Wallet: v.Wallet, Entries: make([]entryResponse, 0, len(v.Entries))}
	for _, e := range v.Entries {
		resp.Entries = append(resp.Entries, entryResponse{
			ID:           e.ID,
			Kind:         e.Kind,
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			Description:  e.Description,
			Reference:    e.Reference.String,
			CreatedAt:    e.CreatedAt,
		})
	}
	return resp
}

func (a *API) walletHandler(c *gin.Context) {
	riderID, _ := middleware.GetRiderID(c)
	limit, ok := a.queryLimit(c)
	if !ok {
		return
	}
	if limit == 0 {
		limit = defaultEntryLimit
	}

	v, err := a.svc.Wallet(c.Request.Context(), riderID, limit)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toWalletResponse(v))
}

type topUpRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

func (a *API) topUpHandler(c *gin.Context) {
	riderID, _ := middleware.GetRiderID(c)

	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.invalid(c, err.Error())
		return
	}

	res, err := a.svc.TopUp(c.Request.Context(), lifecycle.TopUpCommand{
		RiderID:        riderID,
		Amount:         req.Amount,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
