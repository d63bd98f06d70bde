package routes

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/interledger/rafiki-sub008/internal/accounting"
)

// RegisterLedgerRoutes wires the read-only ledger inspection endpoints.
func RegisterLedgerRoutes(r fiber.Router, svc accounting.AccountingService) {
	r.Get("/accounts/:id/balance", func(c *fiber.Ctx) error {
		accountID := c.Params("id")
		balance, err := svc.GetBalance(c.UserContext(), accountID)
		if err != nil {
			return ledgerError(err)
		}
		return c.JSON(fiber.Map{
			"account_id": accountID,
			"balance":    balance.String(),
		})
	})

	r.Get("/accounts/:id/totals", func(c *fiber.Ctx) error {
		accountID := c.Params("id")
		sent, err := svc.GetTotalSent(c.UserContext(), accountID)
		if err != nil {
			return ledgerError(err)
		}
		received, err := svc.GetTotalReceived(c.UserContext(), accountID)
		if err != nil {
			return ledgerError(err)
		}
		return c.JSON(fiber.Map{
			"account_id":     accountID,
			"total_sent":     sent.String(),
			"total_received": received.String(),
		})
	})

	r.Get("/accounts/:id/transfers", func(c *fiber.Ctx) error {
		accountID := c.Params("id")
		limit := c.QueryInt("limit", 0)
		if limit < 0 {
			return fiber.NewError(http.StatusBadRequest, "limit must not be negative")
		}
		transfers, err := svc.GetAccountTransfers(c.UserContext(), accountID, limit)
		if err != nil {
			return ledgerError(err)
		}
		return c.JSON(fiber.Map{
			"account_id": accountID,
			"credits":    transferViews(transfers.Credits),
			"debits":     transferViews(transfers.Debits),
		})
	})

	r.Get("/settlement/:ledger/balance", func(c *fiber.Ctx) error {
		ledger, err := strconv.ParseUint(c.Params("ledger"), 10, 32)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid ledger")
		}
		balance, err := svc.GetSettlementBalance(c.UserContext(), uint32(ledger))
		if err != nil {
			return ledgerError(err)
		}
		return c.JSON(fiber.Map{
			"ledger":  ledger,
			"balance": balance.String(),
		})
	})
}

type transferView struct {
	ID              string  `json:"id"`
	TransferRef     string  `json:"transfer_ref"`
	CreditAccountID string  `json:"credit_account_id"`
	DebitAccountID  string  `json:"debit_account_id"`
	Ledger          uint32  `json:"ledger"`
	Amount          string  `json:"amount"`
	State           string  `json:"state"`
	Type            string  `json:"type"`
	ExpiresAt       *string `json:"expires_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

func transferViews(transfers []accounting.LedgerTransfer) []transferView {
	views := make([]transferView, len(transfers))
	for i, t := range transfers {
		view := transferView{
			ID:              t.ID,
			TransferRef:     t.TransferRef,
			CreditAccountID: t.CreditAccountID,
			DebitAccountID:  t.DebitAccountID,
			Ledger:          t.Ledger,
			Amount:          t.Amount.String(),
			State:           string(t.State),
			Type:            string(t.Type),
			CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if t.ExpiresAt != nil {
			expires := t.ExpiresAt.UTC().Format(time.RFC3339Nano)
			view.ExpiresAt = &expires
		}
		views[i] = view
	}
	return views
}

func ledgerError(err error) error {
	if errors.Is(err, accounting.ErrUnknownAccount) {
		return fiber.NewError(http.StatusNotFound, "unknown account")
	}
	return fiber.NewError(http.StatusInternalServerError, err.Error())
}
