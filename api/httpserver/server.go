// Package httpserver exposes the engine over HTTP. It is a thin adapter:
// every route parses, delegates to OrderService or its collaborators, and
// maps the failure taxonomy onto status codes.
package httpserver

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"securetrade/domain/order"
	"securetrade/marketdata"
	"securetrade/service"
)

type Server struct {
	svc    *service.OrderService
	prices *marketdata.Service
}

func New(svc *service.OrderService, prices *marketdata.Service) *Server {
	return &Server{svc: svc, prices: prices}
}

// SetupApp builds the fiber application with all routes registered.
func (s *Server) SetupApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "securetrade",
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true, "data": nil})
	})

	v1 := app.Group("/api/v1")

	v1.Post("/orders", s.submitOrder)
	v1.Delete("/orders/:id", s.cancelOrder)
	v1.Get("/orders/:id", s.getOrder)

	v1.Get("/orderbook/:symbol", s.orderBook)

	v1.Get("/accounts/:id/balances", s.balances)
	v1.Get("/accounts/:id/orders", s.openOrders)
	v1.Get("/accounts/:id/transactions", s.transactions)

	v1.Post("/wallet/deposit", s.deposit)
	v1.Post("/wallet/withdraw", s.withdraw)

	v1.Put("/market/:symbol/price", s.setPrice)
	v1.Get("/market/:symbol/ticker", s.ticker)

	return app
}

// -------------------- Orders --------------------

func (s *Server) submitOrder(c *fiber.Ctx) error {
	var req order.Request
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed body")
	}

	o, trades, err := s.svc.SubmitOrder(req)
	if err != nil {
		var verr *order.ValidationError
		var rej *order.RiskRejection
		switch {
		case errors.As(err, &verr):
			return fail(c, fiber.StatusBadRequest, verr.Error())
		case errors.As(err, &rej):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"success": false,
				"error":   rej.Reason,
				"data":    fiber.Map{"order": o, "risk_score": rej.Score},
			})
		case errors.Is(err, order.ErrContention):
			return fail(c, fiber.StatusServiceUnavailable, err.Error())
		default:
			return fail(c, fiber.StatusInternalServerError, err.Error())
		}
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    fiber.Map{"order": o, "trades": trades},
	})
}

func (s *Server) cancelOrder(c *fiber.Ctx) error {
	err := s.svc.CancelOrder(c.Params("id"))
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"success": true, "data": nil})
	case errors.Is(err, order.ErrNotFound):
		return fail(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrNotCancellable):
		return fail(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, order.ErrContention):
		return fail(c, fiber.StatusServiceUnavailable, err.Error())
	default:
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
}

func (s *Server) getOrder(c *fiber.Ctx) error {
	o, err := s.svc.Order(c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusNotFound, err.Error())
	}
	return c.JSON(fiber.Map{"success": true, "data": o})
}

// -------------------- Book --------------------

func (s *Server) orderBook(c *fiber.Ctx) error {
	depth := c.QueryInt("depth", 10)
	snap, err := s.svc.BookSnapshot(c.Params("symbol"), depth)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return fail(c, fiber.StatusNotFound, "symbol not supported")
		}
		return fail(c, fiber.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(fiber.Map{"success": true, "data": snap})
}

// -------------------- Accounts --------------------

func (s *Server) balances(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    s.svc.AccountBalances(c.Params("id")),
	})
}

func (s *Server) openOrders(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    s.svc.OpenOrders(c.Params("id")),
	})
}

func (s *Server) transactions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	return c.JSON(fiber.Map{
		"success": true,
		"data":    s.svc.Transactions(c.Params("id"), limit),
	})
}

// -------------------- Wallet --------------------

type walletRequest struct {
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
}

func (s *Server) deposit(c *fiber.Ctx) error {
	var req walletRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed body")
	}
	if err := s.svc.Deposit(req.AccountID, req.Currency, req.Amount); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    s.svc.AccountBalances(req.AccountID),
	})
}

func (s *Server) withdraw(c *fiber.Ctx) error {
	var req walletRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed body")
	}
	if err := s.svc.Withdraw(req.AccountID, req.Currency, req.Amount); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    s.svc.AccountBalances(req.AccountID),
	})
}

// -------------------- Market data --------------------

type priceRequest struct {
	Price decimal.Decimal `json:"price"`
}

func (s *Server) setPrice(c *fiber.Ctx) error {
	var req priceRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "malformed body")
	}
	if !req.Price.IsPositive() {
		return fail(c, fiber.StatusBadRequest, "price must be positive")
	}
	s.prices.Set(c.Params("symbol"), req.Price)
	return c.JSON(fiber.Map{"success": true, "data": nil})
}

func (s *Server) ticker(c *fiber.Ctx) error {
	t, ok := s.prices.Ticker(c.Params("symbol"))
	if !ok {
		return fail(c, fiber.StatusNotFound, "no price for symbol")
	}
	return c.JSON(fiber.Map{"success": true, "data": t})
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"success": false, "error": msg})
}
