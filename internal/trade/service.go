// Package trade provides the HTTP handlers exposing the trading engine:
// deposits, buy/sell order acceptance, balance, positions, quotes,
// reporting queries, and the real-time quote stream.
//
// Handlers stay thin: validation and financial semantics live in the
// orders pipeline and report service; this layer maps JSON in and
// application errors out.
package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/brlx/trading-engine/internal/apperr"
	"github.com/brlx/trading-engine/internal/model"
	"github.com/brlx/trading-engine/internal/orders"
	"github.com/brlx/trading-engine/internal/quote"
	"github.com/brlx/trading-engine/internal/report"
	"github.com/brlx/trading-engine/internal/worker"
)

// Service wires the HTTP surface to the engine.
type Service struct {
	pipeline   *orders.Pipeline
	reports    *report.Service
	quotes     *quote.Service
	dispatcher *worker.Dispatcher
	wsHub      *WSHub // optional; nil disables streaming
}

// NewService creates the HTTP service. Pass nil for hub if streaming is
// not needed.
func NewService(p *orders.Pipeline, r *report.Service, q *quote.Service, d *worker.Dispatcher, hub *WSHub) *Service {
	return &Service{pipeline: p, reports: r, quotes: q, dispatcher: d, wsHub: hub}
}

// Routes mounts all handlers on the router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/deposits", s.Deposit)
	r.Post("/orders/buy", s.AcceptBuy)
	r.Post("/orders/sell", s.AcceptSell)
	r.Get("/balance/{userID}", s.GetBalance)
	r.Get("/positions/{userID}", s.GetPositions)
	r.Get("/statement/{userID}", s.GetStatement)
	r.Get("/quotes/current", s.GetQuote)
	r.Get("/quotes/history", s.GetHistory)
	r.Get("/volume/daily", s.GetDailyVolume)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request types ---

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	UserID          string          `json:"user_id"`
	AmountBRL       decimal.Decimal `json:"amount_brl"`
	ClientRequestID string          `json:"client_request_id"`
}

// OrderRequest is the JSON body for POST /orders/{buy,sell}.
type OrderRequest struct {
	UserID          string          `json:"user_id"`
	AmountBRL       decimal.Decimal `json:"amount_brl"`
	ClientRequestID string          `json:"client_request_id"`
}

// --- Handlers ---

// Deposit handles POST /api/v1/deposits.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalid("invalid request body"))
		return
	}
	if req.UserID == "" {
		writeError(w, apperr.Invalid("user_id is required"))
		return
	}

	res, err := s.pipeline.Deposit(r.Context(), req.UserID, req.AmountBRL, req.ClientRequestID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Idempotent {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"id":          res.TransactionID,
		"amount_brl":  res.AmountBRL,
		"new_balance": res.NewBalance,
		"created_at":  res.CreatedAt,
		"idempotent":  res.Idempotent,
	})
}

// AcceptBuy handles POST /api/v1/orders/buy.
func (s *Service) AcceptBuy(w http.ResponseWriter, r *http.Request) {
	s.acceptOrder(w, r, model.SideBuy)
}

// AcceptSell handles POST /api/v1/orders/sell.
func (s *Service) AcceptSell(w http.ResponseWriter, r *http.Request) {
	s.acceptOrder(w, r, model.SideSell)
}

func (s *Service) acceptOrder(w http.ResponseWriter, r *http.Request, side model.OrderSide) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalid("invalid request body"))
		return
	}
	if req.UserID == "" {
		writeError(w, apperr.Invalid("user_id is required"))
		return
	}

	res, err := s.pipeline.Accept(r.Context(), side, req.UserID, req.AmountBRL, req.ClientRequestID)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Created && s.dispatcher != nil {
		job := worker.Job{UserID: req.UserID, Side: side, ClientRequestID: req.ClientRequestID}
		if err := s.dispatcher.Enqueue(job); err != nil {
			// The order is accepted and durable; execution will need a
			// manual nudge. Surface loudly but do not fail the accept.
			slog.Error("enqueue failed", "user", req.UserID, "side", side, "err", err)
		}
	}
	writeJSON(w, http.StatusAccepted, res)
}

// GetBalance handles GET /api/v1/balance/{userID}.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.reports.GetBalance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetPositions handles GET /api/v1/positions/{userID}.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	views, err := s.reports.GetPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if views == nil {
		views = []report.PositionView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// GetStatement handles GET /api/v1/statement/{userID}.
// Query params: from, to (RFC 3339 or YYYY-MM-DD), types (comma-separated),
// cursor, limit.
func (s *Service) GetStatement(w http.ResponseWriter, r *http.Request) {
	q := report.StatementQuery{Cursor: r.URL.Query().Get("cursor")}

	var err error
	if q.From, err = parseTimeParam(r.URL.Query().Get("from")); err != nil {
		writeError(w, apperr.Invalid("from must be RFC 3339 or YYYY-MM-DD"))
		return
	}
	if q.To, err = parseTimeParam(r.URL.Query().Get("to")); err != nil {
		writeError(w, apperr.Invalid("to must be RFC 3339 or YYYY-MM-DD"))
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, apperr.Invalid("limit must be an integer"))
			return
		}
		q.Limit = n
	}
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			q.Types = append(q.Types, model.TransactionType(t))
		}
	}

	page, err := s.reports.GetStatement(r.Context(), chi.URLParam(r, "userID"), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetQuote handles GET /api/v1/quotes/current.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	dto, err := s.quotes.GetCurrent(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetHistory handles GET /api/v1/quotes/history.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.reports.GetHistory24h(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// GetDailyVolume handles GET /api/v1/volume/daily.
func (s *Service) GetDailyVolume(w http.ResponseWriter, r *http.Request) {
	v, err := s.reports.GetDailyVolume(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- helpers ---

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps application errors to their status/code; anything else
// is a 500.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.StatusOf(err)
	code := apperr.CodeOf(err)
	if code == "" {
		code = "INTERNAL"
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"code": code, "error": err.Error()})
}
