package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

const maxBodyBytes = 64 << 10

// handleHealth reports liveness and book size.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"orders":    s.keeper.Book().Len(),
		"uptime":    time.Since(s.startAt).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleOrders returns per-side counts. Orders themselves are never exposed.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	buys, sells := s.keeper.Book().Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"buyOrders":  buys,
		"sellOrders": sells,
		"lastUpdate": time.Now().UnixMilli(),
	})
}

// handleSubmit accepts an encrypted order, evaluates it and settles any match
// before responding.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.reject(w, &ValidationError{Field: "body", Msg: err.Error()})
		return
	}
	o, err := req.toOrder()
	if err != nil {
		s.reject(w, err)
		return
	}

	// Settlement runs to completion even if the client disconnects.
	res, err := s.keeper.Submit(context.WithoutCancel(r.Context()), o)
	if err != nil {
		s.reject(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Success:      true,
		OrderID:      res.OrderID,
		MatchesFound: len(res.Settlements),
	})
}

func (s *Server) reject(w http.ResponseWriter, err error) {
	s.metrics.OrdersRejected.Add(1)
	s.log.Info("order rejected", zap.Error(err))
	writeError(w, err)
}

// handleCancel cancels an open order through the ledger.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.keeper.Cancel(context.WithoutCancel(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orderId": id})
}

type matchSummary struct {
	BuyOrderID  string           `json:"buyOrderId"`
	SellOrderID string           `json:"sellOrderId"`
	MatchID     string           `json:"matchId"`
	State       settlement.State `json:"state"`
}

// handleMatch runs one batch pass.
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.keeper.RunBatch(context.WithoutCancel(r.Context()))
	if err != nil && len(res.Settlements) == 0 {
		writeError(w, err)
		return
	}
	out := make([]matchSummary, 0, len(res.Settlements))
	for _, rec := range res.Settlements {
		out = append(out, matchSummary{
			BuyOrderID:  rec.BuyOrderID,
			SellOrderID: rec.SellOrderID,
			MatchID:     rec.MatchID,
			State:       rec.State,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"matchesFound": len(out),
		"matches":      out,
	})
}

// handleSettlement returns one settlement record.
func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := s.journal.Get(ctx, r.PathValue("matchId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleSettlements lists records, newest first. ?state=failed is the manual
// intervention queue.
func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	f := settlement.Filter{Limit: parseIntParam(r, "limit", 100)}
	if v := r.URL.Query().Get("state"); v != "" {
		st, err := settlement.ParseState(v)
		if err != nil {
			writeError(w, &ValidationError{Field: "state", Msg: err.Error()})
			return
		}
		f.State = st
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	recs, err := s.journal.List(ctx, f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
