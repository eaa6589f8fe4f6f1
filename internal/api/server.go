// Package api serves a read-only HTTP view of the running peer: quotes,
// candle history, the local portfolio and the shared leaderboard.
// Useful for dashboards and for poking a peer with curl.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"moonrush/internal/market"
	"moonrush/internal/peer"
)

type Server struct {
	log  *slog.Logger
	peer *peer.Peer
	mux  *chi.Mux
}

func New(logger *slog.Logger, p *peer.Peer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{log: logger, peer: p, mux: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":     true,
			"online": s.peer.Online(),
			"master": s.peer.IsMaster(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/coins", s.handleCoins)
		r.Get("/coins/{symbol}/history", s.handleHistory)
		r.Get("/portfolio", s.handlePortfolio)
		r.Get("/transactions", s.handleTransactions)
		r.Get("/leaderboard", s.handleLeaderboard)
	})
}

func (s *Server) handleCoins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"coins": s.peer.Market().Coins()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	if _, ok := s.peer.Market().Quote(symbol); !ok {
		writeError(w, http.StatusNotFound, "unknown coin")
		return
	}
	tf := market.Timeframe(r.URL.Query().Get("timeframe"))
	if tf == "" {
		tf = market.Timeframe24h
	}
	candles := s.peer.Market().History(symbol, tf, time.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    symbol,
		"timeframe": tf,
		"candles":   candles,
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, _ *http.Request) {
	pf, _ := s.peer.Ledger().Snapshot()
	writeJSON(w, http.StatusOK, pf)
}

func (s *Server) handleTransactions(w http.ResponseWriter, _ *http.Request) {
	_, txs := s.peer.Ledger().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := s.peer.Leaderboard(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}
