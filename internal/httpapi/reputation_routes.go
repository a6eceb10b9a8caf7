package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilnfleet/kiln/domain/reputation"
	"github.com/kilnfleet/kiln/internal/kerrors"
)

func (s *Service) mountReputationRoutes(api chi.Router) {
	api.Route("/operators", func(r chi.Router) {
		r.Get("/", s.handleListOperators)
		r.Post("/", s.handleRegisterOperator)
		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/{id}", s.handleOperatorStats)
		r.Post("/{id}/verify", s.handleVerifyOperator)
		r.Post("/{id}/completions", s.handleRecordCompletion)
		r.Post("/feedback", s.handleSubmitFeedback)
	})
}

func (s *Service) handleListOperators(w http.ResponseWriter, r *http.Request) {
	verifiedOnly := r.URL.Query().Get("verified_only") == "true"
	minTier := r.URL.Query().Get("min_tier")
	material := r.URL.Query().Get("material")
	ops, err := s.Reputation.ListOperators(verifiedOnly, minTier, material)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, ops)
}

func (s *Service) handleRegisterOperator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OperatorID  string `json:"operator_id"`
		DisplayName string `json:"display_name"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	profile, err := s.Reputation.RegisterOperator(req.OperatorID, req.DisplayName)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeCreated(w, profile)
}

func (s *Service) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 20
	material := r.URL.Query().Get("material")
	writeOK(w, s.Reputation.Leaderboard(limit, material))
}

func (s *Service) handleOperatorStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	profile, summary, err := s.Reputation.OperatorStats(id)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"profile": profile, "feedback": summary})
}

func (s *Service) handleVerifyOperator(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Reputation.VerifyOperator(id); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"verified": true})
}

func (s *Service) handleRecordCompletion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Success          bool    `json:"success"`
		PrintTimeSeconds float64 `json:"print_time_seconds"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	if err := s.Reputation.RecordOrderCompletion(id, req.Success, req.PrintTimeSeconds); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"recorded": true})
}

func (s *Service) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID            string `json:"order_id"`
		OperatorID         string `json:"operator_id"`
		CustomerID         string `json:"customer_id"`
		QualityScore       int    `json:"quality_score"`
		OnTime             bool   `json:"on_time"`
		CommunicationScore int    `json:"communication_score"`
		WouldRecommend     bool   `json:"would_recommend"`
		Comment            string `json:"comment"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	if req.OperatorID == "" {
		writeError(w, s.Log, kerrors.New(kerrors.KindValidation, "operator_id is required"))
		return
	}
	err := s.Reputation.SubmitFeedback(reputation.OrderFeedback{
		OrderID: req.OrderID, OperatorID: req.OperatorID, CustomerID: req.CustomerID,
		QualityScore: req.QualityScore, OnTime: req.OnTime, CommunicationScore: req.CommunicationScore,
		WouldRecommend: req.WouldRecommend, Comment: req.Comment, HasComment: req.Comment != "",
		CreatedAt: time.Now(),
	})
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeCreated(w, map[string]any{"recorded": true})
}
